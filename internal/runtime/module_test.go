package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModule_ChildrenSnapshot(t *testing.T) {
	parent := &Module{Filename: "/project/a.js"}
	childA := &Module{Filename: "/project/b.js"}
	childB := &Module{Filename: "/project/c.js"}

	parent.AddChild(childA)
	parent.AddChild(childB)

	children := parent.Children()
	assert.Equal(t, []*Module{childA, childB}, children)

	// Mutating the returned slice must not affect the module's own record.
	children[0] = nil
	assert.Equal(t, childA, parent.Children()[0])
}

func TestModule_ParentResolvesLazily(t *testing.T) {
	registry := NewModuleRegistry()
	parent := &Module{Filename: "/project/a.js"}
	registry.Insert(parent)

	child := &Module{
		Filename:       "/project/b.js",
		ParentPath:     "/project/a.js",
		parentResolver: func(path string) (*Module, bool) { return registry.Lookup(path) },
	}

	assert.Same(t, parent, child.Parent())
}

func TestModule_ParentMissingReturnsNil(t *testing.T) {
	registry := NewModuleRegistry()
	child := &Module{
		Filename:       "/project/b.js",
		ParentPath:     "/project/a.js",
		parentResolver: func(path string) (*Module, bool) { return registry.Lookup(path) },
	}
	assert.Nil(t, child.Parent())

	noParent := &Module{Filename: "/project/entry.js"}
	assert.Nil(t, noParent.Parent())
}

func TestModule_MainWalksToTopmostAncestor(t *testing.T) {
	registry := NewModuleRegistry()
	grandparent := &Module{Filename: "/project/entry.js"}
	parent := &Module{
		Filename:       "/project/a.js",
		ParentPath:     "/project/entry.js",
		parentResolver: registry.Lookup,
	}
	child := &Module{
		Filename:       "/project/b.js",
		ParentPath:     "/project/a.js",
		parentResolver: registry.Lookup,
	}
	registry.Insert(grandparent)
	registry.Insert(parent)
	registry.Insert(child)

	assert.Same(t, grandparent, child.Main())
	assert.Same(t, grandparent, parent.Main())
	assert.Same(t, grandparent, grandparent.Main())
}

func TestModule_MainStopsOnVanishedParent(t *testing.T) {
	registry := NewModuleRegistry()
	child := &Module{
		Filename:       "/project/b.js",
		ParentPath:     "/project/a.js",
		parentResolver: registry.Lookup,
	}
	registry.Insert(child)

	// Parent path was never inserted (isolation swap scenario): Main
	// degrades to the module itself rather than panicking.
	assert.Same(t, child, child.Main())
}

func TestModuleRegistry_InsertLookupHasReset(t *testing.T) {
	reg := NewModuleRegistry()
	m := &Module{Filename: "/project/a.js"}

	assert.False(t, reg.Has(m.Filename))
	reg.Insert(m)
	assert.True(t, reg.Has(m.Filename))

	got, ok := reg.Lookup(m.Filename)
	assert.True(t, ok)
	assert.Same(t, m, got)

	reg.Reset()
	assert.False(t, reg.Has(m.Filename))
}

func TestMockRegistry_InsertLookupReset(t *testing.T) {
	reg := NewMockRegistry()
	entry := &MockEntry{Value: "mocked"}

	reg.Insert("id-1", entry)
	got, ok := reg.Lookup("id-1")
	assert.True(t, ok)
	assert.Equal(t, entry, got)

	reg.Reset()
	_, ok = reg.Lookup("id-1")
	assert.False(t, ok)
}

func TestPolicyTables_ClearMemoizationPreservesExplicitState(t *testing.T) {
	p := NewPolicyTables(true)
	p.ExplicitShouldMock.Set("id-1", false)
	p.ShouldMockCache.Set("id-1", true)
	p.ShouldUnmockTransitiveCache.Set("id-1", true)

	p.ClearMemoization()

	assert.Equal(t, 0, p.ShouldMockCache.Len())
	assert.Equal(t, 0, p.ShouldUnmockTransitiveCache.Len())

	v, ok := p.ExplicitShouldMock.Get("id-1")
	assert.True(t, ok)
	assert.False(t, v)
}

func TestPolicyTables_AutomockToggle(t *testing.T) {
	p := NewPolicyTables(false)
	assert.False(t, p.AutomockEnabled())
	p.SetAutomockEnabled(true)
	assert.True(t, p.AutomockEnabled())
}
