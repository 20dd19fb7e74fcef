// Package runtime implements the isolated test runtime: module resolution,
// the transform cache, the mock policy engine, the module executor, the
// local require factory, the framework handle, the source-map registry, and
// the teardown guard described by pkg/isovm/v1.
package runtime

import (
	"sync"

	"github.com/isovm-labs/isovm/internal/safemap"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"
)

// RegistryLayer identifies which of the three module registries a lookup or
// insert targets.
type RegistryLayer int

const (
	// LayerMain is the persistent registry, cleared only by an explicit
	// reset.
	LayerMain RegistryLayer = iota
	// LayerInternal holds modules the test framework itself uses; never
	// mocked, never reset.
	LayerInternal
	// LayerIsolated is active only inside an isolation scope; when
	// present, real-module requests write here instead of main.
	LayerIsolated
)

// Module is the record representing one loaded module. It is inserted into
// its owning registry before its body executes, so that a cycle through it
// observes partial exports rather than recursing.
type Module struct {
	// Filename is the module's absolute path and identity.
	Filename string

	// Exports is mutated in place by the executing body; readers observe
	// whatever has been assigned by the time they read it, including
	// mid-execution for cyclic requires.
	Exports interface{}

	// Children lists the modules this module has itself required, in
	// require order.
	mu       sync.Mutex
	children []*Module

	// Loaded is set true once the module's body has finished executing.
	Loaded bool

	// ParentPath is the *key*, not a direct reference: parent is resolved
	// by looking it up in the owning registry at read time, so an
	// isolation swap is observed rather than an extended-lifetime stale
	// reference. A nil ParentResolver means the module has no parent (it
	// is the entry file).
	ParentPath     string
	parentResolver func(path string) (*Module, bool)

	// Paths is the module's directory-search chain, computed once at
	// insertion time from its own directory.
	Paths []string

	// Require is installed by the Module Executor before the body
	// executes; it is the require function handed to the module's
	// synthetic wrapper invocation.
	Require *LocalRequire
}

// AddChild records child as having been required by m.
func (m *Module) AddChild(child *Module) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children = append(m.children, child)
}

// Children returns a snapshot of the modules this module has required.
func (m *Module) Children() []*Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Module, len(m.children))
	copy(out, m.children)
	return out
}

// Parent resolves the lazy parent reference against the registry captured
// at installation time. Returns nil if there is no parent path, or if the
// registry no longer contains it (the weak-reference behavior called out in
// the data model: isolation swaps make a previously-valid parent vanish).
func (m *Module) Parent() *Module {
	if m.ParentPath == "" || m.parentResolver == nil {
		return nil
	}
	p, ok := m.parentResolver(m.ParentPath)
	if !ok {
		return nil
	}
	return p
}

// Main walks the parent chain to the topmost distinct ancestor, computed on
// read exactly like Parent.
func (m *Module) Main() *Module {
	current := m
	for {
		parent := current.Parent()
		if parent == nil || parent == current {
			return current
		}
		current = parent
	}
}

// ModuleRegistry is the per-runtime, per-layer mapping from absolute path to
// Module. Keys are raw path strings; there is no prototype to pollute.
type ModuleRegistry struct {
	byPath *safemap.Map[string, *Module]
}

// NewModuleRegistry creates an empty ModuleRegistry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{byPath: safemap.New[string, *Module]()}
}

// Lookup returns the Module stored for path, if any.
func (r *ModuleRegistry) Lookup(path string) (*Module, bool) {
	return r.byPath.Get(path)
}

// Insert stores m under its Filename.
func (r *ModuleRegistry) Insert(m *Module) {
	r.byPath.Set(m.Filename, m)
}

// Has reports whether path is present.
func (r *ModuleRegistry) Has(path string) bool {
	return r.byPath.Has(path)
}

// Reset replaces the registry's contents with an empty map.
func (r *ModuleRegistry) Reset() {
	r.byPath.Reset()
}

// MockEntry is a cached value in the Mock Registry: either a concrete
// produced value, or the manual-mock Module it was generated from.
type MockEntry struct {
	Value  interface{}
	Module *Module
}

// MockRegistry mirrors ModuleRegistry's shape but is keyed by module-id
// rather than absolute path, matching the Mock Registry described in the
// data model.
type MockRegistry struct {
	byID *safemap.Map[string, *MockEntry]
}

// NewMockRegistry creates an empty MockRegistry.
func NewMockRegistry() *MockRegistry {
	return &MockRegistry{byID: safemap.New[string, *MockEntry]()}
}

func (r *MockRegistry) Lookup(id string) (*MockEntry, bool) {
	return r.byID.Get(id)
}

func (r *MockRegistry) Insert(id string, entry *MockEntry) {
	r.byID.Set(id, entry)
}

func (r *MockRegistry) Reset() {
	r.byID.Reset()
}

// PolicyTables holds the mock-policy state keyed by module-id, described in
// the data model. All fields are concurrency-safe independently; the Mock
// Policy Engine composes them into the shouldMock decision procedure.
type PolicyTables struct {
	// ExplicitShouldMock is tri-state: absent means "no explicit decision
	// has been made"; present-true/false are user mock()/unmock() calls.
	ExplicitShouldMock *safemap.Map[string, bool]

	// MockFactories holds user-supplied replacement producers.
	MockFactories *safemap.Map[string, func() (interface{}, error)]

	// VirtualMocks marks mock-only keys with no file-system backing.
	VirtualMocks *safemap.Map[string, bool]

	// TransitiveShouldMock is the propagation rule for dependencies of
	// unmocked packages (rule 7's memo and deepUnmock's effect).
	TransitiveShouldMock *safemap.Map[string, bool]

	// ShouldMockCache memoizes the final decision per module-id (rule 6).
	ShouldMockCache *safemap.Map[string, bool]

	// ShouldUnmockTransitiveCache memoizes rule 7's vendored-unmock
	// decision, keyed by fromPath+"\x00"+id.
	ShouldUnmockTransitiveCache *safemap.Map[string, bool]

	// MockMetaDataCache caches the structural snapshot used by the
	// auto-mock generator, keyed by absolute path.
	MockMetaDataCache *safemap.Map[string, sandbox.MockMetadata]

	// AutomockEnabled is the global auto-mock flag toggled by
	// enableAutomock/disableAutomock.
	mu              sync.RWMutex
	automockEnabled bool
}

// NewPolicyTables creates an empty PolicyTables with the given initial
// auto-mock flag.
func NewPolicyTables(automockEnabled bool) *PolicyTables {
	return &PolicyTables{
		ExplicitShouldMock:          safemap.New[string, bool](),
		MockFactories:               safemap.New[string, func() (interface{}, error)](),
		VirtualMocks:                safemap.New[string, bool](),
		TransitiveShouldMock:        safemap.New[string, bool](),
		ShouldMockCache:             safemap.New[string, bool](),
		ShouldUnmockTransitiveCache: safemap.New[string, bool](),
		MockMetaDataCache:           safemap.New[string, sandbox.MockMetadata](),
		automockEnabled:             automockEnabled,
	}
}

func (p *PolicyTables) AutomockEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.automockEnabled
}

func (p *PolicyTables) SetAutomockEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.automockEnabled = enabled
}

// ClearMemoization drops the two caches that must not survive a policy
// change (explicit mock/unmock, deepUnmock) that could alter their outcome.
// resetModules clears them as part of the full reset; individual policy
// mutators clear only the entries they can affect.
func (p *PolicyTables) ClearMemoization() {
	p.ShouldMockCache.Reset()
	p.ShouldUnmockTransitiveCache.Reset()
}
