package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRequire_CallRoutesThroughMockPolicy(t *testing.T) {
	rt, res, _, tr := newTestRuntime(t, nil)
	tr.register("/project/b.js", setExports("real-value"))

	lr := newLocalRequire(rt, "/project/a.js", false)
	val, err := lr.Call("./b.js")
	require.NoError(t, err)
	assert.Equal(t, "real-value", val)

	id, _ := res.ResolveModule("/project/a.js", "./b.js")
	rt.policy.ExplicitShouldMock.Set(id, true)
	rt.policy.MockFactories.Set(id, func() (interface{}, error) { return "mock-value", nil })

	val, err = lr.Call("./b.js")
	require.NoError(t, err)
	assert.Equal(t, "mock-value", val)
}

func TestLocalRequire_InternalCallBypassesMockPolicy(t *testing.T) {
	rt, res, _, tr := newTestRuntime(t, nil)
	tr.register("/internal/setup.js", setExports("internal-value"))

	id, _ := res.ResolveModule("/internal/caller.js", "setup.js")
	rt.policy.ExplicitShouldMock.Set(id, true)

	lr := newLocalRequire(rt, "/internal/caller.js", true)
	val, err := lr.Call("setup.js")
	require.NoError(t, err)
	assert.Equal(t, "internal-value", val)

	mod, ok := rt.registries.ModuleRegistryFor(LayerInternal).Lookup("/internal/setup.js")
	require.True(t, ok)
	assert.True(t, mod.Loaded)
}

func TestLocalRequire_RequireActualAndRequireMock(t *testing.T) {
	rt, res, _, tr := newTestRuntime(t, nil)
	tr.register("/project/b.js", setExports("real-value"))

	id, _ := res.ResolveModule("/project/a.js", "./b.js")
	rt.policy.MockFactories.Set(id, func() (interface{}, error) { return "mock-value", nil })

	lr := newLocalRequire(rt, "/project/a.js", false)

	actual, err := lr.RequireActual("./b.js")
	require.NoError(t, err)
	assert.Equal(t, "real-value", actual)

	mocked, err := lr.RequireMock("./b.js")
	require.NoError(t, err)
	assert.Equal(t, "mock-value", mocked)
}

func TestLocalRequire_ResolveEmptyRequestErrors(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	lr := newLocalRequire(rt, "/project/a.js", false)

	_, err := lr.Resolve("", nil)
	require.Error(t, err)

	_, err = lr.ResolvePaths("")
	require.Error(t, err)
}

func TestLocalRequire_ResolvePathsPrecedence(t *testing.T) {
	rt, res, _, _ := newTestRuntime(t, nil)
	lr := newLocalRequire(rt, "/project/a.js", false)

	// paths, when given, always wins and is tried in declared order,
	// regardless of whether request itself looks relative.
	res.registerExists("/project/root-one", "pkg", "/project/root-one/pkg/index.js")
	res.registerExists("/project/root-two", "pkg", "/project/root-two/pkg/index.js")

	resolved, err := lr.Resolve("pkg", []string{"root-one", "root-two"})
	require.NoError(t, err)
	assert.Equal(t, "/project/root-one/pkg/index.js", resolved, "the first matching entry in paths wins")

	resolved, err = lr.Resolve("pkg", []string{"root-two", "root-one"})
	require.NoError(t, err)
	assert.Equal(t, "/project/root-two/pkg/index.js", resolved, "paths order, not request-relativeness, decides precedence")

	// Without paths, the default resolver chain runs instead.
	resolved, err = lr.Resolve("./b.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "/project/b.js", resolved)
}

func TestLocalRequire_ResolvePathsHelper(t *testing.T) {
	rt, res, _, _ := newTestRuntime(t, nil)
	res.markCore("fs")
	lr := newLocalRequire(rt, "/project/sub/a.js", false)

	paths, err := lr.ResolvePaths("./b.js")
	require.NoError(t, err)
	assert.Equal(t, []string{"/project/sub"}, paths)

	paths, err = lr.ResolvePaths("fs")
	require.NoError(t, err)
	assert.Nil(t, paths)

	paths, err = lr.ResolvePaths("some-package")
	require.NoError(t, err)
	assert.Equal(t, []string{"/project/sub/node_modules"}, paths)
}

func TestLocalRequire_MainResolvesTopmostAncestor(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)
	tr.register("/project/entry.js", setExports("entry"))
	_, err := rt.executeModule("/project/entry.js", "", LayerMain, false, false)
	require.NoError(t, err)

	tr.register("/project/child.js", setExports("child"))
	_, err = rt.executeModule("/project/child.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)

	lr := newLocalRequire(rt, "/project/child.js", false)
	main := lr.Main()
	require.NotNil(t, main)
	assert.Equal(t, "/project/entry.js", main.Filename)
}

func TestLocalRequire_CacheAndExtensionsAreUsable(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	lr := newLocalRequire(rt, "/project/a.js", false)

	lr.Cache().Set("/project/b.js", "cached")
	v, ok := lr.Cache().Get("/project/b.js")
	assert.True(t, ok)
	assert.Equal(t, "cached", v)

	lr.Extensions().Set(".js", true)
	assert.True(t, lr.Extensions().Has(".js"))
}
