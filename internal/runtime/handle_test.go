package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandleForTest(t *testing.T, rt *Runtime, from string) *FrameworkHandle {
	t.Helper()
	return rt.newFrameworkHandle(&Module{Filename: from})
}

func TestFrameworkHandle_MockThenRequireMockUsesFactory(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	h := newHandleForTest(t, rt, "/project/a.js")

	h.Mock("./b.js", func() (interface{}, error) { return "mocked", nil }, MockOptions{})

	val, err := rt.RequireModuleOrMock("/project/a.js", "./b.js")
	require.NoError(t, err)
	assert.Equal(t, "mocked", val)
}

func TestFrameworkHandle_VirtualMockNeedsNoFileBacking(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	h := newHandleForTest(t, rt, "/project/a.js")

	h.Mock("virtual-module", func() (interface{}, error) { return "virtual-value", nil }, MockOptions{Virtual: true})

	val, err := rt.RequireModuleOrMock("/project/a.js", "virtual-module")
	require.NoError(t, err)
	assert.Equal(t, "virtual-value", val)
}

func TestFrameworkHandle_UnmockOverridesAutomock(t *testing.T) {
	cfg := plainConfig()
	cfg.Automock = true
	rt, _, _, tr := newTestRuntime(t, cfg)
	tr.register("/project/b.js", setExports("real-value"))

	h := newHandleForTest(t, rt, "/project/a.js")
	h.Unmock("./b.js")

	val, err := rt.RequireModuleOrMock("/project/a.js", "./b.js")
	require.NoError(t, err)
	assert.Equal(t, "real-value", val)
}

func TestFrameworkHandle_EnableDisableAutomock(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	h := newHandleForTest(t, rt, "/project/a.js")

	h.EnableAutomock()
	assert.True(t, rt.policy.AutomockEnabled())

	h.DisableAutomock()
	assert.False(t, rt.policy.AutomockEnabled())
}

func TestFrameworkHandle_ChainingReturnsSameHandle(t *testing.T) {
	rt, _, _, _ := newTestRuntime(t, nil)
	h := newHandleForTest(t, rt, "/project/a.js")

	result := h.EnableAutomock().DisableAutomock().ClearAllMocks().ResetAllMocks().RestoreAllMocks()
	assert.Same(t, h, result)
}

func TestFrameworkHandle_ResetModulesDelegatesToRuntime(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)
	tr.register("/project/a.js", setExports("value"))
	_, err := rt.RequireModule("/project/entry.js", "./a.js")
	require.NoError(t, err)

	h := newHandleForTest(t, rt, "/project/entry.js")
	require.NoError(t, h.ResetModules())

	assert.False(t, rt.registries.ModuleRegistryFor(LayerMain).Has("/project/a.js"))
}

func TestFrameworkHandle_IsolateModulesDelegatesToRuntime(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)
	tr.register("/project/scoped.js", setExports("scoped"))
	h := newHandleForTest(t, rt, "/project/entry.js")

	err := h.IsolateModules(func() error {
		_, err := rt.RequireModule("/project/entry.js", "./scoped.js")
		return err
	})
	require.NoError(t, err)
	assert.False(t, rt.registries.ModuleRegistryFor(LayerMain).Has("/project/scoped.js"))
}

func TestFrameworkHandle_GenMockFromModuleDoesNotCache(t *testing.T) {
	rt, _, sb, tr := newTestRuntime(t, nil)
	tr.register("/project/b.js", setExports("real-value"))
	sb.mocker.emptyMeta = false
	h := newHandleForTest(t, rt, "/project/a.js")

	val, err := h.GenMockFromModule("./b.js")
	require.NoError(t, err)
	assert.Equal(t, "generated-mock", val)

	_, cached := rt.policy.MockMetaDataCache.Get("/project/b.js")
	assert.False(t, cached, "GenMockFromModule must not cache metadata as policy state")
}

func TestFrameworkHandle_TimersNoOpAfterTeardown(t *testing.T) {
	rt, _, sb, _ := newTestRuntime(t, nil)
	timers := &fakeFakeTimers{}
	sb.timers = timers
	h := newHandleForTest(t, rt, "/project/a.js")

	h.UseFakeTimers()
	assert.True(t, timers.installed)

	require.NoError(t, sb.Teardown(nil))
	h.AdvanceTimersByTime(1000)
	assert.Equal(t, int64(0), timers.advanced, "a timer operation after teardown must be rejected, not applied")
	assert.Equal(t, 1, rt.ExitCode())
}

func TestFrameworkHandle_TimerPassthroughWhileLive(t *testing.T) {
	rt, _, sb, _ := newTestRuntime(t, nil)
	timers := &fakeFakeTimers{}
	sb.timers = timers
	h := newHandleForTest(t, rt, "/project/a.js")

	h.UseFakeTimers().AdvanceTimersByTime(500).RunAllTimers().ClearAllTimers()
	assert.Equal(t, int64(500), timers.advanced)
	assert.Equal(t, 1, timers.runAll)
	assert.Equal(t, 1, timers.cleared)

	h.UseRealTimers()
	assert.False(t, timers.installed)
}

func TestFrameworkHandle_SetTimeoutAndRetryTimesWriteGlobal(t *testing.T) {
	rt, _, sb, _ := newTestRuntime(t, nil)
	h := newHandleForTest(t, rt, "/project/a.js")

	h.SetTimeout(5000).RetryTimes(3)

	v, ok := sb.global.Get("__isovm_testTimeoutMs__")
	require.True(t, ok)
	assert.Equal(t, int64(5000), v)

	v, ok = sb.global.Get("__isovm_retryTimes__")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestFrameworkHandle_RequireActualAndRequireMockBoundToModule(t *testing.T) {
	rt, res, _, tr := newTestRuntime(t, nil)
	tr.register("/project/b.js", setExports("real-value"))
	id, _ := res.ResolveModule("/project/a.js", "./b.js")
	rt.policy.MockFactories.Set(id, func() (interface{}, error) { return "mock-value", nil })

	h := newHandleForTest(t, rt, "/project/a.js")

	actual, err := h.RequireActual("./b.js")
	require.NoError(t, err)
	assert.Equal(t, "real-value", actual)

	mocked, err := h.RequireMock("./b.js")
	require.NoError(t, err)
	assert.Equal(t, "mock-value", mocked)
}
