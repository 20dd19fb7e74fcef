package runtime

import (
	"testing"

	"github.com/isovm-labs/isovm/internal/logging"
	"github.com/isovm-labs/isovm/internal/runtimeconfig"
	v1 "github.com/isovm-labs/isovm/pkg/isovm/v1"
	v1events "github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfigWithExtraGlobals() *runtimeconfig.Config {
	return &runtimeconfig.Config{
		SchemaVersion: "v1",
		RootDir:       "/project",
		ExtraGlobals:  []string{"myGlobal"},
	}
}

func TestExecuteModule_RunsWrapperAndSetsExports(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)
	tr.register("/project/a.js", setExports("hello"))

	val, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)
	assert.Equal(t, "hello", val)

	mod, ok := rt.registries.ModuleRegistryFor(LayerMain).Lookup("/project/a.js")
	require.True(t, ok)
	assert.True(t, mod.Loaded)
	assert.Equal(t, "hello", mod.Exports)
}

func TestExecuteModule_CycleReturnsPartialExports(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)

	// a.js requires b.js, which requires a.js back: b's requireModuleOrMock
	// call for a.js must observe a's pre-execution (empty) Exports rather
	// than recursing forever.
	var observedDuringCycle interface{}
	hasRun := false

	tr.register("/project/a.js", func(args ...interface{}) error {
		module := args[0].(*Module)
		require_ := args[2].(*LocalRequire)
		if !hasRun {
			hasRun = true
			val, err := require_.Call("./b.js")
			if err != nil {
				return err
			}
			module.Exports = val
		}
		return nil
	})
	tr.register("/project/b.js", func(args ...interface{}) error {
		require_ := args[2].(*LocalRequire)
		val, err := require_.Call("./a.js")
		if err != nil {
			return err
		}
		observedDuringCycle = val
		return nil
	})

	val, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)
	assert.Nil(t, observedDuringCycle, "cyclic require observes a's exports before assignment")
	assert.Nil(t, val)
}

func TestExecuteModule_AlreadyLoadedShortCircuitsReExecution(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)
	tr.register("/project/a.js", setExports("first"))

	_, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.callCount("/project/a.js"))

	val, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)
	assert.Equal(t, "first", val)
	assert.Equal(t, 1, tr.callCount("/project/a.js"), "second require must not re-transform or re-execute")
}

func TestExecuteModule_TeardownDisposedNoOps(t *testing.T) {
	rt, _, sb, tr := newTestRuntime(t, nil)
	tr.register("/project/a.js", setExports("hello"))
	require.NoError(t, sb.Teardown(nil))

	val, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)
	assert.Nil(t, val)
	assert.Equal(t, 1, rt.ExitCode())
}

func TestExecuteModule_ParentChildLinkage(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)
	tr.register("/project/parent.js", setExports("parent-exports"))
	_, err := rt.executeModule("/project/parent.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)

	parent, ok := rt.registries.ModuleRegistryFor(LayerMain).Lookup("/project/parent.js")
	require.True(t, ok)

	tr.register("/project/child.js", setExports("child-exports"))
	_, err = rt.executeModule("/project/child.js", "/project/parent.js", LayerMain, false, false)
	require.NoError(t, err)

	children := parent.Children()
	require.Len(t, children, 1)
	assert.Equal(t, "/project/child.js", children[0].Filename)
}

func TestExecuteModule_WrapperErrorPropagates(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, nil)
	boom := assertError("boom")
	tr.register("/project/a.js", func(args ...interface{}) error { return boom })

	_, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.Error(t, err)
	assert.Equal(t, boom, err)
}

func TestExecuteModule_ExtraGlobalsThreadedInOrder(t *testing.T) {
	rt, _, sb, tr := newTestRuntime(t, testConfigWithExtraGlobals())
	sb.global.Set("myGlobal", "extra-value")

	var seenExtra interface{}
	tr.register("/project/a.js", func(args ...interface{}) error {
		// module, exports, require, __dirname, __filename, global, handle, ...extras
		seenExtra = args[7]
		return nil
	})

	_, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)
	assert.Equal(t, "extra-value", seenExtra)
}

func TestExecuteModule_MissingExtraGlobalErrors(t *testing.T) {
	rt, _, _, tr := newTestRuntime(t, testConfigWithExtraGlobals())
	tr.register("/project/a.js", setExports(nil))

	_, err := rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestExecuteModule_EmitsExecutionEventsWithTimestampAndModuleID(t *testing.T) {
	cfg := &runtimeconfig.Config{SchemaVersion: "v1", RootDir: "/project"}
	res := newFakeResolver()
	sb := newFakeSandbox()
	tr := newFakeTransformer()
	bus := newCapturingBus()
	rt, err := New(cfg,
		v1.WithResolver(res),
		v1.WithSandbox(sb),
		v1.WithTransformer(tr),
		v1.WithLogger(logging.NewDefaultLogger("ERROR")),
		v1.WithEventBus(bus),
	)
	require.NoError(t, err)

	tr.register("/project/a.js", setExports("hello"))
	_, err = rt.executeModule("/project/a.js", "/project/entry.js", LayerMain, false, false)
	require.NoError(t, err)

	all := bus.all()
	var start, end *v1events.Event
	for i := range all {
		switch all[i].Type {
		case v1events.ModuleExecutionStart:
			start = &all[i]
		case v1events.ModuleExecutionEnd:
			end = &all[i]
		}
	}
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.False(t, start.Timestamp.IsZero(), "execution-start event must carry a real timestamp")
	assert.False(t, end.Timestamp.IsZero(), "execution-end event must carry a real timestamp")
	assert.Equal(t, "/project/a.js", start.ModuleID)
	assert.Equal(t, "/project/a.js", end.ModuleID)
	assert.False(t, end.Timestamp.Before(start.Timestamp))
}
