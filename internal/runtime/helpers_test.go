package runtime

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/isovm-labs/isovm/internal/events"
	"github.com/isovm-labs/isovm/internal/logging"
	"github.com/isovm-labs/isovm/internal/runtimeconfig"
	v1 "github.com/isovm-labs/isovm/pkg/isovm/v1"
	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	v1events "github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/resolver"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/transform"

	"github.com/stretchr/testify/require"
)

// fakeResolver is an in-memory resolver.Resolver test double: requests are
// resolved by joining from's directory with request and cleaning the
// result, exactly like a relative file resolver, with no real file-system
// access. Core modules and mocks are registered explicitly by the test.
type fakeResolver struct {
	mu        sync.Mutex
	core      map[string]bool
	mocks     map[string]string // key: from+"\x00"+request -> mock path
	existsDir map[string]map[string]string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		core:      make(map[string]bool),
		mocks:     make(map[string]string),
		existsDir: make(map[string]map[string]string),
	}
}

func (r *fakeResolver) ResolveModule(from, request string) (string, error) {
	if r.core[request] {
		return request, nil
	}
	dir := filepath.Dir(from)
	resolved := filepath.Clean(filepath.Join(dir, request))
	return resolved, nil
}

func (r *fakeResolver) IsCoreModule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.core[name]
}

func (r *fakeResolver) markCore(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core[name] = true
}

func (r *fakeResolver) GetModule(name string) (string, bool) {
	return name, true
}

func (r *fakeResolver) registerMock(from, request, mockPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mocks[from+"\x00"+request] = mockPath
}

func (r *fakeResolver) GetMockModule(from, name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.mocks[from+"\x00"+name]
	return p, ok
}

func (r *fakeResolver) GetModuleID(virtualMocks map[string]bool, from, name string) string {
	if virtualMocks[name] {
		return name
	}
	resolved, _ := r.ResolveModule(from, name)
	return resolved
}

func (r *fakeResolver) GetModulePath(from, name string) (string, error) {
	return r.ResolveModule(from, name)
}

func (r *fakeResolver) GetModulePaths(dir string) []string {
	return []string{filepath.Join(dir, "node_modules")}
}

func (r *fakeResolver) ResolveStubModuleName(from, name string) (string, bool) {
	return "", false
}

func (r *fakeResolver) registerExists(dir, name, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.existsDir[dir] == nil {
		r.existsDir[dir] = make(map[string]string)
	}
	r.existsDir[dir][name] = result
}

func (r *fakeResolver) ResolveModuleFromDirIfExists(dir, name string, opts resolver.ResolveOptions) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.existsDir[dir]
	if !ok {
		return "", false
	}
	p, ok := byName[name]
	return p, ok
}

var _ resolver.Resolver = (*fakeResolver)(nil)

// fakeGlobal is a minimal writable globalGetter/globalSetter double standing
// in for a sandbox's opaque global object.
type fakeGlobal struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func newFakeGlobal() *fakeGlobal {
	return &fakeGlobal{values: make(map[string]interface{})}
}

func (g *fakeGlobal) Get(name string) (interface{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.values[name]
	return v, ok
}

func (g *fakeGlobal) Set(name string, value interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[name] = value
}

var (
	_ globalGetter = (*fakeGlobal)(nil)
	_ globalSetter = (*fakeGlobal)(nil)
)

// fakeCompiledScript is the CompiledScript test double: the wrapper
// property name is fixed and the wrapper function itself is supplied by
// the test.
type fakeCompiledScript struct {
	wrapper moduleWrapper
}

func (s *fakeCompiledScript) WrapperPropertyName() string { return "__wrapper__" }

// fakeExecResult is the ExecutionResult test double.
type fakeExecResult struct {
	script *fakeCompiledScript
}

func (e *fakeExecResult) Get(name string) (interface{}, bool) {
	if name == e.script.WrapperPropertyName() {
		return moduleWrapper(e.script.wrapper), true
	}
	return nil, false
}

// fakeModuleMocker is the sandbox.ModuleMocker test double: records bulk
// lifecycle calls so tests can assert on them, and reports every value's
// metadata as non-empty unless emptyMeta is set.
type fakeModuleMocker struct {
	mu              sync.Mutex
	clearAllCalls   int
	resetAllCalls   int
	restoreAllCalls int
	emptyMeta       bool
}

func (m *fakeModuleMocker) Fn() sandbox.MockFunction { return func() {} }

func (m *fakeModuleMocker) SpyOn(object interface{}, methodName string) (sandbox.MockFunction, error) {
	return func() {}, nil
}

type fakeMockMetadata struct{ empty bool }

func (m fakeMockMetadata) IsEmpty() bool { return m.empty }

func (m *fakeModuleMocker) GetMetadata(value interface{}) (sandbox.MockMetadata, error) {
	return fakeMockMetadata{empty: m.emptyMeta}, nil
}

func (m *fakeModuleMocker) GenerateFromMetadata(meta sandbox.MockMetadata) (interface{}, error) {
	return "generated-mock", nil
}

func (m *fakeModuleMocker) IsMockFunction(value interface{}) bool { return false }

func (m *fakeModuleMocker) ClearAllMocks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearAllCalls++
}

func (m *fakeModuleMocker) ResetAllMocks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetAllCalls++
}

func (m *fakeModuleMocker) RestoreAllMocks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreAllCalls++
}

var _ sandbox.ModuleMocker = (*fakeModuleMocker)(nil)

// fakeFakeTimers is the sandbox.FakeTimers test double.
type fakeFakeTimers struct {
	mu        sync.Mutex
	installed bool
	advanced  int64
	runAll    int
	cleared   int
}

func (t *fakeFakeTimers) Install()   { t.mu.Lock(); defer t.mu.Unlock(); t.installed = true }
func (t *fakeFakeTimers) Uninstall() { t.mu.Lock(); defer t.mu.Unlock(); t.installed = false }
func (t *fakeFakeTimers) AdvanceTimersByTime(ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advanced += ms
}
func (t *fakeFakeTimers) RunAllTimers()         { t.mu.Lock(); defer t.mu.Unlock(); t.runAll++ }
func (t *fakeFakeTimers) RunAllTicks()          { t.mu.Lock(); defer t.mu.Unlock(); t.runAll++ }
func (t *fakeFakeTimers) RunAllImmediates()     { t.mu.Lock(); defer t.mu.Unlock(); t.runAll++ }
func (t *fakeFakeTimers) RunOnlyPendingTimers() { t.mu.Lock(); defer t.mu.Unlock(); t.runAll++ }
func (t *fakeFakeTimers) ClearAllTimers()       { t.mu.Lock(); defer t.mu.Unlock(); t.cleared++ }
func (t *fakeFakeTimers) GetTimerCount() int    { t.mu.Lock(); defer t.mu.Unlock(); return 0 }

var _ sandbox.FakeTimers = (*fakeFakeTimers)(nil)

// fakeSandbox is the sandbox.Environment test double. Every module path
// registered via fakeTransformer.register runs the given wrapper when executed;
// disposed flips Global()/RunScript to the torn-down contract.
type fakeSandbox struct {
	mu       sync.Mutex
	global   *fakeGlobal
	mocker   *fakeModuleMocker
	timers   sandbox.FakeTimers
	disposed bool
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		global: newFakeGlobal(),
		mocker: &fakeModuleMocker{},
	}
}

func (s *fakeSandbox) Global() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	return s.global
}

func (s *fakeSandbox) RunScript(script sandbox.CompiledScript) sandbox.ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	fcs, ok := script.(*fakeCompiledScript)
	if !ok {
		return nil
	}
	return &fakeExecResult{script: fcs}
}

func (s *fakeSandbox) ModuleMocker() sandbox.ModuleMocker { return s.mocker }

func (s *fakeSandbox) FakeTimers() sandbox.FakeTimers { return s.timers }

func (s *fakeSandbox) Setup(ctx context.Context) error { return nil }

func (s *fakeSandbox) Teardown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	return nil
}

var _ sandbox.Environment = (*fakeSandbox)(nil)

// fakeTransformer is the transform.Transformer test double: every path
// compiles to a module whose wrapper invokes the registered function for
// that path, or a no-op wrapper if none was registered.
type fakeTransformer struct {
	mu       sync.Mutex
	wrappers map[string]moduleWrapper
	calls    map[string]int
}

func newFakeTransformer() *fakeTransformer {
	return &fakeTransformer{
		wrappers: make(map[string]moduleWrapper),
		calls:    make(map[string]int),
	}
}

func (tr *fakeTransformer) register(path string, wrapper moduleWrapper) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.wrappers[path] = wrapper
}

func (tr *fakeTransformer) callCount(path string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.calls[path]
}

func (tr *fakeTransformer) Transform(path string, options transform.Options, cachedSource []byte) (transform.Result, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls[path]++
	w, ok := tr.wrappers[path]
	if !ok {
		w = func(args ...interface{}) error { return nil }
	}
	return transform.Result{Script: &fakeCompiledScript{wrapper: w}}, nil
}

var _ transform.Transformer = (*fakeTransformer)(nil)

// setExports is a convenience wrapper assignable as a module body: it sets
// module.Exports to value and returns nil.
func setExports(value interface{}) moduleWrapper {
	return func(args ...interface{}) error {
		module, ok := args[0].(*Module)
		if !ok {
			return nil
		}
		module.Exports = value
		return nil
	}
}

// capturingBus is an events.Bus test double that records every emitted
// event for inspection, in addition to what NoOpEventBus does.
type capturingBus struct {
	mu     sync.Mutex
	events []v1events.Event
}

func newCapturingBus() *capturingBus {
	return &capturingBus{}
}

func (b *capturingBus) Emit(event v1events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *capturingBus) all() []v1events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]v1events.Event, len(b.events))
	copy(out, b.events)
	return out
}

var _ v1events.Bus = (*capturingBus)(nil)

// newTestRuntime builds a Runtime wired to fresh fake collaborators, ready
// to requireModule immediately. A nil cfg defaults to a minimal config
// rooted at "/project".
func newTestRuntime(t *testing.T, cfg *runtimeconfig.Config) (*Runtime, *fakeResolver, *fakeSandbox, *fakeTransformer) {
	t.Helper()

	if cfg == nil {
		cfg = &runtimeconfig.Config{SchemaVersion: "v1", RootDir: "/project"}
	}

	res := newFakeResolver()
	sb := newFakeSandbox()
	tr := newFakeTransformer()

	rt, err := New(cfg,
		v1.WithResolver(res),
		v1.WithSandbox(sb),
		v1.WithTransformer(tr),
		v1.WithLogger(logging.NewDefaultLogger("ERROR")),
		v1.WithEventBus(events.NewNoOpEventBus()),
	)
	require.NoError(t, err)
	return rt, res, sb, tr
}

func isNotFound(err error) bool {
	return isovmerrors.IsModuleNotFound(err)
}

// plainConfig builds a minimal valid Config for tests that don't need any
// of the optional fields a default newTestRuntime(t, nil) call omits.
func plainConfig() *runtimeconfig.Config {
	return &runtimeconfig.Config{SchemaVersion: "v1", RootDir: "/project"}
}
