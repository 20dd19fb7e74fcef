package runtime

import "github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"

// FrameworkHandle is the per-module object (C8) through which test code
// manipulates runtime state: mock policy, the registries, mock-function
// lifecycle, fake timers, and framework-recognized per-test settings. It is
// a builder: operations that have no natural return value return the
// handle itself so calls can be chained.
type FrameworkHandle struct {
	rt   *Runtime
	from string
}

// newFrameworkHandle builds the handle bound to module's own path, so every
// operation's mock-id computation is relative to the module that required
// it, matching the synthetic-argument contract in the executor.
func (rt *Runtime) newFrameworkHandle(module *Module) *FrameworkHandle {
	return &FrameworkHandle{rt: rt, from: module.Filename}
}

func (h *FrameworkHandle) moduleID(name string) string {
	virtualMocks := h.rt.policy.VirtualMocks.Snapshot()
	return h.rt.resolver.GetModuleID(virtualMocks, h.from, name)
}

// DisableAutomock / EnableAutomock toggle the global auto-mock flag.
func (h *FrameworkHandle) DisableAutomock() *FrameworkHandle {
	h.rt.policy.SetAutomockEnabled(false)
	return h
}

func (h *FrameworkHandle) EnableAutomock() *FrameworkHandle {
	h.rt.policy.SetAutomockEnabled(true)
	return h
}

// MockOptions carries mock()'s optional virtual flag.
type MockOptions struct {
	Virtual bool
}

// Mock registers an explicit mock decision for name. A non-nil factory is
// stored for later invocation by requireMock; virtual registers the
// computed id as a virtual-mock key with no file-system backing.
func (h *FrameworkHandle) Mock(name string, factory func() (interface{}, error), opts MockOptions) *FrameworkHandle {
	id := h.moduleID(name)
	if factory != nil {
		h.rt.policy.MockFactories.Set(id, factory)
	}
	h.rt.policy.ExplicitShouldMock.Set(id, true)
	if opts.Virtual {
		h.rt.policy.VirtualMocks.Set(id, true)
	}
	h.rt.policy.ClearMemoization()
	return h
}

// DoMock is a synonym for Mock intended for callers bypassing the
// transform's hoisting of mock() calls.
func (h *FrameworkHandle) DoMock(name string, factory func() (interface{}, error), opts MockOptions) *FrameworkHandle {
	return h.Mock(name, factory, opts)
}

// Unmock / DontMock mark name as explicitly real.
func (h *FrameworkHandle) Unmock(name string) *FrameworkHandle {
	id := h.moduleID(name)
	h.rt.policy.ExplicitShouldMock.Set(id, false)
	h.rt.policy.ClearMemoization()
	return h
}

func (h *FrameworkHandle) DontMock(name string) *FrameworkHandle {
	return h.Unmock(name)
}

// DeepUnmock marks name explicitly real and prevents its own dependencies
// from being substituted by automocking.
func (h *FrameworkHandle) DeepUnmock(name string) *FrameworkHandle {
	id := h.moduleID(name)
	h.rt.policy.ExplicitShouldMock.Set(id, false)
	h.rt.policy.TransitiveShouldMock.Set(id, false)
	h.rt.policy.ClearMemoization()
	return h
}

// SetMock is equivalent to Mock(name, () => value).
func (h *FrameworkHandle) SetMock(name string, value interface{}) *FrameworkHandle {
	return h.Mock(name, func() (interface{}, error) { return value, nil }, MockOptions{})
}

// ResetModules / ResetModuleRegistry trigger the C5 full reset.
func (h *FrameworkHandle) ResetModules() error { return h.rt.ResetModules() }

func (h *FrameworkHandle) ResetModuleRegistry() error { return h.rt.ResetModules() }

// IsolateModules runs the C5 isolation scope.
func (h *FrameworkHandle) IsolateModules(fn func() error) error { return h.rt.IsolateModules(fn) }

// GenMockFromModule returns the auto-mock synthesis output for name without
// caching the result as policy or mock-registry state.
func (h *FrameworkHandle) GenMockFromModule(name string) (interface{}, error) {
	absPath, err := h.rt.resolver.ResolveModule(h.from, name)
	if err != nil {
		return nil, h.rt.enrichModuleNotFoundFromErr(err, h.from, name)
	}
	meta, err := h.rt.acquireMockMetadata(absPath, h.from)
	if err != nil {
		return nil, err
	}
	return h.rt.sandbox.ModuleMocker().GenerateFromMetadata(meta)
}

// Fn, SpyOn, IsMockFunction pass through to the sandbox's mock-function
// subsystem.
func (h *FrameworkHandle) Fn() interface{} { return h.rt.sandbox.ModuleMocker().Fn() }

func (h *FrameworkHandle) SpyOn(object interface{}, methodName string) (interface{}, error) {
	return h.rt.sandbox.ModuleMocker().SpyOn(object, methodName)
}

func (h *FrameworkHandle) IsMockFunction(value interface{}) bool {
	return h.rt.sandbox.ModuleMocker().IsMockFunction(value)
}

// ClearAllMocks / ResetAllMocks / RestoreAllMocks pass through to the
// sandbox's mock-function subsystem.
func (h *FrameworkHandle) ClearAllMocks() *FrameworkHandle {
	h.rt.ClearAllMocks()
	return h
}

func (h *FrameworkHandle) ResetAllMocks() *FrameworkHandle {
	h.rt.ResetAllMocks()
	return h
}

func (h *FrameworkHandle) RestoreAllMocks() *FrameworkHandle {
	h.rt.RestoreAllMocks()
	return h
}

// UseFakeTimers / UseRealTimers pass through to the sandbox's timer
// subsystem.
func (h *FrameworkHandle) UseFakeTimers() *FrameworkHandle {
	if timers := h.rt.sandbox.FakeTimers(); timers != nil {
		timers.Install()
	}
	return h
}

func (h *FrameworkHandle) UseRealTimers() *FrameworkHandle {
	if timers := h.rt.sandbox.FakeTimers(); timers != nil {
		timers.Uninstall()
	}
	return h
}

// requireTimers re-checks sandbox disposal before touching fake-timer state,
// per the teardown guard's extension to framework-handle timer calls.
// Returns nil both when the sandbox has been torn down and when fake timers
// were never installed, so every caller needs only one nil check.
func (h *FrameworkHandle) requireTimers(operation string) sandbox.FakeTimers {
	if h.rt.teardown.IsDisposed(h.rt.sandbox) {
		h.rt.teardown.Reject(operation, h.from)
		return nil
	}
	return h.rt.sandbox.FakeTimers()
}

func (h *FrameworkHandle) AdvanceTimersByTime(ms int64) *FrameworkHandle {
	if t := h.requireTimers("advanceTimersByTime"); t != nil {
		t.AdvanceTimersByTime(ms)
	}
	return h
}

func (h *FrameworkHandle) RunAllTimers() *FrameworkHandle {
	if t := h.requireTimers("runAllTimers"); t != nil {
		t.RunAllTimers()
	}
	return h
}

func (h *FrameworkHandle) RunAllTicks() *FrameworkHandle {
	if t := h.requireTimers("runAllTicks"); t != nil {
		t.RunAllTicks()
	}
	return h
}

func (h *FrameworkHandle) RunAllImmediates() *FrameworkHandle {
	if t := h.requireTimers("runAllImmediates"); t != nil {
		t.RunAllImmediates()
	}
	return h
}

func (h *FrameworkHandle) RunOnlyPendingTimers() *FrameworkHandle {
	if t := h.requireTimers("runOnlyPendingTimers"); t != nil {
		t.RunOnlyPendingTimers()
	}
	return h
}

func (h *FrameworkHandle) ClearAllTimers() *FrameworkHandle {
	if t := h.requireTimers("clearAllTimers"); t != nil {
		t.ClearAllTimers()
	}
	return h
}

func (h *FrameworkHandle) GetTimerCount() int {
	if t := h.requireTimers("getTimerCount"); t != nil {
		return t.GetTimerCount()
	}
	return 0
}

// SetTimeout writes the framework's recognized per-test timeout onto the
// sandbox global.
func (h *FrameworkHandle) SetTimeout(ms int64) *FrameworkHandle {
	h.writeGlobal("__isovm_testTimeoutMs__", ms)
	return h
}

// RetryTimes writes the recognized retry count onto the sandbox global.
func (h *FrameworkHandle) RetryTimes(n int) *FrameworkHandle {
	h.writeGlobal("__isovm_retryTimes__", n)
	return h
}

// RequireActual / RequireMock are bound variants of the local require.
func (h *FrameworkHandle) RequireActual(request string) (interface{}, error) {
	return h.rt.RequireActual(h.from, request)
}

func (h *FrameworkHandle) RequireMock(request string) (interface{}, error) {
	return h.rt.RequireMock(h.from, request)
}

// AddMatchers delegates obj to the framework global.
func (h *FrameworkHandle) AddMatchers(obj interface{}) *FrameworkHandle {
	h.writeGlobal("__isovm_matchers__", obj)
	return h
}

// writeGlobal is the optional write-capability seam for a sandbox global
// that supports mutation; a global that doesn't implement it silently
// ignores the write, matching the best-effort nature of these calls.
func (h *FrameworkHandle) writeGlobal(name string, value interface{}) {
	if setter, ok := h.rt.sandbox.Global().(globalSetter); ok {
		setter.Set(name, value)
	}
}

type globalSetter interface {
	Set(name string, value interface{})
}
