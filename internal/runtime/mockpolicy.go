package runtime

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/isovm-labs/isovm/internal/pathutil"
	"github.com/isovm-labs/isovm/internal/util"
	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/resolver"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"
)

// shouldMock implements the C5 decision procedure: nine rules, applied in
// order, first match wins.
func (rt *Runtime) shouldMock(fromPath, request string) bool {
	virtualMocks := rt.policy.VirtualMocks.Snapshot()
	id := rt.resolver.GetModuleID(virtualMocks, fromPath, request)

	decide := func(mocked bool, rule string) bool {
		rt.emitMockResolved(rule, mocked)
		return mocked
	}

	// Rule 1: virtual mock.
	if rt.policy.VirtualMocks.Has(id) {
		return decide(true, "virtual-mock")
	}

	// Rule 2: explicit override.
	if v, ok := rt.policy.ExplicitShouldMock.Get(id); ok {
		return decide(v, "explicit-override")
	}

	// Rule 3: core module.
	if rt.resolver.IsCoreModule(request) {
		return decide(false, "core-module")
	}

	// Rule 4: transitive unmock cache.
	if marked, ok := rt.policy.TransitiveShouldMock.Get(id); ok && !marked {
		return decide(false, "transitive-unmock-cache")
	}

	// Rule 5: auto-mock disabled.
	if !rt.policy.AutomockEnabled() {
		return decide(false, "automock-disabled")
	}

	// Rule 6: memoized.
	if v, ok := rt.policy.ShouldMockCache.Get(id); ok {
		return decide(v, "memoized")
	}

	resolvedPath, resolveErr := rt.resolver.GetModulePath(fromPath, request)

	// Rule 7: vendored-unmock. Prevents the auto-mocker from swallowing a
	// whole dependency subtree when the user only unmocked one package.
	if resolveErr == nil && isUnderNodeModules(fromPath) && isUnderNodeModules(resolvedPath) {
		ownID := rt.resolver.GetModuleID(virtualMocks, fromPath, "")
		explicitlyUnmocked := false
		if v, ok := rt.policy.ExplicitShouldMock.Get(ownID); ok && !v {
			explicitlyUnmocked = true
		}
		if rt.unmockRegexMatches(fromPath) || explicitlyUnmocked {
			rt.policy.TransitiveShouldMock.Set(id, false)
			return decide(false, "vendored-unmock")
		}
	}

	// Rule 8: unmock list.
	if resolveErr == nil && rt.unmockRegexMatches(resolvedPath) {
		rt.policy.ShouldMockCache.Set(id, false)
		return decide(false, "unmock-list")
	}

	// Rule 9: default.
	rt.policy.ShouldMockCache.Set(id, true)
	return decide(true, "default")
}

func (rt *Runtime) emitMockResolved(rule string, mocked bool) {
	if rt.bus == nil {
		return
	}
	rt.bus.Emit(events.Event{
		Type:      events.MockResolved,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"rule": rule, "mocked": mocked},
	})
}

func isUnderNodeModules(path string) bool {
	return strings.Contains(filepath.ToSlash(path), "/node_modules/")
}

// RequireModuleOrMock consults shouldMock and delegates to RequireMock or
// RequireModule accordingly, enriching a resolution failure with sibling
// suggestions before rethrowing.
func (rt *Runtime) RequireModuleOrMock(from, request string) (interface{}, error) {
	if rt.shouldMock(from, request) {
		return rt.RequireMock(from, request)
	}
	val, err := rt.requireModuleImpl(from, request, false)
	return val, rt.enrichIfModuleNotFound(err, from)
}

// RequireModule resolves request from from, bypassing the mock policy
// engine entirely.
func (rt *Runtime) RequireModule(from, request string) (interface{}, error) {
	val, err := rt.requireModuleImpl(from, request, false)
	return val, rt.enrichIfModuleNotFound(err, from)
}

// RequireInternalModule is RequireModule targeting the internal registry.
func (rt *Runtime) RequireInternalModule(from, request string) (interface{}, error) {
	return rt.requireModuleImpl(from, request, true)
}

// RequireActual forces the real-module path regardless of mock policy,
// skipping both shouldMock and the manual-mock special path.
func (rt *Runtime) RequireActual(from, request string) (interface{}, error) {
	if rt.resolver.IsCoreModule(request) {
		return rt.resolveCoreModule(request)
	}
	absPath, err := rt.resolver.ResolveModule(from, request)
	if err != nil {
		return nil, rt.enrichModuleNotFoundFromErr(err, from, request)
	}
	layer := rt.registries.SelectLayer(false, absPath)
	return rt.executeModule(absPath, from, layer, false, false)
}

// requireModuleImpl implements "Resolution without mocking": requireModule
// and requireInternalModule share this body, differing only in the internal
// flag.
func (rt *Runtime) requireModuleImpl(from, request string, internal bool) (interface{}, error) {
	if rt.resolver.IsCoreModule(request) {
		return rt.resolveCoreModule(request)
	}

	if !internal {
		// Manual-mock special path: distinct from the general mock-policy
		// engine. Substitutes the manual mock file when the target has one,
		// the caller isn't already inside that manual mock, and the user
		// hasn't explicitly unmocked it.
		if mockPath, hasManual := rt.resolver.GetMockModule(from, request); hasManual {
			virtualMocks := rt.policy.VirtualMocks.Snapshot()
			id := rt.resolver.GetModuleID(virtualMocks, from, request)
			userUnmocked := false
			if v, ok := rt.policy.ExplicitShouldMock.Get(id); ok && !v {
				userUnmocked = true
			}
			_, insideManual := rt.currentAmbient()
			if !insideManual && !userUnmocked {
				layer := rt.registries.SelectLayer(false, mockPath)
				return rt.executeModule(mockPath, from, layer, false, true)
			}
		}
	}

	absPath, err := rt.resolver.ResolveModule(from, request)
	if err != nil {
		return nil, err
	}

	layer := rt.registries.SelectLayer(internal, absPath)
	return rt.executeModule(absPath, from, layer, internal, false)
}

// resolveCoreModule delegates a host built-in to the sandbox's own global
// object by name, matching the way extra globals are pulled: the runtime
// never transforms or mocks a built-in, it simply hands back whatever the
// sandbox already exposes for it. "process" gets its exit function wrapped
// once so a call from user code is logged before the real exit proceeds.
func (rt *Runtime) resolveCoreModule(request string) (interface{}, error) {
	getter, ok := rt.sandbox.Global().(globalGetter)
	if !ok {
		return nil, nil
	}
	val, ok := getter.Get(request)
	if !ok {
		return nil, nil
	}
	if request == "process" {
		rt.wrapProcessExit(val)
	}
	return val, nil
}

// processExitFunc is the shape a sandbox's process.exit is expected to
// take: the same synthetic, variadic-argument convention used elsewhere at
// the sandbox boundary.
type processExitFunc func(args ...interface{})

// wrapProcessExit replaces process.exit, in place, with a version that logs
// the call (arguments and the current stack) before invoking the original,
// so the real exit still proceeds. It is idempotent per Runtime: a second
// call is a no-op once the wrapper is installed.
func (rt *Runtime) wrapProcessExit(process interface{}) {
	if rt.processExitWrapped {
		return
	}
	obj, ok := process.(interface {
		globalGetter
		globalSetter
	})
	if !ok {
		return
	}
	raw, ok := obj.Get("exit")
	if !ok {
		return
	}
	real, ok := raw.(processExitFunc)
	if !ok {
		if fn, ok2 := raw.(func(args ...interface{})); ok2 {
			real = fn
		} else {
			return
		}
	}
	obj.Set("exit", processExitFunc(func(args ...interface{}) {
		rt.log.Errorf("process.exit called from user code: args=%v\n%s", args, CapturedStack())
		real(args...)
	}))
	rt.processExitWrapped = true
}

// RequireMock implements "Resolution inside mocking".
func (rt *Runtime) RequireMock(from, request string) (interface{}, error) {
	virtualMocks := rt.policy.VirtualMocks.Snapshot()
	id := rt.resolver.GetModuleID(virtualMocks, from, request)

	mockRegistry := rt.registries.MockRegistryFor(LayerMain)
	if entry, ok := mockRegistry.Lookup(id); ok {
		return entry.Value, nil
	}

	if factory, ok := rt.policy.MockFactories.Get(id); ok {
		val, err := factory()
		if err != nil {
			return nil, err
		}
		mockRegistry.Insert(id, &MockEntry{Value: val})
		return val, nil
	}

	targetPath, manual, err := rt.locateMockTarget(from, request)
	if err != nil {
		return nil, rt.enrichModuleNotFoundFromErr(err, from, request)
	}

	if manual {
		layer := rt.registries.SelectLayer(false, targetPath)
		val, err := rt.executeModule(targetPath, from, layer, false, true)
		if err != nil {
			return nil, err
		}
		mod, _ := rt.registries.ModuleRegistryFor(layer).Lookup(targetPath)
		mockRegistry.Insert(id, &MockEntry{Value: val, Module: mod})
		return val, nil
	}

	meta, ok := rt.policy.MockMetaDataCache.Get(targetPath)
	if !ok {
		acquired, err := rt.acquireMockMetadata(targetPath, from)
		if err != nil {
			return nil, err
		}
		meta = acquired
		rt.policy.MockMetaDataCache.Set(targetPath, meta)
	}
	if meta.IsEmpty() {
		return nil, isovmerrors.NewAutoMockSynthesisError(targetPath)
	}
	generated, err := rt.sandbox.ModuleMocker().GenerateFromMetadata(meta)
	if err != nil {
		return nil, err
	}
	mockRegistry.Insert(id, &MockEntry{Value: generated})
	return generated, nil
}

// locateMockTarget finds either a manual-mock file or the real file for
// request, applying the sibling __mocks__ heuristic even for an otherwise
// unadorned real resolution.
func (rt *Runtime) locateMockTarget(from, request string) (path string, manual bool, err error) {
	if mockPath, ok := rt.resolver.GetMockModule(from, request); ok {
		return mockPath, true, nil
	}

	resolved, err := rt.resolver.ResolveModule(from, request)
	if err != nil {
		return "", false, err
	}

	dir := filepath.Dir(resolved)
	mocksDir := filepath.Join(dir, "__mocks__")
	if siblingMock, ok := rt.resolver.ResolveModuleFromDirIfExists(mocksDir, filepath.Base(resolved), resolver.ResolveOptions{}); ok {
		return siblingMock, true, nil
	}

	return resolved, false, nil
}

// acquireMockMetadata runs the real module in temporarily isolated
// registries (allocating a scope if one isn't already active) so that
// side-effects from its top-level code never leak into the running test's
// registry, then extracts its structural metadata.
func (rt *Runtime) acquireMockMetadata(targetPath, from string) (sandbox.MockMetadata, error) {
	ownsScope := !rt.registries.IsolationActive()
	if ownsScope {
		if err := rt.registries.EnterIsolation(); err != nil {
			return nil, err
		}
		defer rt.registries.ExitIsolation()
	}

	layer := rt.registries.SelectLayer(false, targetPath)
	val, err := rt.executeModule(targetPath, from, layer, false, false)
	if err != nil {
		return nil, err
	}
	return rt.sandbox.ModuleMocker().GetMetadata(val)
}

// IsolateModules runs fn with fresh isolated module and mock registries in
// effect, then discards them. Nesting is forbidden.
func (rt *Runtime) IsolateModules(fn func() error) error {
	if err := rt.registries.EnterIsolation(); err != nil {
		return err
	}
	defer rt.registries.ExitIsolation()
	return fn()
}

// ResetModules drops any isolated registries, replaces the main module and
// mock registries with empty ones, best-effort clears mock-function state on
// the sandbox global, and resets fake timers if installed. Mock policy
// tables survive, per the reset invariant.
func (rt *Runtime) ResetModules() error {
	rt.registries.ResetMain()
	if rt.sandbox != nil {
		rt.sandbox.ModuleMocker().ResetAllMocks()
		if timers := rt.sandbox.FakeTimers(); timers != nil {
			timers.ClearAllTimers()
		}
	}
	return nil
}

// SetMock registers value as the mock for request relative to from,
// equivalent to mock(name, () => value) on the framework handle.
func (rt *Runtime) SetMock(from, request string, value interface{}) error {
	virtualMocks := rt.policy.VirtualMocks.Snapshot()
	id := rt.resolver.GetModuleID(virtualMocks, from, request)
	rt.policy.MockFactories.Set(id, func() (interface{}, error) { return value, nil })
	rt.policy.ExplicitShouldMock.Set(id, true)
	mockRegistry := rt.registries.MockRegistryFor(LayerMain)
	mockRegistry.Insert(id, &MockEntry{Value: value})
	return nil
}

func (rt *Runtime) RestoreAllMocks() {
	if rt.sandbox != nil {
		rt.sandbox.ModuleMocker().RestoreAllMocks()
	}
}

func (rt *Runtime) ResetAllMocks() {
	if rt.sandbox != nil {
		rt.sandbox.ModuleMocker().ResetAllMocks()
	}
}

func (rt *Runtime) ClearAllMocks() {
	if rt.sandbox != nil {
		rt.sandbox.ModuleMocker().ClearAllMocks()
	}
}

// GetAllCoverageInfoCopy returns a cycle-tolerant deep copy of the coverage
// object maintained on the sandbox global.
func (rt *Runtime) GetAllCoverageInfoCopy() interface{} {
	if rt.sandbox == nil {
		return nil
	}
	getter, ok := rt.sandbox.Global().(globalGetter)
	if !ok {
		return nil
	}
	coverage, ok := getter.Get("__coverage__")
	if !ok {
		return nil
	}
	return util.DeepCopy(coverage)
}

// enrichIfModuleNotFound attaches sibling-extension suggestions to err when
// it is (or wraps) a ModuleNotFoundError, leaving any other error untouched.
func (rt *Runtime) enrichIfModuleNotFound(err error, from string) error {
	var mnf *isovmerrors.ModuleNotFoundError
	if !errors.As(err, &mnf) {
		return err
	}
	suggestions := pathutil.SiblingSuggestions(filepath.Dir(from), mnf.Request, rt.cfg.Extensions)
	return isovmerrors.NewModuleNotFoundError(mnf.Request, mnf.From, suggestions)
}

// enrichModuleNotFoundFromErr is enrichIfModuleNotFound with request as a
// fallback when err predates carrying Request/From itself.
func (rt *Runtime) enrichModuleNotFoundFromErr(err error, from, request string) error {
	var mnf *isovmerrors.ModuleNotFoundError
	if errors.As(err, &mnf) {
		return rt.enrichIfModuleNotFound(err, from)
	}
	if err == nil {
		return nil
	}
	suggestions := pathutil.SiblingSuggestions(filepath.Dir(from), request, rt.cfg.Extensions)
	if len(suggestions) == 0 {
		return err
	}
	return isovmerrors.NewModuleNotFoundError(request, from, suggestions)
}
