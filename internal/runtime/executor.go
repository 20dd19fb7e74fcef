package runtime

import (
	"path/filepath"
	"time"

	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
)

// globalGetter is the convention a sandbox.Environment's Global() value is
// expected to satisfy so the executor can pull extra globals and the
// coverage object out of it by name. The sandbox package keeps Global()
// opaque (interface{}); this is the narrow seam the runtime actually needs.
type globalGetter interface {
	Get(name string) (interface{}, bool)
}

// moduleWrapper is the callable form a compiled script's well-known wrapper
// property is expected to take: the synthetic-argument invocation target
// described by the executor's step 6.
type moduleWrapper func(args ...interface{}) error

// executeModule implements the Module Executor (C6) for a single module.
// from is the requiring module's path (used for the lazy parent reference
// and, when manual is true, for the ambient manual-mock marker); internal
// marks an internal-registry request; manual marks that absPath is itself a
// manual-mock file substituted in place of the real module.
func (rt *Runtime) executeModule(absPath, from string, layer RegistryLayer, internal, manual bool) (interface{}, error) {
	registry := rt.registries.ModuleRegistryFor(layer)

	// Cycle tolerance: a module already present in its registry (loaded or
	// still loading) returns its exports as they currently stand rather than
	// re-executing.
	if existing, ok := registry.Lookup(absPath); ok {
		return existing.Exports, nil
	}

	if rt.teardown.IsDisposed(rt.sandbox) {
		rt.teardown.Reject("requireModule", absPath)
		return nil, nil
	}

	restoreAmbient := rt.saveAmbient(absPath, manual)
	defer restoreAmbient()

	module := &Module{
		Filename:       absPath,
		ParentPath:     from,
		parentResolver: rt.registries.ResolveModule,
		Paths:          rt.resolver.GetModulePaths(filepath.Dir(absPath)),
	}
	module.Require = newLocalRequire(rt, absPath, internal)

	// Inserted before the body executes: a cyclic require reads these
	// partial, pre-execution fields rather than recursing.
	registry.Insert(module)

	if parent, ok := rt.registries.ResolveModule(from); ok {
		parent.AddChild(module)
	}

	rt.emit(events.ModuleExecutionStart, absPath)

	result, err := rt.transformCache.Transform(absPath, nil)
	if err != nil {
		return nil, err
	}
	if result.SourceMapPath != "" {
		rt.sourceMaps.Register(absPath, result.SourceMapPath, result.ShouldMapCoverage)
	}

	execResult := rt.sandbox.RunScript(result.Script)
	if execResult == nil {
		rt.teardown.Reject("requireModule", absPath)
		return module.Exports, nil
	}

	wrapperVal, ok := execResult.Get(result.Script.WrapperPropertyName())
	if !ok {
		return nil, isovmerrors.NewConfigError("compiled script missing wrapper property '"+result.Script.WrapperPropertyName()+"'", nil)
	}
	wrapperFn, ok := wrapperVal.(moduleWrapper)
	if !ok {
		return nil, isovmerrors.NewConfigError("compiled script wrapper has an unexpected type", nil)
	}

	extraVals, err := rt.resolveExtraGlobals()
	if err != nil {
		return nil, err
	}

	handle := rt.newFrameworkHandle(module)

	args := make([]interface{}, 0, 7+len(extraVals))
	args = append(args, module, module.Exports, module.Require, filepath.Dir(absPath), absPath, rt.sandbox.Global(), handle)
	args = append(args, extraVals...)

	if err := wrapperFn(args...); err != nil {
		// Executor errors propagate to the caller unchanged; the stack is
		// pre-materialized by the caller's error type before any cleanup
		// that could invalidate source maps.
		return nil, err
	}

	module.Loaded = true
	rt.emit(events.ModuleExecutionEnd, absPath)

	return module.Exports, nil
}

// resolveExtraGlobals pulls every configured extra global off the sandbox's
// global object by name, in configuration order.
func (rt *Runtime) resolveExtraGlobals() ([]interface{}, error) {
	if len(rt.cfg.ExtraGlobals) == 0 {
		return nil, nil
	}

	getter, ok := rt.sandbox.Global().(globalGetter)
	vals := make([]interface{}, 0, len(rt.cfg.ExtraGlobals))
	for _, name := range rt.cfg.ExtraGlobals {
		if !ok {
			return nil, isovmerrors.NewMissingExtraGlobalError(name)
		}
		val, present := getter.Get(name)
		if !present {
			return nil, isovmerrors.NewMissingExtraGlobalError(name)
		}
		vals = append(vals, val)
	}
	return vals, nil
}

func (rt *Runtime) emit(eventType events.EventType, path string) {
	if rt.bus == nil {
		return
	}
	rt.bus.Emit(events.Event{Type: eventType, Timestamp: time.Now(), ModulePath: path, ModuleID: path})
}
