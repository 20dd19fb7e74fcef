package runtime

import (
	"sync"
	"time"

	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
)

// Registries owns the three module-registry layers and their paired mock
// registries described in the data model: a persistent main registry, a
// never-mocked never-reset internal registry, and an optional isolated
// registry active only inside isolateModules.
type Registries struct {
	mu sync.RWMutex

	main     *ModuleRegistry
	internal *ModuleRegistry
	isolated *ModuleRegistry // nil unless an isolation scope is active

	mockMain     *MockRegistry
	mockIsolated *MockRegistry // nil unless an isolation scope is active

	bus events.Bus
}

// NewRegistries creates the internal, main, and (absent) isolated
// registries for a fresh runtime instance.
func NewRegistries(bus events.Bus) *Registries {
	return &Registries{
		main:     NewModuleRegistry(),
		internal: NewModuleRegistry(),
		mockMain: NewMockRegistry(),
		bus:      bus,
	}
}

// SelectLayer implements rule R-LAYER: if the request is internal, use the
// internal registry; else, if an isolated registry is active and the main
// registry does not already contain the module, use isolated; else use
// main.
func (r *Registries) SelectLayer(internalRequest bool, absPath string) RegistryLayer {
	if internalRequest {
		return LayerInternal
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.isolated != nil && !r.main.Has(absPath) {
		return LayerIsolated
	}
	return LayerMain
}

// ModuleRegistryFor returns the concrete registry backing layer.
func (r *Registries) ModuleRegistryFor(layer RegistryLayer) *ModuleRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch layer {
	case LayerInternal:
		return r.internal
	case LayerIsolated:
		if r.isolated != nil {
			return r.isolated
		}
		return r.main
	default:
		return r.main
	}
}

// MockRegistryFor returns the mock registry paired with layer: the isolated
// mock registry when an isolation scope is active and layer is main or
// isolated, else the main mock registry. The internal registry is never
// mocked, so it has no paired mock registry.
func (r *Registries) MockRegistryFor(layer RegistryLayer) *MockRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if layer != LayerInternal && r.mockIsolated != nil {
		return r.mockIsolated
	}
	return r.mockMain
}

// ResolveModule looks a path up across the active registries, isolated
// first, then main, then internal. Installed as each Module's lazy parent
// accessor so a parent reference reflects current registry state rather
// than a snapshot taken at insertion time.
func (r *Registries) ResolveModule(path string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.isolated != nil {
		if m, ok := r.isolated.Lookup(path); ok {
			return m, true
		}
	}
	if m, ok := r.main.Lookup(path); ok {
		return m, true
	}
	return r.internal.Lookup(path)
}

// IsolationActive reports whether an isolation scope currently has fresh
// registries installed.
func (r *Registries) IsolationActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isolated != nil
}

// EnterIsolation allocates fresh isolated module and mock registries.
// Nesting is forbidden: calling this while already inside an isolation
// scope returns a NestedIsolationError.
func (r *Registries) EnterIsolation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isolated != nil {
		return isovmerrors.NewNestedIsolationError()
	}
	r.isolated = NewModuleRegistry()
	r.mockIsolated = NewMockRegistry()
	if r.bus != nil {
		r.bus.Emit(events.Event{Type: events.IsolationScopeEnter, Timestamp: time.Now()})
	}
	return nil
}

// ExitIsolation discards the isolated module and mock registries, returning
// the runtime to observing only main and internal. A module loaded during
// the scope never appears in main: this is the isolation invariant.
func (r *Registries) ExitIsolation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isolated = nil
	r.mockIsolated = nil
	if r.bus != nil {
		r.bus.Emit(events.Event{Type: events.IsolationScopeExit, Timestamp: time.Now()})
	}
}

// ResetMain drops any isolated registries and replaces the main module and
// mock registries with empty ones. Mock policy tables are untouched: the
// caller (Mock Policy Engine) is responsible for preserving explicit/
// virtual/factory state across the reset per the reset invariant.
func (r *Registries) ResetMain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isolated = nil
	r.mockIsolated = nil
	r.main = NewModuleRegistry()
	r.mockMain = NewMockRegistry()
	if r.bus != nil {
		r.bus.Emit(events.Event{Type: events.ModuleRegistryReset, Timestamp: time.Now()})
	}
}
