package v1

import (
	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/log"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/metrics"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/resolver"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/tracing"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/transform"
)

// RuntimeV1 defines the public interface of the isolated test runtime: the
// subsystem that loads, transforms, executes, and mocks source modules on
// behalf of a single test file.
type RuntimeV1 interface {
	// RequireModule resolves request from the module at from, bypassing
	// the mock policy engine. A manual mock found for request is still
	// loaded in its place unless request has been explicitly unmocked.
	RequireModule(from, request string) (interface{}, error)

	// RequireInternalModule is like RequireModule but targets the internal
	// registry: modules the test framework itself uses, never mocked,
	// never reset.
	RequireInternalModule(from, request string) (interface{}, error)

	// RequireActual forces the real-module path regardless of mock policy.
	RequireActual(from, request string) (interface{}, error)

	// RequireMock forces the mock path (factory, manual mock, or
	// synthesized auto-mock) regardless of mock policy.
	RequireMock(from, request string) (interface{}, error)

	// RequireModuleOrMock consults the mock policy engine and delegates to
	// RequireMock or RequireModule accordingly.
	RequireModuleOrMock(from, request string) (interface{}, error)

	// IsolateModules runs fn with fresh isolated module and mock
	// registries in effect, then discards them. Nesting is forbidden.
	IsolateModules(fn func() error) error

	// ResetModules drops any isolated registries and replaces the main
	// module and mock registries with empty ones. Mock policy tables
	// (explicit/virtual/factory) survive the reset.
	ResetModules() error

	// SetMock registers value as the mock for request relative to from,
	// equivalent to mock(name, () => value) on the framework handle.
	SetMock(from, request string, value interface{}) error

	RestoreAllMocks()
	ResetAllMocks()
	ClearAllMocks()

	// GetAllCoverageInfoCopy returns a cycle-tolerant deep copy of the
	// coverage object maintained on the sandbox global.
	GetAllCoverageInfoCopy() interface{}

	// GetSourceMaps returns every registered file → sidecar-map-path pair.
	GetSourceMaps() map[string]string

	// GetSourceMapInfo restricts GetSourceMaps to the supplied file set,
	// further filtered to files that need coverage remapping and whose
	// sidecar still exists on disk.
	GetSourceMapInfo(files map[string]bool) map[string]string

	// ExitCode reports the process exit code the runtime has recorded,
	// non-zero once a sandbox-torn-down-mid-execution event has occurred.
	ExitCode() int

	MetricsRegistryProvider() metrics.RegistryProvider
	TracerProvider() tracing.TracerProvider

	SetResolver(r resolver.Resolver) error
	SetSandbox(env sandbox.Environment) error
	SetTransformer(t transform.Transformer) error
	SetEventBus(bus events.Bus) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetLogger(logger log.Logger) error
}

// RuntimeOption configures a RuntimeV1 at construction.
type RuntimeOption func(RuntimeV1) error

// WithResolver supplies the module resolver collaborator (C1).
func WithResolver(r resolver.Resolver) RuntimeOption {
	return func(rt RuntimeV1) error {
		if r == nil {
			return isovmerrors.NewConfigError("resolver cannot be nil", nil)
		}
		return rt.SetResolver(r)
	}
}

// WithSandbox supplies the sandbox environment collaborator (C3).
func WithSandbox(env sandbox.Environment) RuntimeOption {
	return func(rt RuntimeV1) error {
		if env == nil {
			return isovmerrors.NewConfigError("sandbox environment cannot be nil", nil)
		}
		return rt.SetSandbox(env)
	}
}

// WithTransformer supplies the transform cache collaborator (C2).
func WithTransformer(t transform.Transformer) RuntimeOption {
	return func(rt RuntimeV1) error {
		if t == nil {
			return isovmerrors.NewConfigError("transformer cannot be nil", nil)
		}
		return rt.SetTransformer(t)
	}
}

// WithEventBus supplies a custom lifecycle event bus.
func WithEventBus(bus events.Bus) RuntimeOption {
	return func(rt RuntimeV1) error {
		if bus == nil {
			return isovmerrors.NewConfigError("event bus cannot be nil", nil)
		}
		return rt.SetEventBus(bus)
	}
}

// WithMetricsRegistryProvider supplies a custom metrics registry provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) RuntimeOption {
	return func(rt RuntimeV1) error {
		if provider == nil {
			return isovmerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return rt.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider supplies a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) RuntimeOption {
	return func(rt RuntimeV1) error {
		if provider == nil {
			return isovmerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return rt.SetTracerProvider(provider)
	}
}

// WithLogger supplies a custom structured logger.
func WithLogger(logger log.Logger) RuntimeOption {
	return func(rt RuntimeV1) error {
		if logger == nil {
			return isovmerrors.NewConfigError("logger cannot be nil", nil)
		}
		return rt.SetLogger(logger)
	}
}
