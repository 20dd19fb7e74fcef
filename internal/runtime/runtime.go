package runtime

import (
	"regexp"
	"sync"

	internalevents "github.com/isovm-labs/isovm/internal/events"
	"github.com/isovm-labs/isovm/internal/logging"
	"github.com/isovm-labs/isovm/internal/runtimeconfig"
	v1 "github.com/isovm-labs/isovm/pkg/isovm/v1"
	isovmerrors "github.com/isovm-labs/isovm/pkg/isovm/v1/errors"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	isovmlog "github.com/isovm-labs/isovm/pkg/isovm/v1/log"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/metrics"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/resolver"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/sandbox"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/tracing"
	"github.com/isovm-labs/isovm/pkg/isovm/v1/transform"
)

// Runtime is the isolated test runtime for a single test file: it implements
// pkg/isovm/v1.RuntimeV1 by composing the module registries, mock policy
// tables, transform cache, source-map registry, and teardown guard over a
// set of pluggable collaborators.
type Runtime struct {
	cfg *runtimeconfig.Config

	resolver    resolver.Resolver
	sandbox     sandbox.Environment
	transformer transform.Transformer
	bus         events.Bus
	metricsProv metrics.RegistryProvider
	tracerProv  tracing.TracerProvider
	log         isovmlog.Logger

	registries     *Registries
	policy         *PolicyTables
	transformCache *TransformCache
	sourceMaps     *SourceMapRegistry
	teardown       *TeardownGuard
	unmockPatterns []*regexp.Regexp

	// ambient state saved/restored around each module execution, per the
	// executor's step 2.
	ambientMu       sync.Mutex
	executingPath   string
	executingManual bool

	// processExitWrapped tracks whether process.exit has already been
	// wrapped for logging, so repeated "process" core-module requires don't
	// rewrap an already-wrapped function.
	processExitWrapped bool
}

// New constructs a Runtime from cfg, applying opts in order. A collaborator
// left unset by opts (resolver, sandbox, transformer) is left nil, and New
// does not report it. A nil sandbox is treated as torn down by the teardown
// guard; operations that need a resolver or transformer do not check for
// one before using it.
func New(cfg *runtimeconfig.Config, opts ...v1.RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, isovmerrors.NewConfigError("runtimeconfig.Config cannot be nil", nil)
	}

	rt := &Runtime{
		cfg:    cfg,
		bus:    internalevents.NewNoOpEventBus(),
		log:    logging.NewDefaultLogger("INFO"),
		policy: NewPolicyTables(cfg.Automock),
	}

	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}

	rt.registries = NewRegistries(rt.bus)
	rt.sourceMaps = NewSourceMapRegistry()
	rt.teardown = NewTeardownGuard(rt.log, rt.bus)

	if rt.transformer != nil {
		rt.transformCache = NewTransformCache(rt.transformer, cfg, rt.bus, rt.log)
	}

	rt.unmockPatterns = make([]*regexp.Regexp, 0, len(cfg.UnmockPatterns))
	for _, pattern := range cfg.UnmockPatterns {
		rt.unmockPatterns = append(rt.unmockPatterns, regexp.MustCompile(pattern))
	}

	return rt, nil
}

// unmockRegexMatches reports whether path matches any configured unmock
// pattern, implementing the "composite unmock regex" referenced by rules 7
// and 8 of shouldMock.
func (rt *Runtime) unmockRegexMatches(path string) bool {
	for _, pattern := range rt.unmockPatterns {
		if pattern.MatchString(path) {
			return true
		}
	}
	return false
}

func (rt *Runtime) SetResolver(r resolver.Resolver) error {
	rt.resolver = r
	return nil
}

func (rt *Runtime) SetSandbox(env sandbox.Environment) error {
	rt.sandbox = env
	return nil
}

func (rt *Runtime) SetTransformer(t transform.Transformer) error {
	rt.transformer = t
	if rt.cfg != nil {
		rt.transformCache = NewTransformCache(t, rt.cfg, rt.bus, rt.log)
	}
	return nil
}

func (rt *Runtime) SetEventBus(bus events.Bus) error {
	rt.bus = bus
	if rt.registries != nil {
		rt.registries.bus = bus
	}
	return nil
}

func (rt *Runtime) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	rt.metricsProv = provider
	return nil
}

func (rt *Runtime) SetTracerProvider(provider tracing.TracerProvider) error {
	rt.tracerProv = provider
	return nil
}

func (rt *Runtime) SetLogger(logger isovmlog.Logger) error {
	rt.log = logger
	return nil
}

func (rt *Runtime) MetricsRegistryProvider() metrics.RegistryProvider { return rt.metricsProv }
func (rt *Runtime) TracerProvider() tracing.TracerProvider            { return rt.tracerProv }

// ExitCode reports the process exit code recorded by the teardown guard.
func (rt *Runtime) ExitCode() int { return rt.teardown.ExitCode() }

// GetSourceMaps returns every registered file → sidecar-map-path pair.
func (rt *Runtime) GetSourceMaps() map[string]string { return rt.sourceMaps.All() }

// GetSourceMapInfo restricts GetSourceMaps to files, further filtered to
// files needing coverage remapping whose sidecar still exists on disk.
func (rt *Runtime) GetSourceMapInfo(files map[string]bool) map[string]string {
	return rt.sourceMaps.GetFilteredForFiles(files)
}

// saveAmbient captures the current-executing path and manual-mock marker,
// returning a restore closure the caller defers immediately.
func (rt *Runtime) saveAmbient(path string, manual bool) func() {
	rt.ambientMu.Lock()
	prevPath, prevManual := rt.executingPath, rt.executingManual
	rt.executingPath, rt.executingManual = path, manual
	rt.ambientMu.Unlock()

	return func() {
		rt.ambientMu.Lock()
		rt.executingPath, rt.executingManual = prevPath, prevManual
		rt.ambientMu.Unlock()
	}
}

func (rt *Runtime) currentAmbient() (path string, manual bool) {
	rt.ambientMu.Lock()
	defer rt.ambientMu.Unlock()
	return rt.executingPath, rt.executingManual
}
