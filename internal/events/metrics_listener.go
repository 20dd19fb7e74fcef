package events

import (
	"context"
	"time"

	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	isovmlog "github.com/isovm-labs/isovm/pkg/isovm/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// ModuleLifecycleMetrics bundles the Prometheus instruments
// MetricsEventListener updates. Constructing it registers every instrument
// on registry.
type ModuleLifecycleMetrics struct {
	TransformCacheHits   prometheus.Counter
	TransformCacheMisses prometheus.Counter
	MockResolved         *prometheus.CounterVec
	ModuleExecutions     prometheus.Counter
	ModuleExecutionTime  prometheus.Histogram
	RegistryResets       prometheus.Counter
	IsolationScopes      prometheus.Counter
	TeardownRejections   prometheus.Counter
}

// NewModuleLifecycleMetrics registers and returns the runtime's lifecycle
// instrument set on registry.
func NewModuleLifecycleMetrics(registry *prometheus.Registry) *ModuleLifecycleMetrics {
	m := &ModuleLifecycleMetrics{
		TransformCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isovm_transform_cache_hits_total",
			Help: "Number of transform cache lookups that found a cached script.",
		}),
		TransformCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isovm_transform_cache_misses_total",
			Help: "Number of transform cache lookups that required recompilation.",
		}),
		MockResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "isovm_mock_resolved_total",
			Help: "Number of shouldMock decisions, labeled by the precedence rule that matched.",
		}, []string{"rule", "mocked"}),
		ModuleExecutions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isovm_module_executions_total",
			Help: "Number of module bodies executed through the Module Executor.",
		}),
		ModuleExecutionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "isovm_module_execution_duration_seconds",
			Help:    "Time spent executing a single module body.",
			Buckets: prometheus.DefBuckets,
		}),
		RegistryResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isovm_registry_resets_total",
			Help: "Number of resetModules calls.",
		}),
		IsolationScopes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isovm_isolation_scopes_total",
			Help: "Number of isolateModules scopes entered.",
		}),
		TeardownRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "isovm_teardown_rejections_total",
			Help: "Number of operations rejected because the sandbox had been torn down.",
		}),
	}
	registry.MustRegister(
		m.TransformCacheHits, m.TransformCacheMisses, m.MockResolved,
		m.ModuleExecutions, m.ModuleExecutionTime, m.RegistryResets,
		m.IsolationScopes, m.TeardownRejections,
	)
	return m
}

// MetricsEventListener subscribes to the runtime's event bus and updates
// ModuleLifecycleMetrics based on the events it receives.
type MetricsEventListener struct {
	bus     *ChannelEventBus
	log     isovmlog.Logger
	metrics *ModuleLifecycleMetrics

	executionStarts map[string]time.Time
}

// NewMetricsEventListener creates a listener bound to bus, updating metrics.
func NewMetricsEventListener(bus *ChannelEventBus, metrics *ModuleLifecycleMetrics, log isovmlog.Logger) *MetricsEventListener {
	if bus == nil || metrics == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, ModuleLifecycleMetrics, and Logger")
	}
	return &MetricsEventListener{
		bus:             bus,
		log:             log.With("component", "MetricsEventListener"),
		metrics:         metrics,
		executionStarts: make(map[string]time.Time),
	}
}

// Start listens for events on the bus in the calling goroutine, blocking
// until the bus channel closes or ctx is cancelled.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	switch event.Type {
	case events.TransformCacheHit:
		l.metrics.TransformCacheHits.Inc()
	case events.TransformCacheMiss:
		l.metrics.TransformCacheMisses.Inc()
	case events.MockResolved:
		rule, _ := event.Payload["rule"].(string)
		mocked, _ := event.Payload["mocked"].(bool)
		l.metrics.MockResolved.WithLabelValues(rule, boolLabel(mocked)).Inc()
	case events.ModuleExecutionStart:
		l.executionStarts[event.ModuleID] = event.Timestamp
	case events.ModuleExecutionEnd:
		l.metrics.ModuleExecutions.Inc()
		if start, ok := l.executionStarts[event.ModuleID]; ok {
			l.metrics.ModuleExecutionTime.Observe(event.Timestamp.Sub(start).Seconds())
			delete(l.executionStarts, event.ModuleID)
		}
	case events.ModuleRegistryReset:
		l.metrics.RegistryResets.Inc()
	case events.IsolationScopeEnter:
		l.metrics.IsolationScopes.Inc()
	case events.TeardownOperationRejected:
		l.metrics.TeardownRejections.Inc()
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
