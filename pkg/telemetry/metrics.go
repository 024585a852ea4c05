package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for convergence runs.
type Metrics struct {
	config MetricsConfig

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	cacheLookups *prometheus.CounterVec

	helperRequests *prometheus.CounterVec
	helperRestarts *prometheus.CounterVec

	itemsConverged   *prometheus.CounterVec
	convergeDuration *prometheus.HistogramVec
	resourcesUpdated *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. A disabled config yields a no-op
// instance.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "commands_total",
				Help:      "External tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "command_duration_seconds",
				Help:      "External tool invocation latency",
				Buckets:   buckets,
			},
			[]string{"tool"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "resolution_cache_lookups_total",
				Help:      "Resolution cache lookups by kind and result",
			},
			[]string{"kind", "result"},
		),
		helperRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "helper_requests_total",
				Help:      "Requests sent to the package helper process",
			},
			[]string{"action", "outcome"},
		),
		helperRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "helper_restarts_total",
				Help:      "Helper process restarts by reason",
			},
			[]string{"reason"},
		),
		itemsConverged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "items_converged_total",
				Help:      "Per-identity convergence outcomes",
			},
			[]string{"kind", "action", "outcome"},
		),
		convergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "converge_duration_seconds",
				Help:      "Duration of a single convergence invocation",
				Buckets:   buckets,
			},
			[]string{"kind", "action"},
		),
		resourcesUpdated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "resources_updated_total",
				Help:      "Convergence invocations that changed the system",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "errors_total",
				Help:      "Errors by code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.cacheLookups,
		m.helperRequests,
		m.helperRestarts,
		m.itemsConverged,
		m.convergeDuration,
		m.resourcesUpdated,
		m.errorsByCode,
	)

	return m, nil
}

// RecordCommand records one external tool invocation.
func (m *Metrics) RecordCommand(tool, outcome string, duration time.Duration) {
	if m == nil || m.commandsTotal == nil {
		return
	}
	m.commandsTotal.WithLabelValues(tool, outcome).Inc()
	m.commandDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCacheLookup records a resolution cache hit or miss.
func (m *Metrics) RecordCacheLookup(kind string, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(kind, result).Inc()
}

// RecordHelperRequest records a helper round trip.
func (m *Metrics) RecordHelperRequest(action, outcome string) {
	if m == nil || m.helperRequests == nil {
		return
	}
	m.helperRequests.WithLabelValues(action, outcome).Inc()
}

// RecordHelperRestart records a helper process restart.
func (m *Metrics) RecordHelperRestart(reason string) {
	if m == nil || m.helperRestarts == nil {
		return
	}
	m.helperRestarts.WithLabelValues(reason).Inc()
}

// RecordItem records the final outcome of one identity.
func (m *Metrics) RecordItem(kind, action, outcome string) {
	if m == nil || m.itemsConverged == nil {
		return
	}
	m.itemsConverged.WithLabelValues(kind, action, outcome).Inc()
}

// RecordConverge records a whole convergence invocation.
func (m *Metrics) RecordConverge(kind, action string, updated bool, duration time.Duration) {
	if m == nil || m.convergeDuration == nil {
		return
	}
	m.convergeDuration.WithLabelValues(kind, action).Observe(duration.Seconds())
	if updated {
		m.resourcesUpdated.WithLabelValues(kind).Inc()
	}
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics in the background.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}
