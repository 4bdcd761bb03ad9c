package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution sources reported by RecordResolution.
const (
	ResolutionCache    = "cache"
	ResolutionShared   = "shared"
	ResolutionArchive  = "archive"
	ResolutionFallback = "fallback"
	ResolutionMiss     = "miss"
)

// Metrics provides Prometheus metrics for the module host.
// All methods are safe to call on a nil or disabled Metrics.
type Metrics struct {
	config MetricsConfig

	modulesLoaded  prometheus.Gauge
	modulesEnabled prometheus.Gauge

	loadFailures   *prometheus.CounterVec
	enableFailures *prometheus.CounterVec
	modulesPruned  prometheus.Counter
	loadDuration   *prometheus.HistogramVec

	transformFailures *prometheus.CounterVec
	illegalAccess     *prometheus.CounterVec
	resolutions       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		modulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_loaded",
				Help:      "Current number of loaded modules",
			},
		),
		modulesEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_enabled",
				Help:      "Current number of enabled modules",
			},
		),
		loadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_load_failures_total",
				Help:      "Total number of archives that failed to load, by error kind",
			},
			[]string{"kind"},
		),
		enableFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_enable_failures_total",
				Help:      "Total number of failed enable callbacks",
			},
			[]string{"module"},
		),
		modulesPruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modules_pruned_total",
				Help:      "Total number of modules removed for unmet hard dependencies",
			},
		),
		loadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_load_duration_seconds",
				Help:      "Duration of single module loads in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		transformFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transform_failures_total",
				Help:      "Total number of code units whose transform failed open",
			},
			[]string{"module"},
		),
		illegalAccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "illegal_access_warnings_total",
				Help:      "Total number of cross-module accesses outside declared dependencies",
			},
			[]string{"consumer", "provider"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "symbol_resolutions_total",
				Help:      "Total number of symbol resolutions by source",
			},
			[]string{"source"},
		),
	}

	registry.MustRegister(
		m.modulesLoaded,
		m.modulesEnabled,
		m.loadFailures,
		m.enableFailures,
		m.modulesPruned,
		m.loadDuration,
		m.transformFailures,
		m.illegalAccess,
		m.resolutions,
	)

	return m, nil
}

// SetModuleCounts sets the loaded and enabled gauges.
func (m *Metrics) SetModuleCounts(loaded, enabled int) {
	if m == nil || m.modulesLoaded == nil {
		return
	}
	m.modulesLoaded.Set(float64(loaded))
	m.modulesEnabled.Set(float64(enabled))
}

// RecordLoadFailure records an archive that failed to load.
func (m *Metrics) RecordLoadFailure(kind string) {
	if m == nil || m.loadFailures == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.loadFailures.WithLabelValues(kind).Inc()
}

// RecordLoad records a successful single module load.
func (m *Metrics) RecordLoad(loaderType string, duration time.Duration) {
	if m == nil || m.loadDuration == nil {
		return
	}
	m.loadDuration.WithLabelValues(loaderType).Observe(duration.Seconds())
}

// RecordEnableFailure records a failed enable callback.
func (m *Metrics) RecordEnableFailure(module string) {
	if m == nil || m.enableFailures == nil {
		return
	}
	m.enableFailures.WithLabelValues(module).Inc()
}

// RecordPruned records a module removed for unmet hard dependencies.
func (m *Metrics) RecordPruned() {
	if m == nil || m.modulesPruned == nil {
		return
	}
	m.modulesPruned.Inc()
}

// RecordTransformFailure records a transform that failed open.
func (m *Metrics) RecordTransformFailure(module string) {
	if m == nil || m.transformFailures == nil {
		return
	}
	m.transformFailures.WithLabelValues(module).Inc()
}

// RecordIllegalAccess records a de-duplicated illegal access warning.
func (m *Metrics) RecordIllegalAccess(consumer, provider string) {
	if m == nil || m.illegalAccess == nil {
		return
	}
	m.illegalAccess.WithLabelValues(consumer, provider).Inc()
}

// RecordResolution records where a symbol resolution was answered from.
func (m *Metrics) RecordResolution(source string) {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(source).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
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

// StartMetricsServer starts an HTTP server to expose metrics.
// It is a no-op when metrics are disabled or no listen address is set.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error(fmt.Sprintf("metrics server on %s stopped", m.config.ListenAddress))
		}
	}()

	return server
}
