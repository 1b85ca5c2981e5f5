package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for froyoctl.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Host pipeline metrics
	hostOutcomes *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	activeHosts  prometheus.Gauge

	// Vault metrics
	vaultDecryptions *prometheus.CounterVec
	vaultCacheHits   prometheus.Counter

	// Plugin metrics
	pluginLoads *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of dispatch runs started",
			},
			[]string{"module"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of dispatch runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of dispatch runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		hostOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_outcomes_total",
				Help:      "Per-host outcomes by status",
			},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_step_duration_seconds",
				Help:      "Duration of host pipeline steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		activeHosts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_hosts",
				Help:      "Hosts currently being processed",
			},
		),

		vaultDecryptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_decryptions_total",
				Help:      "Vault envelope decryptions by result",
			},
			[]string{"result"},
		),
		vaultCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vault_cache_hits_total",
				Help:      "Vault fragments served from the decrypted cache",
			},
		),

		pluginLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_loads_total",
				Help:      "Plugin load attempts by kind, origin and result",
			},
			[]string{"kind", "origin", "result"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by taxonomy code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.hostOutcomes,
		m.stepDuration,
		m.activeHosts,
		m.vaultDecryptions,
		m.vaultCacheHits,
		m.pluginLoads,
		m.errorsByCode,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(module string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(module).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// HostStarted marks a host pipeline as in flight.
func (m *Metrics) HostStarted() {
	if m == nil || m.activeHosts == nil {
		return
	}
	m.activeHosts.Inc()
}

// RecordHostOutcome records the final status of one host.
func (m *Metrics) RecordHostOutcome(status string) {
	if m == nil || m.hostOutcomes == nil {
		return
	}
	m.hostOutcomes.WithLabelValues(status).Inc()
	m.activeHosts.Dec()
}

// RecordStep records the duration of a host pipeline step (connect, execute).
func (m *Metrics) RecordStep(step string, duration time.Duration) {
	if m == nil || m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordVaultDecryption records a decryption attempt. result is "ok" or an
// error code.
func (m *Metrics) RecordVaultDecryption(result string) {
	if m == nil || m.vaultDecryptions == nil {
		return
	}
	m.vaultDecryptions.WithLabelValues(result).Inc()
}

// RecordVaultCacheHit records a fragment served from the cache.
func (m *Metrics) RecordVaultCacheHit() {
	if m == nil || m.vaultCacheHits == nil {
		return
	}
	m.vaultCacheHits.Inc()
}

// RecordPluginLoad records a plugin load attempt.
func (m *Metrics) RecordPluginLoad(kind, origin, result string) {
	if m == nil || m.pluginLoads == nil {
		return
	}
	m.pluginLoads.WithLabelValues(kind, origin, result).Inc()
}

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
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

// Serve exposes metrics on the configured listen address until ctx is done.
// It returns immediately when no address is configured.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	logger.Infof("serving metrics on %s%s", ln.Addr(), path)
	return nil
}
