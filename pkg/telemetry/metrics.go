package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mintflow/mintflow/pkg/engine"
	"github.com/mintflow/mintflow/pkg/lifecycle"
)

// Metrics provides Prometheus metrics for pipeline runs.
type Metrics struct {
	config MetricsConfig

	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stageOutcomes  *prometheus.CounterVec
	failures       *prometheus.CounterVec
	retryDecisions *prometheus.CounterVec
	idempotencyHit *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	swept          prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of pipeline runs by operation and disposition",
			},
			[]string{"operation", "disposition"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		stageOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_outcomes_total",
				Help:      "Total number of stage outcomes",
			},
			[]string{"stage", "outcome"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_failures_total",
				Help:      "Total number of failed runs by failure kind and error code",
			},
			[]string{"kind", "code"},
		),
		retryDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_decisions_total",
				Help:      "Total number of retry classifications by policy",
			},
			[]string{"policy"},
		),
		idempotencyHit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_hits_total",
				Help:      "Total number of runs answered from a stored result",
			},
			[]string{"operation"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_transitions_total",
				Help:      "Total number of recorded deployment state transitions",
			},
			[]string{"from", "to"},
		),
		swept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_records_swept_total",
				Help:      "Total number of expired idempotency records removed",
			},
		),
	}

	registry.MustRegister(
		m.runs,
		m.runDuration,
		m.stageOutcomes,
		m.failures,
		m.retryDecisions,
		m.idempotencyHit,
		m.transitions,
		m.swept,
	)

	return m, nil
}

// RecordRun records the outcome of one pipeline run.
func (m *Metrics) RecordRun(ev engine.Event) {
	if m.runs == nil {
		return
	}
	m.runs.WithLabelValues(ev.OperationType, string(ev.Disposition)).Inc()
	m.runDuration.WithLabelValues(ev.OperationType).Observe(ev.Duration.Seconds())

	for _, mk := range ev.Markers {
		m.stageOutcomes.WithLabelValues(string(mk.Stage), string(mk.Outcome)).Inc()
	}
	if ev.FailureKind != "" {
		m.failures.WithLabelValues(string(ev.FailureKind), ev.ErrorCode).Inc()
	}
	if ev.RetryPolicy != "" {
		m.retryDecisions.WithLabelValues(string(ev.RetryPolicy)).Inc()
	}
	if ev.IdempotencyHit {
		m.idempotencyHit.WithLabelValues(ev.OperationType).Inc()
	}
}

// RecordTransition records a deployment state change.
func (m *Metrics) RecordTransition(from, to lifecycle.State) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordSweep records how many expired idempotency records were removed.
func (m *Metrics) RecordSweep(n int64) {
	if m.swept == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics and returns it so
// the caller can shut it down. It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}

// ShutdownServer stops a server returned by StartMetricsServer.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
