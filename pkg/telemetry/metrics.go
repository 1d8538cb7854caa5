package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the allocation service. A nil
// *Metrics or one built with metrics disabled records nothing.
type Metrics struct {
	config MetricsConfig

	// Request metrics
	requestsSubmitted *prometheus.CounterVec
	requestsCompleted *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	pendingRequests   prometheus.Gauge

	// Reservation metrics
	reserveAttempts   *prometheus.CounterVec
	reserveConflicts  prometheus.Counter
	activeLeases      prometheus.Gauge
	leaseOperations   *prometheus.CounterVec
	leaseOpDuration   *prometheus.HistogramVec
	sweptReservations *prometheus.CounterVec

	// Catalog metrics
	catalogCalls    *prometheus.CounterVec
	catalogDuration *prometheus.HistogramVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

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

		requestsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_submitted_total",
				Help:      "Total number of environment requests submitted",
			},
			[]string{"type"},
		),
		requestsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_completed_total",
				Help:      "Total number of environment requests that reached a terminal state",
			},
			[]string{"outcome", "reason"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from submission to terminal state in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_requests",
				Help:      "Current number of requests not yet in a terminal state",
			},
		),

		reserveAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reserve_attempts_total",
				Help:      "Total number of reservation attempts by result",
			},
			[]string{"result"},
		),
		reserveConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reserve_conflicts_total",
				Help:      "Total number of lease store conflicts met while reserving",
			},
		),
		activeLeases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_reservations",
				Help:      "Current number of reservations granted by this process and not yet released",
			},
		),
		leaseOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_operations_total",
				Help:      "Total number of lease store operations",
			},
			[]string{"operation", "result"},
		),
		leaseOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lease_operation_duration_seconds",
				Help:      "Duration of lease store operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		sweptReservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_reservations_total",
				Help:      "Total number of expired reservations processed by the sweeper",
			},
			[]string{"result"},
		),

		catalogCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_calls_total",
				Help:      "Total number of catalog listings",
			},
			[]string{"result"},
		),
		catalogDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "catalog_call_duration_seconds",
				Help:      "Duration of catalog listings in seconds",
				Buckets:   buckets,
			},
			[]string{"result"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors by kind and code",
			},
			[]string{"kind", "code"},
		),
	}

	registry.MustRegister(
		m.requestsSubmitted,
		m.requestsCompleted,
		m.requestDuration,
		m.pendingRequests,
		m.reserveAttempts,
		m.reserveConflicts,
		m.activeLeases,
		m.leaseOperations,
		m.leaseOpDuration,
		m.sweptReservations,
		m.catalogCalls,
		m.catalogDuration,
		m.errorsByKind,
	)

	return m, nil
}

func (m *Metrics) disabled() bool {
	return m == nil || m.registry == nil
}

// Request Metrics

// RecordRequestSubmitted counts a newly accepted request.
func (m *Metrics) RecordRequestSubmitted(resourceType string) {
	if m.disabled() {
		return
	}
	m.requestsSubmitted.WithLabelValues(resourceType).Inc()
	m.pendingRequests.Inc()
}

// RecordRequestCompleted records a request reaching a terminal state.
func (m *Metrics) RecordRequestCompleted(outcome, reason string, duration time.Duration) {
	if m.disabled() {
		return
	}
	m.requestsCompleted.WithLabelValues(outcome, reason).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.pendingRequests.Dec()
}

// Reservation Metrics

// RecordReserveAttempt records the result of one rank-then-reserve pass.
func (m *Metrics) RecordReserveAttempt(result string) {
	if m.disabled() {
		return
	}
	m.reserveAttempts.WithLabelValues(result).Inc()
}

// RecordReserveConflict counts a lost race at the lease store.
func (m *Metrics) RecordReserveConflict() {
	if m.disabled() {
		return
	}
	m.reserveConflicts.Inc()
}

// AddActiveReservations moves the active reservation gauge by delta.
func (m *Metrics) AddActiveReservations(delta float64) {
	if m.disabled() {
		return
	}
	m.activeLeases.Add(delta)
}

// RecordLeaseOperation records a lease store call with its duration.
func (m *Metrics) RecordLeaseOperation(operation, result string, duration time.Duration) {
	if m.disabled() {
		return
	}
	m.leaseOperations.WithLabelValues(operation, result).Inc()
	m.leaseOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSwept records one reservation processed by the expiry sweeper.
func (m *Metrics) RecordSwept(result string) {
	if m.disabled() {
		return
	}
	m.sweptReservations.WithLabelValues(result).Inc()
}

// Catalog Metrics

// RecordCatalogCall records a catalog listing.
func (m *Metrics) RecordCatalogCall(result string, duration time.Duration) {
	if m.disabled() {
		return
	}
	m.catalogCalls.WithLabelValues(result).Inc()
	m.catalogDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by kind and optionally by code.
func (m *Metrics) RecordError(kind, code string) {
	if m.disabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
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
	if m.disabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a dedicated HTTP listener for metrics when a
// listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if m.disabled() || m.config.ListenAddress == "" {
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
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	return nil
}
