package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Billing session metrics
var (
	// SessionsByStatus tracks sessions per lifecycle status
	SessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hotspot_sessions",
			Help: "Number of hotspot sessions by status",
		},
		[]string{"status"},
	)

	// SessionsActivated counts activations by plan kind and path (new, renewal)
	SessionsActivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_sessions_activated_total",
			Help: "Total number of session activations by plan kind and path",
		},
		[]string{"kind", "path"},
	)

	// SessionsTerminated counts terminations by cause
	SessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_sessions_terminated_total",
			Help: "Total number of session terminations by cause",
		},
		[]string{"cause"},
	)

	// UsageAlerts counts delivered usage alerts by level
	UsageAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_usage_alerts_total",
			Help: "Total number of usage alerts delivered by level",
		},
		[]string{"level"},
	)

	// SweepDuration tracks how long a sweep over active sessions takes
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hotspot_sweep_duration_seconds",
			Help:    "Duration of usage sweeps over all active sessions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// SweepFailures counts sessions skipped by a sweep because of an error
	SweepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_sweep_session_failures_total",
			Help: "Sessions skipped during a sweep by failure reason",
		},
		[]string{"reason"},
	)

	// CyclesTotal counts scheduler cycles by outcome
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_scheduler_cycles_total",
			Help: "Total number of scheduler cycles by outcome (ok, degraded)",
		},
		[]string{"outcome"},
	)
)

// Enforcement device metrics
var (
	// EnforcementCalls counts gateway calls by device, command kind and status
	EnforcementCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_enforcement_calls_total",
			Help: "Total number of enforcement device calls by device, kind, and status",
		},
		[]string{"device", "kind", "status"},
	)

	// EnforcementLatency tracks device call latency
	EnforcementLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hotspot_enforcement_latency_seconds",
			Help:    "Latency of enforcement device calls by device and kind",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"device", "kind"},
	)
)

// Payment metrics
var (
	// PaymentCallbacks counts payment callbacks by outcome
	PaymentCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_payment_callbacks_total",
			Help: "Total number of payment callbacks by outcome (completed, duplicate, cancelled, failed, timeout, rejected)",
		},
		[]string{"outcome"},
	)

	// PaymentRevenue tracks completed payment amounts
	PaymentRevenue = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hotspot_payment_revenue_total",
			Help: "Total completed payment amount by currency",
		},
		[]string{"currency"},
	)
)

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordActivation increments the activation counter and moves the status gauge
func RecordActivation(kind, path, fromStatus string) {
	SessionsActivated.WithLabelValues(kind, path).Inc()
	UpdateSessionStatus(fromStatus, "active")
}

// RecordTermination increments the termination counter and moves the status gauge
func RecordTermination(cause, toStatus string) {
	SessionsTerminated.WithLabelValues(cause).Inc()
	UpdateSessionStatus("active", toStatus)
}

// RecordAlert increments the delivered alert counter
func RecordAlert(level string) {
	UsageAlerts.WithLabelValues(level).Inc()
}

// RecordSweep records a sweep's duration
func RecordSweep(duration time.Duration) {
	SweepDuration.Observe(duration.Seconds())
}

// RecordSweepFailure increments the skipped session counter
func RecordSweepFailure(reason string) {
	SweepFailures.WithLabelValues(reason).Inc()
}

// RecordCycle increments the scheduler cycle counter
func RecordCycle(outcome string) {
	CyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordEnforcementCall records a device call with its status and latency.
// status should be "success", "error", or "timeout"
func RecordEnforcementCall(device, kind, status string, duration time.Duration) {
	EnforcementCalls.WithLabelValues(device, kind, status).Inc()
	EnforcementLatency.WithLabelValues(device, kind).Observe(duration.Seconds())
}

// RecordPaymentCallback increments the callback counter
func RecordPaymentCallback(outcome string) {
	PaymentCallbacks.WithLabelValues(outcome).Inc()
}

// RecordRevenue adds a completed payment amount
func RecordRevenue(currency string, amount float64) {
	PaymentRevenue.WithLabelValues(currency).Add(amount)
}

// UpdateSessionStatus moves one session between status gauges
func UpdateSessionStatus(oldStatus, newStatus string) {
	if oldStatus != "" {
		SessionsByStatus.WithLabelValues(oldStatus).Dec()
	}
	if newStatus != "" {
		SessionsByStatus.WithLabelValues(newStatus).Inc()
	}
}

// InitializeSessionMetrics populates status gauges from database state on startup
// so later transitions never drive a gauge negative.
func InitializeSessionMetrics(ctx context.Context, counts map[string]int) error {
	for status, n := range counts {
		SessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
	slog.InfoContext(ctx, "initialized session metrics from database",
		slog.Int("statuses", len(counts)))
	return nil
}
