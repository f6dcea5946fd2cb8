package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for balance operations and the
// expiry sweep. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// --- Operations ---
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// --- Sweep ---
	SweepRuns     *prometheus.CounterVec
	SweepCanceled prometheus.Counter
	SweepDuration prometheus.Histogram

	// --- Notifications ---
	NotificationFailures prometheus.Counter
}

// New creates the collectors on a dedicated registry, so several instances can
// coexist in one process (tests, CLI).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	dbBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		registry: reg,

		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_operations_total",
			Help: "Balance operations by outcome (ok or error kind)",
		}, []string{"operation", "outcome"}),

		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "balance_operation_duration_seconds",
			Help:    "Unit of work duration per balance operation",
			Buckets: dbBuckets,
		}, []string{"operation"}),

		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_sweep_runs_total",
			Help: "Expiry sweep ticks by result (ok, error, skipped)",
		}, []string{"result"}),

		SweepCanceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "balance_sweep_canceled_total",
			Help: "Reservations canceled by the expiry sweep",
		}),

		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "balance_sweep_duration_seconds",
			Help:    "Expiry sweep unit of work duration",
			Buckets: dbBuckets,
		}),

		NotificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "balance_notification_failures_total",
			Help: "Expiry notifications that could not be delivered",
		}),
	}
}

// ObserveOperation records the outcome and latency of one balance operation.
func (m *Metrics) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveSweep records one sweep tick.
func (m *Metrics) ObserveSweep(result string, canceled int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(result).Inc()
	if canceled > 0 {
		m.SweepCanceled.Add(float64(canceled))
	}
	if result != "skipped" {
		m.SweepDuration.Observe(elapsed.Seconds())
	}
}

// NotificationFailed counts an undelivered notification.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
