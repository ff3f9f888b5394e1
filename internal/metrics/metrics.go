// Package metrics exposes the engine's observability surface: queue depth,
// retry counts, reconcile latency and leadership transitions, registered on
// a dedicated Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconcile result label values.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultConflict = "conflict"
	ResultTerminal = "terminal"
	ResultRequeue  = "requeue"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// QueueDepth tracks the number of queued (not in-flight) keys per
	// controller.
	QueueDepth *prometheus.GaugeVec

	// ReconcileTotal counts finished reconcile attempts per controller
	// and result.
	ReconcileTotal *prometheus.CounterVec

	// ReconcileDuration observes reconcile latency per controller and
	// result.
	ReconcileDuration *prometheus.HistogramVec

	// Retries counts requeues caused by failed reconcile attempts.
	Retries *prometheus.CounterVec

	// LeaderTransitions counts observed changes of lease holder.
	LeaderTransitions *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry, so independent
// engines (and tests) never collide on collector registration.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "converge_queue_depth",
			Help: "Number of keys waiting in the work queue.",
		}, []string{"controller"}),
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "converge_reconcile_total",
			Help: "Finished reconcile attempts by result.",
		}, []string{"controller", "result"}),
		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "converge_reconcile_duration_seconds",
			Help:    "Reconcile latency by result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"controller", "result"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "converge_reconcile_retries_total",
			Help: "Requeues caused by failed reconcile attempts.",
		}, []string{"controller"}),
		LeaderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "converge_leader_transitions_total",
			Help: "Observed changes of lease holder.",
		}, []string{"lease"}),
	}

	m.registry.MustRegister(
		m.QueueDepth,
		m.ReconcileTotal,
		m.ReconcileDuration,
		m.Retries,
		m.LeaderTransitions,
	)
	return m
}

// Registry returns the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
