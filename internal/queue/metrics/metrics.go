// Package metrics exposes Prometheus instrumentation for the job queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the queue's Prometheus collectors. Registered against an
// injected registerer so tests get a clean registry.
type Metrics struct {
	Enqueued     *prometheus.CounterVec
	Deduplicated *prometheus.CounterVec
	Completed    *prometheus.CounterVec
	Failed       *prometheus.CounterVec
	Retried      *prometheus.CounterVec
	Removed      *prometheus.CounterVec
	Depth        *prometheus.GaugeVec
	Duration     *prometheus.HistogramVec
	BreakerOpen  *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_queue_enqueued_total",
			Help: "Jobs accepted into the queue.",
		}, []string{"type", "priority"}),
		Deduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_queue_deduplicated_total",
			Help: "Enqueue calls answered with an already in-flight job.",
		}, []string{"type"}),
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_queue_completed_total",
			Help: "Jobs that finished successfully.",
		}, []string{"type"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_queue_failed_total",
			Help: "Jobs that reached the FAILED state.",
		}, []string{"type", "reason"}),
		Retried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_queue_retried_total",
			Help: "Job executions rescheduled after a retryable failure.",
		}, []string{"type"}),
		Removed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_queue_removed_total",
			Help: "Jobs cancelled before execution.",
		}, []string{"type"}),
		Depth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthex_queue_depth",
			Help: "Jobs currently stored, by state.",
		}, []string{"state"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthex_queue_job_duration_seconds",
			Help:    "Handler execution time per job type.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"type", "outcome"}),
		BreakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "healthex_queue_breaker_open",
			Help: "1 when the named collaborator breaker is open.",
		}, []string{"collaborator"}),
	}
}
