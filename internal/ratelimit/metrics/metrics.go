// Package metrics exposes Prometheus instrumentation for rate limiting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Checks *prometheus.CounterVec
	Denied *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_ratelimit_checks_total",
			Help: "Rate limit checks performed, by rule.",
		}, []string{"rule"}),
		Denied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "healthex_ratelimit_denied_total",
			Help: "Requests denied by rate limiting, by rule.",
		}, []string{"rule"}),
	}
}
