package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds process-wide Prometheus metrics. Component-specific metrics
// live in the component's own metrics package; this struct covers the
// admission path. Constructed once at startup and injected, never global.
type Metrics struct {
	ConsentsGranted   prometheus.Counter
	ConsentsRevoked   prometheus.Counter
	RequestsCreated   prometheus.Counter
	ComplianceRejects prometheus.Counter
	RequestLatency    *prometheus.HistogramVec
}

// New creates and registers all admission-path metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConsentsGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "healthex_consents_granted_total",
			Help: "Total number of consent grants accepted",
		}),
		ConsentsRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "healthex_consents_revoked_total",
			Help: "Total number of consent revocations",
		}),
		RequestsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "healthex_data_requests_created_total",
			Help: "Total number of data requests accepted",
		}),
		ComplianceRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "healthex_compliance_rejections_total",
			Help: "Requests rejected below the minimum compliance threshold",
		}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "healthex_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
