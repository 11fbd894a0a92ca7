// Package obs holds the collector's own Prometheus instrumentation.
package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the session engine. All fields are registered on
// construction; a nil *Metrics disables instrumentation entirely.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	RequestsTotal    prometheus.Counter
	RestartsTotal    prometheus.Counter
	ProtocolErrors   prometheus.Counter
	CoercionFailures prometheus.Counter
	PollDuration     prometheus.Histogram
}

// New creates and registers the metric set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ksystemstats_scripts_sessions_active",
			Help: "Number of registered script sessions.",
		}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksystemstats_scripts_requests_total",
			Help: "Protocol requests written to script processes.",
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksystemstats_scripts_restarts_total",
			Help: "Script process restarts triggered by directory changes.",
		}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksystemstats_scripts_protocol_errors_total",
			Help: "Reply lines that arrived with no pending request.",
		}),
		CoercionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ksystemstats_scripts_coercion_failures_total",
			Help: "Replies that could not be coerced to the declared type.",
		}),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ksystemstats_scripts_poll_duration_seconds",
			Help:    "Duration of one full value poll over a session's sensors.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	reg.MustRegister(
		m.SessionsActive,
		m.RequestsTotal,
		m.RestartsTotal,
		m.ProtocolErrors,
		m.CoercionFailures,
		m.PollDuration,
	)
	return m
}
