package inspector

import "github.com/prometheus/client_golang/prometheus"

// Measures holds the orchestrator's Prometheus instrumentation, built once
// from a Registerer and threaded through Options.
type Measures struct {
	Connects        prometheus.Counter
	Disconnects     prometheus.Counter
	PendingRequests prometheus.Gauge
	CommandErrors   prometheus.Counter
	RoundTrip       prometheus.Histogram
}

// NewMeasures registers and returns a Measures. A nil Registerer yields a
// Measures backed by unregistered collectors, safe to use in tests without
// double-registration panics.
func NewMeasures(r prometheus.Registerer) Measures {
	m := Measures{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webinspector_connects_total",
			Help: "Total number of successful connect handshakes.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webinspector_disconnects_total",
			Help: "Total number of session disconnects, by any cause.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webinspector_pending_requests",
			Help: "Number of requests currently awaiting a correlated response.",
		}),
		CommandErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webinspector_command_errors_total",
			Help: "Total number of CommandError responses received from the inspector.",
		}),
		RoundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webinspector_request_duration_seconds",
			Help:    "Round-trip duration of send() calls that waited for a response.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if r != nil {
		r.MustRegister(m.Connects, m.Disconnects, m.PendingRequests, m.CommandErrors, m.RoundTrip)
	}

	return m
}
