package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// Metrics are the Prometheus metrics of a Pipeline.
type Metrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	failures  *prometheus.CounterVec
}

// NewMetrics creates the Pipeline metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventpipe_dispatch_events_processed_total",
			Help: "Total number of events dispatched, whatever the outcome",
		}, []string{"topic", "event_type"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventpipe_dispatch_event_duration_seconds",
			Help:    "Time to dispatch an event to all the handlers, in seconds",
			Buckets: durationBuckets,
		}, []string{"topic", "event_type"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventpipe_dispatch_event_failures_total",
			Help: "Total number of events dead-lettered because a handler failed",
		}, []string{"topic"}),
	}

	reg.MustRegister(m.processed, m.duration, m.failures)

	return m
}

func (m *Metrics) observe(topic, eventType string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}

	m.processed.WithLabelValues(topic, eventType).Inc()
	m.duration.WithLabelValues(topic, eventType).Observe(elapsed.Seconds())

	if failed {
		m.failures.WithLabelValues(topic).Inc()
	}
}
