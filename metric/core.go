package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics (not service-specific)
type Metrics struct {
	// Service lifecycle metrics
	ServiceStatus *prometheus.GaugeVec

	// Stream dispatch metrics
	EventsStreamed prometheus.Counter
	StreamErrors   prometheus.Counter
	StreamDuration prometheus.Histogram

	// Transition metrics
	TransitionsTotal   prometheus.Counter
	TransitionFailures prometheus.Counter

	// Index metrics
	IndexSize     prometheus.Gauge
	EventsExpired prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventcore",
				Subsystem: "service",
				Name:      "status",
				Help:      "Service status (0=stopped, 1=running)",
			},
			[]string{"service"},
		),

		EventsStreamed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "streams",
				Name:      "events_total",
				Help:      "Total number of events dispatched through the stream pipeline",
			},
		),

		StreamErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "streams",
				Name:      "errors_total",
				Help:      "Total number of stream dispatches aborted by a stream error",
			},
		),

		StreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "eventcore",
				Subsystem: "streams",
				Name:      "duration_seconds",
				Help:      "Stream pipeline dispatch latency in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),

		TransitionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "core",
				Name:      "transitions_total",
				Help:      "Total number of core configuration transitions",
			},
		),

		TransitionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "core",
				Name:      "transition_failures_total",
				Help:      "Total number of transitions with at least one lifecycle phase failure",
			},
		),

		IndexSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "eventcore",
				Subsystem: "index",
				Name:      "size",
				Help:      "Current number of events held by the index",
			},
		),

		EventsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventcore",
				Subsystem: "index",
				Name:      "expired_total",
				Help:      "Total number of events expired out of the index",
			},
		),
	}
}
