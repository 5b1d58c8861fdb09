package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/eventcore/errors"
)

// MetricsRegistrar defines the interface for registering service-specific metrics
type MetricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	Unregister(serviceName, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a new metrics registry with core platform metrics
func NewMetricsRegistry() *MetricsRegistry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &MetricsRegistry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	// Add Go runtime metrics
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core platform metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// registerCoreMetrics registers all core metrics with the prometheus registry
func (r *MetricsRegistry) registerCoreMetrics() {
	m := r.Metrics
	r.prometheusRegistry.MustRegister(
		m.ServiceStatus,
		m.EventsStreamed,
		m.StreamErrors,
		m.StreamDuration,
		m.TransitionsTotal,
		m.TransitionFailures,
		m.IndexSize,
		m.EventsExpired,
	)
}

// register adds a collector under a service-scoped key, rejecting duplicates.
func (r *MetricsRegistry) register(serviceName, metricName, kind string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for service %s", metricName, serviceName),
			"MetricsRegistry", kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", kind,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "MetricsRegistry", kind,
			"failed to register collector with prometheus")
	}

	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a service
func (r *MetricsRegistry) RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error {
	return r.register(serviceName, metricName, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a service
func (r *MetricsRegistry) RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error {
	return r.register(serviceName, metricName, "RegisterGauge", gauge)
}

// RegisterHistogram registers a histogram metric for a service
func (r *MetricsRegistry) RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error {
	return r.register(serviceName, metricName, "RegisterHistogram", histogram)
}

// Unregister removes a previously registered metric. Returns true if the
// metric existed and was removed.
func (r *MetricsRegistry) Unregister(serviceName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)
	c, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(c)
}
