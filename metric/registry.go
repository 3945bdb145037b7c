package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/ofsaga/errors"
)

// MetricsRegistry owns the prometheus registry of the process and rejects
// duplicate registrations per component.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a registry with the platform and Go runtime metrics
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registeredMetrics:  make(map[string]prometheus.Collector),
		Metrics:            NewMetrics(),
	}

	registry.prometheusRegistry.MustRegister(registry.Metrics.collectors()...)
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

// CoreMetrics returns the platform metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

func metricKey(component, name string) string { return component + "." + name }

func (r *MetricsRegistry) register(method, component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(component, name)
	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, component),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "MetricsRegistry", method,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", method, "register with prometheus")
	}

	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter under component.
func (r *MetricsRegistry) RegisterCounter(component, name string, c prometheus.Counter) error {
	return r.register("RegisterCounter", component, name, c)
}

// RegisterGauge registers a gauge under component.
func (r *MetricsRegistry) RegisterGauge(component, name string, g prometheus.Gauge) error {
	return r.register("RegisterGauge", component, name, g)
}

// RegisterCounterVec registers a labelled counter under component.
func (r *MetricsRegistry) RegisterCounterVec(component, name string, c *prometheus.CounterVec) error {
	return r.register("RegisterCounterVec", component, name, c)
}

// RegisterGaugeVec registers a labelled gauge under component.
func (r *MetricsRegistry) RegisterGaugeVec(component, name string, g *prometheus.GaugeVec) error {
	return r.register("RegisterGaugeVec", component, name, g)
}

// RegisterHistogramVec registers a labelled histogram under component.
func (r *MetricsRegistry) RegisterHistogramVec(component, name string, h *prometheus.HistogramVec) error {
	return r.register("RegisterHistogramVec", component, name, h)
}

// Unregister removes a metric and reports whether it was registered.
func (r *MetricsRegistry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(component, name)
	c, ok := r.registeredMetrics[key]
	if !ok || !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.registeredMetrics, key)
	return true
}
