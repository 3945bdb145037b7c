package hub

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ofsaga/metric"
)

// Metrics counts saga outcomes. It is shared by all shards; a nil *Metrics
// records nothing.
type Metrics struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	rejected *prometheus.CounterVec
	running  prometheus.Gauge
	duration *prometheus.HistogramVec
}

// NewMetrics creates and registers the hub metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "hub",
			Name:      "sagas_started_total",
			Help:      "Sagas started by type",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "hub",
			Name:      "sagas_finished_total",
			Help:      "Sagas finished by type and terminal state",
		}, []string{"type", "state"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "hub",
			Name:      "requests_rejected_total",
			Help:      "Requests rejected before a saga started",
		}, []string{"type", "error_type"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ofsaga",
			Subsystem: "hub",
			Name:      "sagas_running",
			Help:      "Sagas currently registered",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ofsaga",
			Subsystem: "hub",
			Name:      "saga_duration_seconds",
			Help:      "Time from saga start to its terminal state",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"type"}),
	}

	if err := registry.RegisterCounterVec("hub", "sagas_started_total", m.started); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("hub", "sagas_finished_total", m.finished); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("hub", "requests_rejected_total", m.rejected); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("hub", "sagas_running", m.running); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("hub", "saga_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordStarted(sagaType string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(sagaType).Inc()
	m.running.Inc()
}

func (m *Metrics) recordFinished(sagaType, state string, seconds float64) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(sagaType, state).Inc()
	m.duration.WithLabelValues(sagaType).Observe(seconds)
	m.running.Dec()
}

func (m *Metrics) recordRejected(sagaType, errorType string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(sagaType, errorType).Inc()
}
