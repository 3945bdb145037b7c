package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ofsaga/metric"
)

// orchestratorMetrics counts inbound traffic and its failures.
type orchestratorMetrics struct {
	received *prometheus.CounterVec // by subject kind
	errors   *prometheus.CounterVec // by stage
	timeouts prometheus.Counter
}

func newOrchestratorMetrics(registry *metric.MetricsRegistry) (*orchestratorMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &orchestratorMetrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "orchestrator",
			Name:      "messages_received_total",
			Help:      "Inbound messages by kind",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "orchestrator",
			Name:      "errors_total",
			Help:      "Inbound messages that could not be handled, by stage",
		}, []string{"stage"}), // stage: decode, submit, publish
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "orchestrator",
			Name:      "command_timeouts_total",
			Help:      "Commands that got no speaker response in time",
		}),
	}

	if err := registry.RegisterCounterVec("orchestrator", "messages_received_total", m.received); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("orchestrator", "errors_total", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("orchestrator", "command_timeouts_total", m.timeouts); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *orchestratorMetrics) recordReceived(kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(kind).Inc()
}

func (m *orchestratorMetrics) recordError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}

func (m *orchestratorMetrics) recordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}
