package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ofsaga/metric"
)

// Metrics counts command traffic by object kind. A nil *Metrics records nothing.
type Metrics struct {
	sent       *prometheus.CounterVec
	retried    *prometheus.CounterVec
	givenUp    *prometheus.CounterVec
	unexpected prometheus.Counter
}

// NewMetrics creates and registers the dispatcher metrics.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "dispatch",
			Name:      "commands_sent_total",
			Help:      "Commands sent to speakers, including re-sends",
		}, []string{"kind"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "dispatch",
			Name:      "commands_retried_total",
			Help:      "Failed commands re-sent within their retry budget",
		}, []string{"kind", "error_code"}),
		givenUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "dispatch",
			Name:      "commands_given_up_total",
			Help:      "Commands that exhausted their retry budget",
		}, []string{"kind"}),
		unexpected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "dispatch",
			Name:      "unexpected_responses_total",
			Help:      "Responses for commands that were not pending",
		}),
	}

	if err := registry.RegisterCounterVec("dispatch", "commands_sent_total", m.sent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("dispatch", "commands_retried_total", m.retried); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("dispatch", "commands_given_up_total", m.givenUp); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("dispatch", "unexpected_responses_total", m.unexpected); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordSent(kind string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordRetry(kind, code string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(kind, code).Inc()
}

func (m *Metrics) recordGiveUp(kind string) {
	if m == nil {
		return
	}
	m.givenUp.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordUnexpected() {
	if m == nil {
		return
	}
	m.unexpected.Inc()
}
