package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics shared by every component
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ofsaga",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"component", "subject"},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ofsaga",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"component", "subject"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ofsaga",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ofsaga",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesPublished,
		m.ErrorsTotal,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordError counts an error for a component by class name.
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus sets the connection gauge.
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}
