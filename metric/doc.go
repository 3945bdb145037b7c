// Package metric provides the prometheus registry shared by all components.
//
// Components create their own collectors with the "ofsaga" namespace and
// register them under a component name:
//
//	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
//	    Namespace: "ofsaga",
//	    Subsystem: "dispatch",
//	    Name:      "commands_sent_total",
//	}, []string{"kind"})
//	if err := registry.RegisterCounterVec("dispatch", "commands_sent_total", sent); err != nil {
//	    return err
//	}
//
// Registering the same component and metric name twice returns an invalid
// error instead of panicking. Server exposes the registry over HTTP together
// with a /health endpoint.
package metric
