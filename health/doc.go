// Package health aggregates component checks into the daemon health served
// on /health.
//
// Each component registers a CheckFunc; Check runs them all and reports the worst
// level. Unhealthy messages are sanitized so check output never leaks URLs,
// paths or credentials.
//
//	monitor := health.NewMonitor("ofsagad", nil)
//	monitor.Register("nats", func() health.Status {
//		if client.IsHealthy() {
//			return health.Healthy("nats", "connected")
//		}
//		return health.Unhealthy("nats", errDisconnected)
//	})
package health
