// Package orchestrator is the NATS facing component of the saga engine.
//
// # Subjects
//
// The processor subscribes to three subjects:
//
//	ofsaga.requests             {"type", "correlation_id", "payload"}
//	ofsaga.speaker.responses    speaker.Response
//	ofsaga.lifecycle            {"signal": "activate" | "deactivate"}
//
// and publishes to:
//
//	ofsaga.speaker.commands.<switch>   speaker.Envelope
//	ofsaga.notifications               hub.Notification
//	ofsaga.lifecycle                   {"signal": "inactive"}
//
// # Partitioning
//
// Requests and responses are routed by saga key onto a worker.PartitionedPool.
// Each partition owns one hub.Service shard, so every event of a saga runs on
// the same goroutine. Speaker responses carry the key of the saga that sent
// the command, which routes them back to the owning shard.
//
// # Timeouts and rate limiting
//
// Every published command is tracked by a speaker.TimeoutTracker. A command
// that is not answered within CommandTimeout is fed to its saga as a failed
// OPERATION_TIMED_OUT response and counts against the retry budget. Outbound
// commands share one rate.Limiter.
package orchestrator
