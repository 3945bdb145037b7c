// Package ofsaga orchestrates flow and switch changes on an SDN fabric as
// sagas of speaker commands.
//
// # Architecture
//
// A request arrives on NATS and is decoded by the orchestrator processor
// (processor/orchestrator). Its entity key picks one of the single-threaded
// hub shards (hub), so at most one saga runs per flow, y-flow, LAG switch or
// BFD port. The shard builds a saga from the flowhs or swmanager factories and
// drives it:
//
//	validate -> allocate -> commands -> commit -> cleanup -> completed
//	                \            \
//	                 `-> revert <-' (compensation, reverted)
//
// Commands are planned into dependency waves and sent by the dispatcher
// (dispatch), which retries failed commands up to a limit. Speaker responses
// and command timeouts are routed back to the owning shard.
//
// # Packages
//
//   - saga: generic transition tables, undo stack and standard step layout
//   - flowhs: flow and y-flow create, reroute, update and delete sagas
//   - swmanager: LAG logical port and BFD session sagas
//   - resources: per-switch meter, LAG port and BFD discriminator pools
//   - persistence: CAS repositories on memory or JetStream KV
//   - history: task history recording to memory or a JetStream stream
//   - config: layered JSON/YAML configuration with environment overrides
//
// The daemon lives in cmd/ofsagad.
package ofsaga
