// Package hub routes requests, speaker responses and timeouts to sagas.
//
// A Service is one shard of the hub and is owned by a single partition
// goroutine of the worker pool. Keys are hashed onto partitions, so every event
// of a saga is handled by the shard that started it and the shard needs no
// locks. A request for a key that already has a running saga is rejected with
// REQUEST_INVALID; requests arriving while the hub is deactivated are rejected
// with NOT_PERMITTED.
//
// Lifecycle is shared by all shards. Deactivate reports whether the hub is
// already idle; otherwise the inactive callback fires once the last running
// saga terminates.
package hub
