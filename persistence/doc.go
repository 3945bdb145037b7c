// Package persistence provides the generic entity repository used for flows,
// y-flows, LAG logical ports and BFD sessions.
//
// MemoryRepository backs single-process deployments and tests. KVRepository
// stores JSON in a NATS KV bucket and implements Update as a compare-and-swap
// loop, so concurrent writers from different partitions never lose updates.
package persistence
