// Package model defines the persisted entities the orchestration sagas operate on:
// flows, y-flows, LAG logical ports and BFD sessions, plus the switch and
// endpoint value types they reference.
//
// Every entity carries a Version that the persistence layer maps to the store
// revision. Sagas never compare versions themselves; they mutate entities through
// persistence.Repository.Update, which performs the read-modify-write atomically.
package model
