// Package history records the append-only audit trail of a saga: every state
// transition, command outcome and compensation action, keyed by task id.
//
// Recording is best effort. A sink failure is logged and counted but never
// returned to the saga, so history can not become a cause of saga failure.
package history

import (
	"time"
)

// Kind tags the variant of an Event.
type Kind string

// Event kinds
const (
	KindAction     Kind = "action"
	KindError      Kind = "error"
	KindTransition Kind = "transition"
	KindCommand    Kind = "command"
	KindResource   Kind = "resource"
)

// Event is one entry of the audit trail. Entries are never mutated after append.
type Event struct {
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	IsError   bool      `json:"is_error"`
}
