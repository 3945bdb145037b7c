// Package saga implements the table-driven state machine behind every
// orchestration workflow.
//
// A Definition maps (state, event) pairs to a target state and an action.
// Actions run on entering the target state and return the next event, so one
// external input can drive a chain of transitions until an action parks the
// saga with EventNone. Standard builds the table shared by the flow, y-flow and
// switch sagas from a set of optional Steps.
//
// Failures after validation enter COMPENSATING: installed commands are
// reverted, the UndoStack is unwound newest first and the entity status is
// restored. Each undo writes one history error entry.
//
// Register holds the live sagas of one partition and enforces one saga per key.
package saga
