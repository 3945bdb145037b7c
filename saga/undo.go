package saga

import (
	"context"
	"fmt"

	"github.com/c360/ofsaga/history"
)

// Compensation undoes one allocation. Action and Details narrate the undo in
// history once it has run.
type Compensation struct {
	Action  string
	Details string
	Undo    func(ctx context.Context) error
}

// UndoStack holds the compensations of a saga in allocation order.
type UndoStack struct {
	entries []Compensation
}

// Push records a compensation for the most recent allocation.
func (u *UndoStack) Push(c Compensation) {
	u.entries = append(u.entries, c)
}

// Len returns the number of pending compensations.
func (u *UndoStack) Len() int { return len(u.entries) }

// Unwind runs every compensation once, newest first, and empties the stack.
// Each undo writes one history error entry; a failed undo is reported as
// "Failed to deallocate resources" and is not retried. It returns the number of
// failed compensations.
func (u *UndoStack) Unwind(ctx context.Context, recorder *history.Recorder, taskID string) int {
	failed := 0
	for i := len(u.entries) - 1; i >= 0; i-- {
		c := u.entries[i]
		if err := c.Undo(ctx); err != nil {
			failed++
			recorder.SaveError(ctx, taskID, "Failed to deallocate resources",
				fmt.Sprintf("%s: %v", c.Details, err))
			continue
		}
		recorder.SaveError(ctx, taskID, c.Action, c.Details)
	}
	u.entries = nil
	return failed
}
