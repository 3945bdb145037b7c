package dispatch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/speaker"
)

// Outcome is the tracker's verdict on a single response.
type Outcome int

// Outcomes of Tracker.OnResponse
const (
	// Accepted means the command succeeded and left the pending set.
	Accepted Outcome = iota
	// Unexpected means the command was not pending; the response is ignored.
	Unexpected
	// Retry means the command failed within its retry budget and must be re-sent.
	Retry
	// GiveUp means the command exhausted its retries and moved to the failed set.
	GiveUp
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "ACCEPTED"
	case Unexpected:
		return "UNEXPECTED"
	case Retry:
		return "RETRY"
	case GiveUp:
		return "GIVE_UP"
	default:
		return "UNKNOWN"
	}
}

// Tracker is the pending set of one saga: in-flight commands, failed commands and
// per-command attempt counters. It is owned by a single saga and is not safe for
// concurrent use.
type Tracker struct {
	retryLimit int
	pending    map[uuid.UUID]speaker.Command
	failed     map[uuid.UUID]speaker.Response
	attempts   map[uuid.UUID]int
	completed  map[uuid.UUID]speaker.Command
}

// NewTracker creates a tracker allowing retryLimit re-sends per command.
func NewTracker(retryLimit int) *Tracker {
	if retryLimit < 0 {
		retryLimit = 0
	}
	t := &Tracker{retryLimit: retryLimit}
	t.Reset()
	return t
}

// Reset clears pending, retried and failed commands.
func (t *Tracker) Reset() {
	t.pending = make(map[uuid.UUID]speaker.Command)
	t.failed = make(map[uuid.UUID]speaker.Response)
	t.attempts = make(map[uuid.UUID]int)
	t.completed = make(map[uuid.UUID]speaker.Command)
}

// RetryLimit returns the configured number of re-sends per command.
func (t *Tracker) RetryLimit() int { return t.retryLimit }

// Dispatch marks commands as pending. Nothing is recorded if any id is already
// tracked or repeated within cmds.
func (t *Tracker) Dispatch(cmds ...speaker.Command) error {
	seen := make(map[uuid.UUID]bool, len(cmds))
	for _, cmd := range cmds {
		if seen[cmd.ID] || t.tracked(cmd.ID) {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s", errors.ErrDuplicateCommandID, cmd.ID),
				"Tracker", "Dispatch", "track command")
		}
		seen[cmd.ID] = true
	}
	for _, cmd := range cmds {
		t.pending[cmd.ID] = cmd
	}
	return nil
}

func (t *Tracker) tracked(id uuid.UUID) bool {
	if _, ok := t.pending[id]; ok {
		return true
	}
	if _, ok := t.failed[id]; ok {
		return true
	}
	_, ok := t.completed[id]
	return ok
}

// OnResponse applies a response to the pending set.
func (t *Tracker) OnResponse(resp speaker.Response) Outcome {
	cmd, ok := t.pending[resp.CommandID]
	if !ok {
		return Unexpected
	}

	if resp.Success {
		delete(t.pending, resp.CommandID)
		t.completed[resp.CommandID] = cmd
		return Accepted
	}

	t.attempts[resp.CommandID]++
	if t.attempts[resp.CommandID] <= t.retryLimit {
		return Retry
	}

	delete(t.pending, resp.CommandID)
	t.failed[resp.CommandID] = resp
	return GiveUp
}

// IsDrained reports whether no command is awaiting a response.
func (t *Tracker) IsDrained() bool { return len(t.pending) == 0 }

// Pending returns a pending command by id.
func (t *Tracker) Pending(id uuid.UUID) (speaker.Command, bool) {
	cmd, ok := t.pending[id]
	return cmd, ok
}

// PendingCount returns the number of in-flight commands.
func (t *Tracker) PendingCount() int { return len(t.pending) }

// Attempts returns how many failed responses a command has received.
func (t *Tracker) Attempts(id uuid.UUID) int { return t.attempts[id] }

// Failed returns the final failed response of every given-up command.
func (t *Tracker) Failed() map[uuid.UUID]speaker.Response {
	out := make(map[uuid.UUID]speaker.Response, len(t.failed))
	for id, resp := range t.failed {
		out[id] = resp
	}
	return out
}

// IsCompleted reports whether a command was executed successfully.
func (t *Tracker) IsCompleted(id uuid.UUID) bool {
	_, ok := t.completed[id]
	return ok
}
