package dispatch

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/speaker"
)

const (
	sw1 model.SwitchID = "00:00:00:00:00:00:00:01"
	sw2 model.SwitchID = "00:00:00:00:00:00:00:02"
	sw3 model.SwitchID = "00:00:00:00:00:00:00:03"
)

func installRule(sw model.SwitchID, deps ...uuid.UUID) speaker.Command {
	return speaker.NewCommand(sw, speaker.Payload{Op: speaker.OpInstall, Kind: speaker.KindFlowRule}, deps...)
}

func fail(cmd speaker.Command) speaker.Response {
	return speaker.FailureFor("key", cmd, speaker.ErrorSwitchUnavailable, "switch is offline")
}

func TestTracker_RetryBound(t *testing.T) {
	for _, limit := range []int{0, 1, 3, 5} {
		tracker := NewTracker(limit)
		cmd := installRule(sw1)
		require.NoError(t, tracker.Dispatch(cmd))

		retries := 0
		var outcome Outcome
		for {
			outcome = tracker.OnResponse(fail(cmd))
			if outcome != Retry {
				break
			}
			retries++
		}

		assert.Equal(t, GiveUp, outcome, "limit %d", limit)
		assert.Equal(t, limit, retries, "limit %d", limit)
		assert.Equal(t, limit+1, tracker.Attempts(cmd.ID), "limit %d", limit)
		assert.True(t, tracker.IsDrained())
		assert.Contains(t, tracker.Failed(), cmd.ID)
	}
}

func TestTracker_SuccessAfterRetries(t *testing.T) {
	tracker := NewTracker(3)
	cmd := installRule(sw1)
	require.NoError(t, tracker.Dispatch(cmd))

	assert.Equal(t, Retry, tracker.OnResponse(fail(cmd)))
	assert.Equal(t, Retry, tracker.OnResponse(fail(cmd)))
	assert.Equal(t, Accepted, tracker.OnResponse(speaker.SuccessFor("key", cmd)))

	assert.True(t, tracker.IsDrained())
	assert.Empty(t, tracker.Failed())
	assert.True(t, tracker.IsCompleted(cmd.ID))
	assert.Equal(t, 2, tracker.Attempts(cmd.ID))
}

func TestTracker_UnexpectedResponseChangesNothing(t *testing.T) {
	tracker := NewTracker(3)
	pending := installRule(sw1)
	stale := installRule(sw2)
	require.NoError(t, tracker.Dispatch(pending))

	assert.Equal(t, Unexpected, tracker.OnResponse(fail(stale)))
	assert.Equal(t, Unexpected, tracker.OnResponse(speaker.SuccessFor("key", stale)))

	assert.Equal(t, 1, tracker.PendingCount())
	_, ok := tracker.Pending(pending.ID)
	assert.True(t, ok)
	assert.Zero(t, tracker.Attempts(stale.ID))
	assert.Empty(t, tracker.Failed())

	// a duplicate delivery after success is also ignored
	assert.Equal(t, Accepted, tracker.OnResponse(speaker.SuccessFor("key", pending)))
	assert.Equal(t, Unexpected, tracker.OnResponse(fail(pending)))
	assert.Empty(t, tracker.Failed())
}

func TestTracker_DuplicateCommandID(t *testing.T) {
	tracker := NewTracker(3)
	a, b := installRule(sw1), installRule(sw2)
	require.NoError(t, tracker.Dispatch(a))

	err := tracker.Dispatch(b, a)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateCommandID)
	assert.True(t, errors.IsFatal(err))
	_, tracked := tracker.Pending(b.ID)
	assert.False(t, tracked, "batch must be rejected as a whole")

	assert.ErrorIs(t, tracker.Dispatch(b, b), errors.ErrDuplicateCommandID)

	tracker.Reset()
	assert.NoError(t, tracker.Dispatch(a))
}

func TestTracker_AttemptsArePerCommand(t *testing.T) {
	tracker := NewTracker(1)
	a, b := installRule(sw1), installRule(sw2)
	require.NoError(t, tracker.Dispatch(a, b))

	assert.Equal(t, Retry, tracker.OnResponse(fail(a)))
	assert.Equal(t, Retry, tracker.OnResponse(fail(b)))
	assert.Equal(t, GiveUp, tracker.OnResponse(fail(a)))
	assert.Equal(t, Accepted, tracker.OnResponse(speaker.SuccessFor("key", b)))

	assert.Equal(t, 2, tracker.Attempts(a.ID))
	assert.Equal(t, 1, tracker.Attempts(b.ID))
}
