package saga

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/c360/ofsaga/dispatch"
	"github.com/c360/ofsaga/speaker"
)

// Steps are the domain hooks of a standard saga. Every hook is optional.
type Steps[C any] struct {
	// Validate checks the request and moves the entity to IN_PROGRESS. Returning
	// ErrSkip completes the saga without further work. Any other error fails it
	// with nothing to compensate, so Validate must not leave side effects behind
	// when it fails.
	Validate func(ctx context.Context, s *Saga[C]) error
	// Allocate reserves resources, pushing one compensation per allocation.
	Allocate func(ctx context.Context, s *Saga[C]) error
	// Commands builds the forward command graph.
	Commands func(ctx context.Context, s *Saga[C]) ([]speaker.Command, error)
	// Commit persists the outcome once every forward command succeeded.
	Commit func(ctx context.Context, s *Saga[C]) error
	// CleanupCommands builds commands removing superseded rules after commit.
	CleanupCommands func(ctx context.Context, s *Saga[C]) ([]speaker.Command, error)
	// Cleanup releases superseded resources after commit.
	Cleanup func(ctx context.Context, s *Saga[C]) error
	// Revert restores the entity state captured during validation.
	Revert func(ctx context.Context, s *Saga[C]) error
}

// Standard builds the transition table shared by the flow, y-flow and switch
// sagas:
//
//	VALIDATING -> ALLOCATING_RESOURCES -> DISPATCHING -> AWAITING_RESPONSES
//	  -> COMMITTING -> CLEANING_UP [-> AWAITING_CLEANUP] -> COMPLETED
//
// Validation errors end in FAILED. Later errors enter COMPENSATING, which
// reverts installed commands, unwinds the undo stack and restores the entity,
// ending in REVERTED, or in FAILED when the failure was fatal or compensation
// itself failed.
func Standard[C any](name string, steps Steps[C]) *Definition[C] {
	st := standard[C]{steps: steps}
	d := NewDefinition[C](name, StateValidating, st.validate)

	d.On(StateValidating, EventNext, StateAllocatingResources, st.allocate).
		On(StateValidating, EventSkip, StateCompleted, nil).
		On(StateValidating, EventError, StateFailed, nil)

	d.On(StateAllocatingResources, EventNext, StateDispatching, st.dispatch).
		On(StateAllocatingResources, EventError, StateCompensating, st.compensate)

	d.On(StateDispatching, EventNext, StateAwaitingResponses, st.awaitForward).
		On(StateDispatching, EventError, StateCompensating, st.compensate)

	d.On(StateAwaitingResponses, EventResponse, StateAwaitingResponses, st.awaitForward).
		On(StateAwaitingResponses, EventNext, StateCommitting, st.commit).
		On(StateAwaitingResponses, EventGiveUp, StateCompensating, st.compensate).
		On(StateAwaitingResponses, EventError, StateCompensating, st.compensate)

	d.On(StateCommitting, EventNext, StateCleaningUp, st.startCleanup).
		On(StateCommitting, EventError, StateCompensating, st.compensate)

	d.On(StateCleaningUp, EventNext, StateAwaitingCleanup, st.awaitCleanup).
		On(StateCleaningUp, EventSkip, StateCompleted, st.finishCleanup)

	d.On(StateAwaitingCleanup, EventResponse, StateAwaitingCleanup, st.awaitCleanup).
		On(StateAwaitingCleanup, EventNext, StateCompleted, st.finishCleanup)

	d.On(StateCompensating, EventNext, StateRevertingCommands, st.awaitRevert).
		On(StateCompensating, EventRevert, StateReverted, nil).
		On(StateCompensating, EventFail, StateFailed, nil)

	d.On(StateRevertingCommands, EventResponse, StateRevertingCommands, st.awaitRevert).
		On(StateRevertingCommands, EventRevert, StateReverted, nil).
		On(StateRevertingCommands, EventFail, StateFailed, nil)

	return d
}

type standard[C any] struct {
	steps Steps[C]
}

func (st standard[C]) validate(ctx context.Context, s *Saga[C], _ Input) Event {
	if st.steps.Validate == nil {
		return EventNext
	}
	err := st.steps.Validate(ctx, s)
	switch {
	case err == nil:
		return EventNext
	case stderrors.Is(err, ErrSkip):
		s.logger.Debug("Nothing to do", "reason", err)
		return EventSkip
	default:
		s.Fail(err)
		s.SaveError(ctx, "Validation failed", err.Error())
		return EventError
	}
}

func (st standard[C]) allocate(ctx context.Context, s *Saga[C], _ Input) Event {
	if st.steps.Allocate == nil {
		return EventNext
	}
	if err := st.steps.Allocate(ctx, s); err != nil {
		s.Fail(err)
		s.SaveError(ctx, "Failed to allocate resources", err.Error())
		return EventError
	}
	return EventNext
}

func (st standard[C]) dispatch(ctx context.Context, s *Saga[C], _ Input) Event {
	var cmds []speaker.Command
	if st.steps.Commands != nil {
		var err error
		if cmds, err = st.steps.Commands(ctx, s); err != nil {
			s.Fail(err)
			s.SaveError(ctx, "Failed to build commands", err.Error())
			return EventError
		}
	}
	batch, err := s.dispatch(ctx, cmds)
	s.forward = batch
	if err != nil {
		s.Fail(err)
		s.SaveError(ctx, "Failed to dispatch commands", err.Error())
		return EventError
	}
	return EventNext
}

func (st standard[C]) awaitForward(ctx context.Context, s *Saga[C], in Input) Event {
	if err := s.deliver(ctx, in); err != nil {
		s.Fail(err)
		return EventError
	}
	switch s.batch.Status() {
	case dispatch.StatusSucceeded:
		return EventNext
	case dispatch.StatusFailed:
		s.Fail(batchFailure(s.batch))
		return EventGiveUp
	default:
		return EventNone
	}
}

func (st standard[C]) commit(ctx context.Context, s *Saga[C], _ Input) Event {
	if st.steps.Commit == nil {
		return EventNext
	}
	if err := st.steps.Commit(ctx, s); err != nil {
		s.Fail(err)
		s.SaveError(ctx, "Failed to commit", err.Error())
		return EventError
	}
	return EventNext
}

func (st standard[C]) startCleanup(ctx context.Context, s *Saga[C], _ Input) Event {
	if st.steps.CleanupCommands == nil {
		return EventSkip
	}
	cmds, err := st.steps.CleanupCommands(ctx, s)
	if err != nil {
		s.SaveError(ctx, "Failed to build cleanup commands", err.Error())
		return EventSkip
	}
	if len(cmds) == 0 {
		return EventSkip
	}
	if _, err := s.dispatch(ctx, cmds); err != nil {
		s.SaveError(ctx, "Failed to dispatch cleanup commands", err.Error())
		return EventSkip
	}
	return EventNext
}

func (st standard[C]) awaitCleanup(ctx context.Context, s *Saga[C], in Input) Event {
	if err := s.deliver(ctx, in); err != nil {
		s.SaveError(ctx, "Failed to dispatch cleanup commands", err.Error())
		return EventNext
	}
	switch s.batch.Status() {
	case dispatch.StatusSucceeded:
		return EventNext
	case dispatch.StatusFailed:
		s.SaveError(ctx, "Failed to remove superseded rules", batchFailure(s.batch).Error())
		return EventNext
	default:
		return EventNone
	}
}

func (st standard[C]) finishCleanup(ctx context.Context, s *Saga[C], _ Input) Event {
	if st.steps.Cleanup == nil {
		return EventNone
	}
	if err := st.steps.Cleanup(ctx, s); err != nil {
		s.SaveError(ctx, "Failed to release superseded resources", err.Error())
	}
	return EventNone
}

// compensate reverts the installed part of the forward batch, then rolls back.
func (st standard[C]) compensate(ctx context.Context, s *Saga[C], _ Input) Event {
	var revert []speaker.Command
	if s.forward != nil {
		revert = s.forward.RevertCommands()
	}
	if len(revert) == 0 {
		return st.rollback(ctx, s)
	}

	s.SaveAction(ctx, "Reverting installed commands", fmt.Sprintf("%d command(s)", len(revert)))
	batch, err := s.dispatch(ctx, revert)
	if err != nil {
		s.undoFailed = true
		s.SaveError(ctx, "Failed to revert commands", err.Error())
		return st.rollback(ctx, s)
	}
	if batch.Done() {
		return st.settleRevert(ctx, s)
	}
	return EventNext
}

func (st standard[C]) awaitRevert(ctx context.Context, s *Saga[C], in Input) Event {
	if err := s.deliver(ctx, in); err != nil {
		s.undoFailed = true
		s.SaveError(ctx, "Failed to revert commands", err.Error())
		return st.rollback(ctx, s)
	}
	if !s.batch.Done() {
		return EventNone
	}
	return st.settleRevert(ctx, s)
}

func (st standard[C]) settleRevert(ctx context.Context, s *Saga[C]) Event {
	if s.batch.Status() == dispatch.StatusFailed {
		s.undoFailed = true
		s.SaveError(ctx, "Failed to revert commands", batchFailure(s.batch).Error())
	}
	return st.rollback(ctx, s)
}

// rollback unwinds allocations and restores the entity. It decides between
// REVERTED and FAILED.
func (st standard[C]) rollback(ctx context.Context, s *Saga[C]) Event {
	if s.undo.Unwind(ctx, s.rt.History, s.taskID) > 0 {
		s.undoFailed = true
	}
	if st.steps.Revert != nil {
		if err := st.steps.Revert(ctx, s); err != nil {
			s.undoFailed = true
			s.SaveError(ctx, "Failed to revert status", err.Error())
		}
	}
	if s.fatal || s.undoFailed {
		return EventFail
	}
	return EventRevert
}

func batchFailure(b *dispatch.Batch) error {
	failed := b.FailedCommands()
	ids := make([]string, 0, len(failed))
	for _, id := range failed {
		ids = append(ids, id.String())
	}
	return fmt.Errorf("%d command(s) failed: %s", len(failed), strings.Join(ids, ", "))
}
