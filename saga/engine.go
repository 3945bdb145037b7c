package saga

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/c360/ofsaga/dispatch"
	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/speaker"
)

// ErrSkip is returned by a validation step when the request needs no work.
// The saga completes successfully without allocating or dispatching.
var ErrSkip = stderrors.New("nothing to do")

// FSM is the type-erased view of a saga used by the hub.
type FSM interface {
	Key() string
	Type() string
	TaskID() string
	State() State
	Start(ctx context.Context)
	HandleResponse(ctx context.Context, resp speaker.Response)
	IsTerminated() bool
	Result() Result
}

// Result is the outcome of a terminated saga.
type Result struct {
	State     State
	Success   bool
	ErrorType errors.ErrorType
	Reason    string
	Duration  time.Duration
}

// Runtime carries the collaborators shared by every saga of a partition.
type Runtime struct {
	Dispatcher *dispatch.Dispatcher
	History    *history.Recorder
	Logger     *slog.Logger
	Clock      clock.PassiveClock
}

// Input is the payload of an external event.
type Input struct {
	Response *speaker.Response
}

// Action runs on entering the target state of a transition and returns the
// next event, or EventNone to wait for an external one.
type Action[C any] func(ctx context.Context, s *Saga[C], in Input) Event

type transitionKey struct {
	from  State
	event Event
}

type transition[C any] struct {
	to     State
	action Action[C]
}

// Definition is an immutable transition table shared by all sagas of a type.
type Definition[C any] struct {
	name    string
	initial State
	start   Action[C]
	table   map[transitionKey]transition[C]
}

// NewDefinition creates a table whose sagas begin in initial and run start on Start.
func NewDefinition[C any](name string, initial State, start Action[C]) *Definition[C] {
	return &Definition[C]{
		name:    name,
		initial: initial,
		start:   start,
		table:   make(map[transitionKey]transition[C]),
	}
}

// On adds the transition from --event--> to. A later call for the same pair
// replaces the earlier one.
func (d *Definition[C]) On(from State, event Event, to State, action Action[C]) *Definition[C] {
	d.table[transitionKey{from: from, event: event}] = transition[C]{to: to, action: action}
	return d
}

// Name returns the saga type name.
func (d *Definition[C]) Name() string { return d.name }

// Saga is one running instance of a Definition. Data carries the saga-specific
// context. A Saga is driven by the single goroutine owning its key.
type Saga[C any] struct {
	Data C

	def    *Definition[C]
	rt     Runtime
	key    string
	taskID string
	state  State

	undo    UndoStack
	forward *dispatch.Batch
	batch   *dispatch.Batch

	failure    error
	fatal      bool
	undoFailed bool
	startedAt  time.Time
	result     Result
	terminated bool
	logger     *slog.Logger
}

// New creates a saga for key. An empty taskID is replaced by a fresh one.
func New[C any](def *Definition[C], rt Runtime, key, taskID string, data C) *Saga[C] {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if rt.Clock == nil {
		rt.Clock = clock.RealClock{}
	}
	if rt.Logger == nil {
		rt.Logger = slog.Default()
	}
	return &Saga[C]{
		Data:   data,
		def:    def,
		rt:     rt,
		key:    key,
		taskID: taskID,
		state:  def.initial,
		logger: rt.Logger.With("saga", def.name, "key", key, "task_id", taskID),
	}
}

// Key returns the serialization key.
func (s *Saga[C]) Key() string { return s.key }

// Type returns the definition name.
func (s *Saga[C]) Type() string { return s.def.name }

// TaskID returns the history task id.
func (s *Saga[C]) TaskID() string { return s.taskID }

// State returns the current state.
func (s *Saga[C]) State() State { return s.state }

// IsTerminated reports whether the saga reached a terminal state.
func (s *Saga[C]) IsTerminated() bool { return s.terminated }

// Result returns the outcome. It is meaningful once IsTerminated is true.
func (s *Saga[C]) Result() Result { return s.result }

// Logger returns the saga-scoped logger.
func (s *Saga[C]) Logger() *slog.Logger { return s.logger }

// Now returns the runtime clock reading.
func (s *Saga[C]) Now() time.Time { return s.rt.Clock.Now() }

// Err returns the first failure recorded by the saga.
func (s *Saga[C]) Err() error { return s.failure }

// Batch returns the forward command batch, if one was started.
func (s *Saga[C]) Batch() *dispatch.Batch { return s.forward }

// Undo exposes the compensation stack.
func (s *Saga[C]) Undo() *UndoStack { return &s.undo }

// Push records the compensation of an allocation that just succeeded.
func (s *Saga[C]) Push(c Compensation) { s.undo.Push(c) }

// SaveAction writes a history action entry for the saga.
func (s *Saga[C]) SaveAction(ctx context.Context, action, details string) {
	s.rt.History.SaveAction(ctx, s.taskID, action, details)
}

// SaveError writes a history error entry for the saga.
func (s *Saga[C]) SaveError(ctx context.Context, action, details string) {
	s.rt.History.SaveError(ctx, s.taskID, action, details)
}

// Record writes a history entry of the given kind for the saga.
func (s *Saga[C]) Record(ctx context.Context, kind history.Kind, action, details string) {
	s.rt.History.Record(ctx, history.Event{Kind: kind, TaskID: s.taskID, Action: action, Details: details})
}

// Fail records err as the saga failure. Only the first failure is kept; fatal
// errors of any order mark the saga fatal.
func (s *Saga[C]) Fail(err error) {
	if err == nil {
		return
	}
	if errors.IsFatal(err) {
		s.fatal = true
	}
	if s.failure == nil {
		s.failure = err
	}
}

// Start runs the initial action and every transition it triggers.
func (s *Saga[C]) Start(ctx context.Context) {
	s.startedAt = s.rt.Clock.Now()
	s.logger.Debug("Saga started", "state", s.state)
	s.rt.History.Record(ctx, history.Event{
		Kind:    history.KindTransition,
		TaskID:  s.taskID,
		Action:  "Saga started",
		Details: fmt.Sprintf("%s %s", s.def.name, s.key),
	})

	event := EventNone
	if s.def.start != nil {
		event = s.def.start(ctx, s, Input{})
	}
	s.fire(ctx, event, Input{})
}

// HandleResponse feeds a speaker response into the saga.
func (s *Saga[C]) HandleResponse(ctx context.Context, resp speaker.Response) {
	if s.terminated {
		s.logger.Warn("Response for a terminated saga", "command_id", resp.CommandID)
		return
	}
	s.fire(ctx, EventResponse, Input{Response: &resp})
}

func (s *Saga[C]) fire(ctx context.Context, event Event, in Input) {
	for event != EventNone && !s.terminated {
		tr, ok := s.def.table[transitionKey{from: s.state, event: event}]
		if !ok {
			s.logger.Warn("No transition for event", "state", s.state, "event", event)
			break
		}

		from := s.state
		s.state = tr.to
		if from != tr.to {
			s.rt.History.Record(ctx, history.Event{
				Kind:    history.KindTransition,
				TaskID:  s.taskID,
				Action:  "State changed",
				Details: fmt.Sprintf("%s -> %s on %s", from, tr.to, event),
			})
		}

		event = EventNone
		if tr.action != nil {
			event = tr.action(ctx, s, in)
		}
		in = Input{}
	}

	if s.state.Terminal() && !s.terminated {
		s.finish()
	}
}

func (s *Saga[C]) finish() {
	s.terminated = true
	s.result = Result{
		State:    s.state,
		Success:  s.state == StateCompleted,
		Duration: s.rt.Clock.Since(s.startedAt),
	}
	if !s.result.Success {
		err := s.failure
		if err == nil {
			err = fmt.Errorf("%s ended in %s", s.def.name, s.state)
		}
		s.result.ErrorType = errors.TypeOf(err)
		s.result.Reason = errors.ReasonOf(err)
	}
	s.logger.Info("Saga finished",
		"state", s.state, "success", s.result.Success, "duration", s.result.Duration)
}

// dispatch starts cmds as the current batch.
func (s *Saga[C]) dispatch(ctx context.Context, cmds []speaker.Command) (*dispatch.Batch, error) {
	batch, err := s.rt.Dispatcher.Start(ctx, s.key, s.taskID, cmds)
	if batch != nil {
		s.batch = batch
	}
	return batch, err
}

// deliver applies in.Response, if any, to the current batch.
func (s *Saga[C]) deliver(ctx context.Context, in Input) error {
	if in.Response == nil || s.batch == nil {
		return nil
	}
	_, err := s.batch.HandleResponse(ctx, *in.Response)
	return err
}
