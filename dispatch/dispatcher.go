package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/speaker"
)

// Sender delivers one command to the speaker responsible for its switch. Send
// must be safe for concurrent use; it returns once the command is handed to the
// transport, not when the switch has applied it.
type Sender interface {
	Send(ctx context.Context, key string, cmd speaker.Command) error
}

// Config holds dispatcher limits.
type Config struct {
	// RetryLimit is the number of re-sends allowed per command.
	RetryLimit int
	// MaxParallelSends bounds the goroutines used to send one wave.
	MaxParallelSends int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{RetryLimit: 3, MaxParallelSends: 16}
}

// Dispatcher turns command graphs into waves and drives them through a Sender.
// It holds no per-saga state and may be shared.
type Dispatcher struct {
	sender   Sender
	recorder *history.Recorder
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.With("component", "dispatch") }
}

// WithMetrics attaches dispatcher metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sender Sender, recorder *history.Recorder, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxParallelSends <= 0 {
		cfg.MaxParallelSends = DefaultConfig().MaxParallelSends
	}
	d := &Dispatcher{
		sender:   sender,
		recorder: recorder,
		cfg:      cfg,
		logger:   slog.Default().With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Status is the progress of a Batch.
type Status int

// Batch statuses
const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Batch is one command graph in flight for one saga. Like the saga owning it,
// a Batch is driven by a single goroutine.
type Batch struct {
	d       *Dispatcher
	key     string
	taskID  string
	waves   [][]speaker.Command
	current int
	tracker *Tracker
	status  Status
}

// Start plans cmds into waves and dispatches the first wave. An empty command
// set yields a batch that has already succeeded.
func (d *Dispatcher) Start(ctx context.Context, key, taskID string, cmds []speaker.Command) (*Batch, error) {
	waves, err := PlanWaves(cmds)
	if err != nil {
		return nil, errors.WrapFatal(err, "Dispatcher", "Start", "plan command waves")
	}

	b := &Batch{
		d:       d,
		key:     key,
		taskID:  taskID,
		waves:   waves,
		tracker: NewTracker(d.cfg.RetryLimit),
	}
	if len(waves) == 0 {
		b.status = StatusSucceeded
		return b, nil
	}

	d.logger.Debug("Dispatching command batch",
		"key", key, "task_id", taskID, "commands", len(cmds), "waves", len(waves))

	if err := b.dispatchWave(ctx); err != nil {
		return b, err
	}
	return b, b.advance(ctx)
}

// Status returns the batch progress.
func (b *Batch) Status() Status { return b.status }

// Done reports whether the batch reached a final status.
func (b *Batch) Done() bool { return b.status != StatusRunning }

// Tracker exposes the pending set of the batch.
func (b *Batch) Tracker() *Tracker { return b.tracker }

// Waves returns the planned waves.
func (b *Batch) Waves() [][]speaker.Command { return b.waves }

// CurrentWave returns the index of the wave in flight.
func (b *Batch) CurrentWave() int { return b.current }

// FailedCommands returns the ids of given-up commands.
func (b *Batch) FailedCommands() []uuid.UUID {
	var ids []uuid.UUID
	for _, wave := range b.waves {
		for _, cmd := range wave {
			if _, failed := b.tracker.failed[cmd.ID]; failed {
				ids = append(ids, cmd.ID)
			}
		}
	}
	return ids
}

// HandleResponse applies a response and, when the wave drains, either dispatches
// the next wave or settles the batch.
func (b *Batch) HandleResponse(ctx context.Context, resp speaker.Response) (Outcome, error) {
	outcome := b.apply(ctx, resp)
	if outcome == Unexpected {
		return outcome, nil
	}
	return outcome, b.advance(ctx)
}

func (b *Batch) apply(ctx context.Context, resp speaker.Response) Outcome {
	for {
		cmd, _ := b.tracker.Pending(resp.CommandID)
		outcome := b.tracker.OnResponse(resp)
		kind := string(cmd.Payload.Kind)

		switch outcome {
		case Unexpected:
			b.d.logger.Warn("Ignoring response for a command that is not pending",
				"key", b.key, "command_id", resp.CommandID, "switch_id", resp.SwitchID)
			b.d.metrics.recordUnexpected()

		case Accepted:
			b.d.recorder.Record(ctx, history.Event{
				Kind:    history.KindCommand,
				TaskID:  b.taskID,
				Action:  "Command was executed",
				Details: cmd.String(),
			})

		case Retry:
			attempt := b.tracker.Attempts(cmd.ID)
			b.d.metrics.recordRetry(kind, string(resp.ErrorCode))
			b.d.recorder.SaveError(ctx, b.taskID, "Failed to execute command",
				fmt.Sprintf("Failed to execute %s: %s %s. Retrying (attempt %d)",
					cmd, resp.ErrorCode, resp.Description, attempt))

			if err := b.send(ctx, cmd); err != nil {
				resp = speaker.FailureFor(b.key, cmd, speaker.ErrorSwitchUnavailable, err.Error())
				continue
			}

		case GiveUp:
			b.d.metrics.recordGiveUp(kind)
			b.d.recorder.SaveError(ctx, b.taskID, "Failed to execute command",
				fmt.Sprintf("Failed to execute %s: %s %s. Giving up after %d attempts",
					cmd, resp.ErrorCode, resp.Description, b.tracker.Attempts(cmd.ID)))
		}
		return outcome
	}
}

func (b *Batch) advance(ctx context.Context) error {
	for b.status == StatusRunning && b.tracker.IsDrained() {
		if len(b.tracker.failed) > 0 {
			b.status = StatusFailed
			return nil
		}
		b.current++
		if b.current >= len(b.waves) {
			b.status = StatusSucceeded
			return nil
		}
		if err := b.dispatchWave(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (b *Batch) dispatchWave(ctx context.Context) error {
	wave := b.waves[b.current]
	if err := b.tracker.Dispatch(wave...); err != nil {
		b.status = StatusFailed
		return err
	}

	sendErrs := make([]error, len(wave))
	var g errgroup.Group
	g.SetLimit(b.d.cfg.MaxParallelSends)
	for i, cmd := range wave {
		g.Go(func() error {
			sendErrs[i] = b.send(ctx, cmd)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range sendErrs {
		if err != nil {
			b.apply(ctx, speaker.FailureFor(b.key, wave[i], speaker.ErrorSwitchUnavailable, err.Error()))
		}
	}
	return nil
}

func (b *Batch) send(ctx context.Context, cmd speaker.Command) error {
	b.d.metrics.recordSent(string(cmd.Payload.Kind))
	b.d.recorder.Record(ctx, history.Event{
		Kind:    history.KindCommand,
		TaskID:  b.taskID,
		Action:  "Command was sent",
		Details: cmd.String(),
	})
	if err := b.d.sender.Send(ctx, b.key, cmd); err != nil {
		return errors.WrapTransient(err, "Dispatcher", "send", "send command")
	}
	return nil
}

// RevertCommands returns inverse commands for every command the batch executed,
// ordered so that an inverse runs only after the inverses of its dependents.
// Commands that cannot be inverted are skipped.
func (b *Batch) RevertCommands() []speaker.Command {
	inverse := make(map[uuid.UUID]speaker.Command)
	var order []uuid.UUID
	for w := len(b.waves) - 1; w >= 0; w-- {
		for _, cmd := range b.waves[w] {
			if !b.tracker.IsCompleted(cmd.ID) {
				continue
			}
			inv, ok := cmd.Inverse()
			if !ok {
				b.d.logger.Warn("Command cannot be reverted", "key", b.key, "command", cmd.String())
				continue
			}
			inverse[cmd.ID] = inv
			order = append(order, cmd.ID)
		}
	}

	for _, id := range order {
		cmd := b.tracker.completed[id]
		for _, dep := range cmd.DependsOn {
			if depInv, ok := inverse[dep]; ok {
				inverse[dep] = depInv.After(inverse[id].ID)
			}
		}
	}

	out := make([]speaker.Command, 0, len(order))
	for _, id := range order {
		out = append(out, inverse[id])
	}
	return out
}
