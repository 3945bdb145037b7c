package history

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/c360/ofsaga/metric"
)

// Sink persists events.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Recorder stamps events and forwards them to a Sink.
type Recorder struct {
	sink     Sink
	clock    clock.PassiveClock
	logger   *slog.Logger
	failures prometheus.Counter
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger.With("component", "history") }
}

// WithMetrics registers a write failure counter.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Recorder) {
		if registry == nil {
			return
		}
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ofsaga",
			Subsystem: "history",
			Name:      "write_failures_total",
			Help:      "History events that could not be persisted",
		})
		if err := registry.RegisterCounter("history", "write_failures_total", counter); err == nil {
			r.failures = counter
		}
	}
}

// NewRecorder creates a Recorder writing to sink.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:   sink,
		clock:  clock.RealClock{},
		logger: slog.Default().With("component", "history"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SaveAction appends a non-error entry.
func (r *Recorder) SaveAction(ctx context.Context, taskID, action, details string) {
	r.Record(ctx, Event{Kind: KindAction, TaskID: taskID, Action: action, Details: details})
}

// SaveError appends an error entry.
func (r *Recorder) SaveError(ctx context.Context, taskID, action, details string) {
	r.Record(ctx, Event{Kind: KindError, TaskID: taskID, Action: action, Details: details, IsError: true})
}

// Record appends an event, filling in the timestamp when unset.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if r == nil || r.sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}
	if event.Kind == KindError {
		event.IsError = true
	}

	if err := r.sink.Append(ctx, event); err != nil {
		r.logger.Warn("Failed to save history event",
			"task_id", event.TaskID, "action", event.Action, "error", err)
		if r.failures != nil {
			r.failures.Inc()
		}
	}
}
