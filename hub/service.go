package hub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

// Factory builds the saga serving a request.
type Factory func(rt saga.Runtime, taskID string) saga.FSM

// Request is a decoded northbound request. Key must equal the key of the saga
// New builds.
type Request struct {
	Key           string
	Type          string
	CorrelationID string
	New           Factory
}

// Notification reports the outcome of a request.
type Notification struct {
	CorrelationID string `json:"correlation_id"`
	Key           string `json:"key"`
	Type          string `json:"type"`
	Success       bool   `json:"success"`
	ErrorType     string `json:"error_type,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Notifier delivers completion notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

type running struct {
	fsm           saga.FSM
	typ           string
	correlationID string
}

// Service is one hub shard. It owns the sagas of the keys routed to its
// partition and must only be called from that partition's goroutine.
type Service struct {
	partition int
	rt        saga.Runtime
	register  *saga.Register
	requests  map[string]running
	lifecycle *Lifecycle
	notifier  Notifier
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records saga outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the shard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the shard serving partition.
func NewService(partition int, rt saga.Runtime, lifecycle *Lifecycle, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		partition: partition,
		register:  saga.NewRegister(),
		requests:  make(map[string]running),
		lifecycle: lifecycle,
		notifier:  notifier,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "hub", "partition", partition)
	if rt.Logger == nil {
		rt.Logger = s.logger
	}
	s.rt = rt
	return s
}

// HandleRequest starts the saga for req. A rejected request is answered with a
// failed notification and the rejection is returned.
func (s *Service) HandleRequest(ctx context.Context, req Request) error {
	if err := s.admit(req); err != nil {
		s.logger.Warn("Request rejected", "key", req.Key, "type", req.Type, "error", err)
		s.metrics.recordRejected(req.Type, errors.TypeOf(err).String())
		s.notify(ctx, Notification{
			CorrelationID: req.CorrelationID,
			Key:           req.Key,
			Type:          req.Type,
			ErrorType:     errors.TypeOf(err).String(),
			Reason:        errors.ReasonOf(err),
		})
		return err
	}

	fsm := req.New(s.rt, req.CorrelationID)
	if fsm.Key() != req.Key {
		return errors.WrapFatal(fmt.Errorf("saga key %q does not match request key %q", fsm.Key(), req.Key),
			"hub", "HandleRequest", "start saga")
	}
	if err := s.register.Register(req.Key, fsm); err != nil {
		return err
	}
	s.requests[req.Key] = running{fsm: fsm, typ: req.Type, correlationID: req.CorrelationID}
	s.lifecycle.begin()
	s.metrics.recordStarted(req.Type)
	s.logger.Info("Saga started", "key", req.Key, "type", req.Type, "task_id", fsm.TaskID())

	fsm.Start(ctx)
	s.removeIfCompleted(ctx, req.Key)
	return nil
}

func (s *Service) admit(req Request) error {
	if !s.lifecycle.IsActive() {
		return errors.NotPermitted("Service is inactive, %s request for %s rejected", req.Type, req.Key)
	}
	if s.register.Has(req.Key) {
		return errors.RequestInvalid("Operation for %s is already in progress", req.Key)
	}
	if req.New == nil {
		return errors.RequestInvalid("Unsupported request type %q", req.Type)
	}
	return nil
}

// HandleResponse routes a speaker response to the saga owning its key.
func (s *Service) HandleResponse(ctx context.Context, resp speaker.Response) {
	fsm, ok := s.register.Get(resp.Key)
	if !ok {
		s.logger.Warn("Response for unknown key", "key", resp.Key, "command_id", resp.CommandID)
		return
	}
	fsm.HandleResponse(ctx, resp)
	s.removeIfCompleted(ctx, resp.Key)
}

// HandleTimeout feeds a synthesised timeout into the saga owning its key. It is
// handled as a failed response.
func (s *Service) HandleTimeout(ctx context.Context, resp speaker.Response) {
	s.logger.Warn("Command timed out", "key", resp.Key, "command_id", resp.CommandID, "switch_id", resp.SwitchID)
	s.HandleResponse(ctx, resp)
}

// Keys returns the keys of the running sagas.
func (s *Service) Keys() []string { return s.register.Keys() }

// Len returns the number of running sagas.
func (s *Service) Len() int { return s.register.Len() }

func (s *Service) removeIfCompleted(ctx context.Context, key string) {
	fsm, ok := s.register.Get(key)
	if !ok || !fsm.IsTerminated() {
		return
	}
	s.register.Unregister(key)
	req := s.requests[key]
	delete(s.requests, key)

	res := fsm.Result()
	n := Notification{
		CorrelationID: req.correlationID,
		Key:           key,
		Type:          req.typ,
		Success:       res.Success,
	}
	if !res.Success {
		n.ErrorType = res.ErrorType.String()
		n.Reason = res.Reason
	}
	s.metrics.recordFinished(req.typ, res.State.String(), res.Duration.Seconds())
	s.logger.Info("Saga completed", "key", key, "type", req.typ, "state", res.State, "success", res.Success)
	s.notify(ctx, n)
	s.lifecycle.end(ctx)
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, n)
	}
}
