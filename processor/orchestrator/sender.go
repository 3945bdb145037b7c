package orchestrator

import (
	"context"
	"encoding/json"

	"golang.org/x/time/rate"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/speaker"
)

// Publisher is the outbound half of the transport.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Sender publishes commands on the per-switch command subject. Sends pass
// through a shared rate limiter and every sent command is tracked for its
// response timeout. It is safe for concurrent use.
type Sender struct {
	client   Publisher
	prefix   string
	limiter  *rate.Limiter
	timeouts *speaker.TimeoutTracker
}

// NewSender creates a Sender. A nil limiter sends without limit; a nil tracker
// disables response timeouts.
func NewSender(client Publisher, prefix string, limiter *rate.Limiter, timeouts *speaker.TimeoutTracker) *Sender {
	return &Sender{client: client, prefix: prefix, limiter: limiter, timeouts: timeouts}
}

// Subject returns the command subject of sw.
func (s *Sender) Subject(cmd speaker.Command) string {
	return s.prefix + "." + string(cmd.SwitchID)
}

// Send implements dispatch.Sender.
func (s *Sender) Send(ctx context.Context, key string, cmd speaker.Command) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return errors.WrapTransient(err, "Sender", "Send", "wait for rate limiter")
		}
	}
	data, err := json.Marshal(speaker.Envelope{Key: key, Command: cmd})
	if err != nil {
		return errors.WrapFatal(err, "Sender", "Send", "marshal command")
	}
	if s.timeouts != nil {
		s.timeouts.Track(key, cmd)
	}
	if err := s.client.Publish(ctx, s.Subject(cmd), data); err != nil {
		if s.timeouts != nil {
			s.timeouts.Resolve(cmd.ID)
		}
		return errors.WrapTransient(err, "Sender", "Send", "publish command")
	}
	return nil
}
