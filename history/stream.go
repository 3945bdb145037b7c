package history

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ofsaga/errors"
)

// StreamPublisher is the subset of natsclient.Client the stream sink needs.
type StreamPublisher interface {
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// StreamSink appends events to a JetStream stream, one subject per task:
// <prefix>.<taskID>.
type StreamSink struct {
	client StreamPublisher
	prefix string
}

// NewStreamSink creates the backing stream if needed and returns a sink on it.
func NewStreamSink(ctx context.Context, client StreamPublisher, streamName, subjectPrefix string, maxAge time.Duration) (*StreamSink, error) {
	_, err := client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "history", "NewStreamSink", "create history stream")
	}
	return &StreamSink{client: client, prefix: subjectPrefix}, nil
}

// Append implements Sink.
func (s *StreamSink) Append(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.WrapInvalid(err, "history", "Append", "marshal event")
	}
	if err := s.client.PublishToStream(ctx, s.Subject(event.TaskID), data); err != nil {
		return errors.WrapTransient(err, "history", "Append", "publish event")
	}
	return nil
}

// Subject returns the stream subject for a task. Dots and wildcards are
// replaced so a task id always maps to a single token.
func (s *StreamSink) Subject(taskID string) string {
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(taskID)
	return s.prefix + "." + token
}
