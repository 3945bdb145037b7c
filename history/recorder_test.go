package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/c360/ofsaga/metric"
)

type failingSink struct{ calls int }

func (f *failingSink) Append(context.Context, Event) error {
	f.calls++
	return errors.New("stream unavailable")
}

func TestRecorder_StampsAndAppends(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewFakeClock(now)
	sink := NewMemorySink()
	rec := NewRecorder(sink, WithClock(clk))
	ctx := context.Background()

	rec.SaveAction(ctx, "task-1", "Y-flow was validated successfully", "")
	clk.Step(time.Second)
	rec.SaveError(ctx, "task-1", "Failed to deallocate resources", "meter 33")
	rec.SaveAction(ctx, "task-2", "other", "")

	events := sink.Events("task-1")
	require.Len(t, events, 2)
	assert.Equal(t, KindAction, events[0].Kind)
	assert.Equal(t, now, events[0].Timestamp)
	assert.False(t, events[0].IsError)
	assert.Equal(t, KindError, events[1].Kind)
	assert.True(t, events[1].IsError)
	assert.Equal(t, now.Add(time.Second), events[1].Timestamp)

	assert.Len(t, sink.Errors("task-1"), 1)
	assert.Equal(t, 3, sink.Len())
}

func TestRecorder_SinkFailureIsSwallowed(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	sink := &failingSink{}
	rec := NewRecorder(sink, WithMetrics(registry))

	assert.NotPanics(t, func() {
		rec.SaveAction(context.Background(), "task", "Flow was created", "")
		rec.Record(context.Background(), Event{Kind: KindCommand, TaskID: "task", Action: "sent"})
	})
	assert.Equal(t, 2, sink.calls)

	var m dto.Metric
	require.NoError(t, rec.failures.Write(&m))
	assert.Equal(t, 2.0, m.GetCounter().GetValue())
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() { rec.SaveAction(context.Background(), "t", "a", "d") })
}

type fakeStreamClient struct {
	streams   []jetstream.StreamConfig
	published map[string][][]byte
}

func (f *fakeStreamClient) CreateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.streams = append(f.streams, cfg)
	return nil, nil
}

func (f *fakeStreamClient) PublishToStream(_ context.Context, subject string, data []byte) error {
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[subject] = append(f.published[subject], data)
	return nil
}

func TestStreamSink_Append(t *testing.T) {
	client := &fakeStreamClient{}
	sink, err := NewStreamSink(context.Background(), client, "OFSAGA_HISTORY", "ofsaga.history", time.Hour)
	require.NoError(t, err)

	require.Len(t, client.streams, 1)
	assert.Equal(t, []string{"ofsaga.history.>"}, client.streams[0].Subjects)

	require.NoError(t, sink.Append(context.Background(), Event{Kind: KindAction, TaskID: "flow.1", Action: "x"}))
	assert.Len(t, client.published["ofsaga.history.flow_1"], 1)
	assert.Contains(t, string(client.published["ofsaga.history.flow_1"][0]), `"action":"x"`)
}
