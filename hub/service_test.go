package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/metric"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

// fakeSaga terminates after it has seen the configured number of responses.
type fakeSaga struct {
	key, taskID string
	needed      int
	seen        int
	result      saga.Result
	done        bool
}

func (f *fakeSaga) Key() string           { return f.key }
func (f *fakeSaga) Type() string          { return "fake" }
func (f *fakeSaga) TaskID() string        { return f.taskID }
func (f *fakeSaga) IsTerminated() bool    { return f.done }
func (f *fakeSaga) Result() saga.Result   { return f.result }
func (f *fakeSaga) Start(context.Context) { f.check() }

func (f *fakeSaga) State() saga.State {
	if f.done {
		return f.result.State
	}
	return saga.StateAwaitingResponses
}

func (f *fakeSaga) HandleResponse(_ context.Context, _ speaker.Response) {
	f.seen++
	f.check()
}

func (f *fakeSaga) check() {
	if f.seen >= f.needed {
		f.done = true
	}
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func request(key, correlationID string, f *fakeSaga) Request {
	return Request{
		Key:           key,
		Type:          "flow.create",
		CorrelationID: correlationID,
		New: func(_ saga.Runtime, taskID string) saga.FSM {
			f.key = key
			f.taskID = taskID
			return f
		},
	}
}

func response(key string) speaker.Response {
	return speaker.Response{Key: key, CommandID: uuid.New(), Success: true}
}

func TestService_RequestRunsToCompletion(t *testing.T) {
	n := &recordingNotifier{}
	svc := NewService(0, saga.Runtime{}, NewLifecycle(nil), n)
	ctx := context.Background()

	f := &fakeSaga{needed: 2, result: saga.Result{State: saga.StateCompleted, Success: true}}
	require.NoError(t, svc.HandleRequest(ctx, request("flow-1", "corr-1", f)))
	assert.Equal(t, "corr-1", f.taskID)
	assert.Equal(t, []string{"flow-1"}, svc.Keys())

	svc.HandleResponse(ctx, response("flow-1"))
	assert.Empty(t, n.all())
	svc.HandleResponse(ctx, response("flow-1"))

	assert.Equal(t, 0, svc.Len())
	assert.Equal(t, []Notification{{CorrelationID: "corr-1", Key: "flow-1", Type: "flow.create", Success: true}}, n.all())
}

func TestService_DuplicateKeyIsRejected(t *testing.T) {
	n := &recordingNotifier{}
	svc := NewService(0, saga.Runtime{}, NewLifecycle(nil), n)
	ctx := context.Background()

	require.NoError(t, svc.HandleRequest(ctx, request("flow-1", "corr-1", &fakeSaga{needed: 1})))
	err := svc.HandleRequest(ctx, request("flow-1", "corr-2", &fakeSaga{needed: 1}))

	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeRequestInvalid, errors.TypeOf(err))
	assert.Contains(t, errors.ReasonOf(err), "already in progress")
	require.Len(t, n.all(), 1)
	assert.Equal(t, "corr-2", n.all()[0].CorrelationID)
	assert.Equal(t, "REQUEST_INVALID", n.all()[0].ErrorType)
	assert.Equal(t, 1, svc.Len(), "the running saga is untouched")
}

func TestService_SagaTerminatingOnStartIsRemoved(t *testing.T) {
	n := &recordingNotifier{}
	svc := NewService(0, saga.Runtime{}, NewLifecycle(nil), n)
	f := &fakeSaga{result: saga.Result{
		State: saga.StateFailed, ErrorType: errors.ErrorTypeNotFound, Reason: "Flow flow-1 not found",
	}}

	require.NoError(t, svc.HandleRequest(context.Background(), request("flow-1", "corr-1", f)))

	assert.Equal(t, 0, svc.Len())
	require.Len(t, n.all(), 1)
	assert.False(t, n.all()[0].Success)
	assert.Equal(t, "NOT_FOUND", n.all()[0].ErrorType)
	assert.Equal(t, "Flow flow-1 not found", n.all()[0].Reason)
}

func TestService_UnknownKeyResponseIsDropped(t *testing.T) {
	n := &recordingNotifier{}
	svc := NewService(0, saga.Runtime{}, NewLifecycle(nil), n)
	svc.HandleResponse(context.Background(), response("nobody"))
	svc.HandleTimeout(context.Background(), response("nobody"))
	assert.Empty(t, n.all())
}

func TestService_TimeoutCountsAsResponse(t *testing.T) {
	svc := NewService(0, saga.Runtime{}, NewLifecycle(nil), nil)
	ctx := context.Background()
	f := &fakeSaga{needed: 1, result: saga.Result{State: saga.StateReverted}}
	require.NoError(t, svc.HandleRequest(ctx, request("flow-1", "corr-1", f)))

	timeout := speaker.FailureFor("flow-1", speaker.Command{ID: uuid.New()}, speaker.ErrorOperationTimedOut, "no response")
	svc.HandleTimeout(ctx, timeout)
	assert.True(t, f.done)
	assert.Equal(t, 0, svc.Len())
}

func TestService_InactiveRejectsRequests(t *testing.T) {
	n := &recordingNotifier{}
	lc := NewLifecycle(nil)
	svc := NewService(0, saga.Runtime{}, lc, n)
	require.True(t, lc.Deactivate())

	err := svc.HandleRequest(context.Background(), request("flow-1", "corr-1", &fakeSaga{needed: 1}))
	assert.Equal(t, errors.ErrorTypeNotPermitted, errors.TypeOf(err))
	assert.Equal(t, 0, svc.Len())

	lc.Activate()
	assert.NoError(t, svc.HandleRequest(context.Background(), request("flow-1", "corr-2", &fakeSaga{needed: 1})))
}

func TestLifecycle_InactiveFiresOnceAfterLastSaga(t *testing.T) {
	inactive := 0
	lc := NewLifecycle(func(context.Context) { inactive++ })
	shard0 := NewService(0, saga.Runtime{}, lc, nil)
	shard1 := NewService(1, saga.Runtime{}, lc, nil)
	ctx := context.Background()

	require.NoError(t, shard0.HandleRequest(ctx, request("a", "c1", &fakeSaga{needed: 1})))
	require.NoError(t, shard1.HandleRequest(ctx, request("b", "c2", &fakeSaga{needed: 1})))
	assert.Equal(t, int64(2), lc.Running())

	assert.False(t, lc.Deactivate(), "two sagas are still running")
	shard0.HandleResponse(ctx, response("a"))
	assert.Equal(t, 0, inactive)
	shard1.HandleResponse(ctx, response("b"))
	assert.Equal(t, 1, inactive)
	assert.Equal(t, int64(0), lc.Running())
}

func TestLifecycle_ReactivationCancelsPendingInactive(t *testing.T) {
	inactive := 0
	lc := NewLifecycle(func(context.Context) { inactive++ })
	svc := NewService(0, saga.Runtime{}, lc, nil)
	ctx := context.Background()

	require.NoError(t, svc.HandleRequest(ctx, request("a", "c1", &fakeSaga{needed: 1})))
	assert.False(t, lc.Deactivate())
	lc.Activate()
	svc.HandleResponse(ctx, response("a"))
	assert.Equal(t, 0, inactive)
}

func TestMetrics_CountOutcomes(t *testing.T) {
	m, err := NewMetrics(metric.NewMetricsRegistry())
	require.NoError(t, err)
	svc := NewService(0, saga.Runtime{}, NewLifecycle(nil), nil, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, svc.HandleRequest(ctx, request("a", "c1", &fakeSaga{needed: 1, result: saga.Result{State: saga.StateCompleted, Success: true}})))
	assert.Error(t, svc.HandleRequest(ctx, request("a", "c2", &fakeSaga{needed: 1})))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	svc.HandleResponse(ctx, response("a"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.started.WithLabelValues("flow.create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("flow.create", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("flow.create", "REQUEST_INVALID")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))
}
