package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ofsaga/flowhs"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/hub"
	"github.com/c360/ofsaga/metric"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/resources"
	"github.com/c360/ofsaga/speaker"
	"github.com/c360/ofsaga/swmanager"
	"github.com/c360/ofsaga/testutil"
)

const (
	sw1 = model.SwitchID("00:00:00:00:00:00:00:01")
	sw2 = model.SwitchID("00:00:00:00:00:00:00:02")
)

type fixture struct {
	client *testutil.MockNATSClient
	proc   *Processor
	flows  *persistence.MemoryRepository[*model.Flow]
	cfg    Config
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := buildFixture(t, cfg)
	require.NoError(t, f.proc.Start(context.Background()))
	return f
}

// buildFixture wires a processor without starting it.
func buildFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	res, err := resources.NewManager(resources.NewMemoryStore(), resources.DefaultConfig())
	require.NoError(t, err)

	f := &fixture{
		client: testutil.NewMockNATSClient(),
		flows:  persistence.NewMemoryRepository(func() *model.Flow { return &model.Flow{} }),
		cfg:    cfg,
	}
	yFlows := persistence.NewMemoryRepository(func() *model.YFlow { return &model.YFlow{} })
	lags := persistence.NewMemoryRepository(func() *model.LagLogicalPort { return &model.LagLogicalPort{} })
	bfds := persistence.NewMemoryRepository(func() *model.BfdSession { return &model.BfdSession{} })
	switches, err := swmanager.NewService(lags, bfds, res, model.AllFeatures(), swmanager.DefaultConfig(), nil)
	require.NoError(t, err)

	f.proc, err = NewProcessor(cfg, Dependencies{
		Client:          f.client,
		Flows:           flowhs.NewService(f.flows, yFlows, res, model.AllFeatures(), nil),
		Switches:        switches,
		History:         history.NewRecorder(history.NewMemorySink()),
		MetricsRegistry: metric.NewMetricsRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.proc.Stop(time.Second) })
	return f
}

// answerCommands makes a fake speaker reply to every command with ok.
func (f *fixture) answerCommands(t *testing.T, ok bool) {
	t.Helper()
	err := f.client.Subscribe(context.Background(), f.cfg.Subjects.Commands+".>", func(ctx context.Context, data []byte) {
		var env speaker.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		resp := speaker.SuccessFor(env.Key, env.Command)
		if !ok {
			resp = speaker.FailureFor(env.Key, env.Command, speaker.ErrorSwitchUnavailable, "offline")
		}
		out, _ := json.Marshal(resp)
		_ = f.client.Publish(ctx, f.cfg.Subjects.Responses, out)
	})
	require.NoError(t, err)
}

func (f *fixture) request(t *testing.T, typ, correlationID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(RequestEnvelope{Type: typ, CorrelationID: correlationID, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, f.client.Publish(context.Background(), f.cfg.Subjects.Requests, data))
}

func (f *fixture) notifications(t *testing.T) []hub.Notification {
	t.Helper()
	var out []hub.Notification
	for _, data := range f.client.GetMessages(f.cfg.Subjects.Notifications) {
		var n hub.Notification
		require.NoError(t, json.Unmarshal(data, &n))
		out = append(out, n)
	}
	return out
}

func testFlow() model.Flow {
	return model.Flow{
		FlowID:      "flow-1",
		Source:      model.Endpoint{SwitchID: sw1, Port: 10},
		Destination: model.Endpoint{SwitchID: sw2, Port: 11},
		Bandwidth:   1000,
		Path:        []model.SwitchID{sw1, sw2},
	}
}

func TestProcessor_FlowCreateEndToEnd(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.answerCommands(t, true)

	f.request(t, RequestFlowCreate, "corr-1", flowhs.FlowCreateRequest{Flow: testFlow()})
	testutil.WaitForMessageCount(t, f.client, f.cfg.Subjects.Notifications, 1, 2*time.Second)

	n := f.notifications(t)
	require.Len(t, n, 1)
	assert.Equal(t, hub.Notification{CorrelationID: "corr-1", Key: flowhs.FlowKey("flow-1"), Type: RequestFlowCreate, Success: true}, n[0])

	stored, err := f.flows.Get(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
	assert.NotEmpty(t, f.client.MessagesMatching(f.cfg.Subjects.Commands+"."+string(sw1)))
	assert.Equal(t, 0, f.proc.Stats().InFlight)
}

func TestProcessor_LagCreateFailureIsReverted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.answerCommands(t, false)

	f.request(t, RequestLagCreate, "corr-1", swmanager.LagCreateRequest{SwitchID: sw1, PhysicalPorts: []int{1, 2}})
	testutil.WaitForMessageCount(t, f.client, f.cfg.Subjects.Notifications, 1, 2*time.Second)

	n := f.notifications(t)[0]
	assert.False(t, n.Success)
	assert.Equal(t, swmanager.LagKey(sw1), n.Key)
	assert.Equal(t, "INTERNAL_ERROR", n.ErrorType)
}

func TestProcessor_SwitchSyncReplaysStoredLag(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.answerCommands(t, true)

	f.request(t, RequestLagCreate, "corr-1", swmanager.LagCreateRequest{SwitchID: sw1, PhysicalPorts: []int{1, 2}})
	testutil.WaitForMessageCount(t, f.client, f.cfg.Subjects.Notifications, 1, 2*time.Second)
	require.True(t, f.notifications(t)[0].Success)

	f.request(t, RequestSwitchSync, "corr-2", swmanager.SwitchSyncRequest{SwitchID: sw1, MissingLagPorts: []uint32{2000}})
	testutil.WaitForMessageCount(t, f.client, f.cfg.Subjects.Notifications, 2, 2*time.Second)

	n := f.notifications(t)[1]
	assert.Equal(t, hub.Notification{CorrelationID: "corr-2", Key: swmanager.SyncKey(sw1), Type: RequestSwitchSync, Success: true}, n)
}

func TestProcessor_InvalidRequestsAreAnswered(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.request(t, "flow.teleport", "corr-1", map[string]string{})
	f.request(t, RequestFlowDelete, "corr-2", map[string]string{})
	require.NoError(t, f.client.Publish(context.Background(), f.cfg.Subjects.Requests, []byte("{not json")))

	n := f.notifications(t)
	require.Len(t, n, 2, "an unparsable envelope has no correlation id to answer")
	assert.Equal(t, "REQUEST_INVALID", n[0].ErrorType)
	assert.Contains(t, n[0].Reason, "Unsupported request type")
	assert.Equal(t, "REQUEST_INVALID", n[1].ErrorType)
	assert.Equal(t, int64(3), f.proc.Stats().Errors)
}

func TestProcessor_CommandTimeoutRevertsSaga(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 20 * time.Millisecond
	cfg.Dispatch.RetryLimit = 0
	f := newFixture(t, cfg)

	f.request(t, RequestBfdCreate, "corr-1", swmanager.BfdCreateRequest{
		SwitchID: sw1, Port: 4, RemoteSwitchID: sw2, RemotePort: 4, IntervalMs: 350, Multiplier: 3,
	})
	testutil.WaitForMessageCount(t, f.client, f.cfg.Subjects.Notifications, 1, 5*time.Second)

	n := f.notifications(t)[0]
	assert.False(t, n.Success)
	assert.Equal(t, swmanager.BfdKey(sw1, 4), n.Key)
}

// heldCommands collects commands without answering them.
type heldCommands struct {
	mu   sync.Mutex
	hold bool
	data [][]byte
}

func (h *heldCommands) handle(_ context.Context, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hold {
		h.data = append(h.data, data)
	}
}

// release stops holding and returns what was held.
func (h *heldCommands) release() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hold = false
	out := h.data
	h.data = nil
	return out
}

func TestProcessor_DeactivateWaitsForRunningSagas(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	held := &heldCommands{hold: true}
	require.NoError(t, f.client.Subscribe(context.Background(), f.cfg.Subjects.Commands+".>", held.handle))

	f.request(t, RequestFlowCreate, "corr-1", flowhs.FlowCreateRequest{Flow: testFlow()})
	testutil.Eventually(t, 2*time.Second, func() bool { return f.proc.Lifecycle().Running() == 1 }, "saga started")

	data, err := json.Marshal(LifecycleMessage{Signal: SignalDeactivate})
	require.NoError(t, err)
	require.NoError(t, f.client.Publish(context.Background(), f.cfg.Subjects.Lifecycle, data))
	assert.False(t, f.proc.Lifecycle().IsActive())
	assert.Equal(t, 1, f.client.GetMessageCount(f.cfg.Subjects.Lifecycle), "only the deactivate signal so far")

	f.request(t, RequestFlowDelete, "corr-2", flowhs.FlowDeleteRequest{FlowID: "other"})
	testutil.Eventually(t, 2*time.Second, func() bool { return len(f.notifications(t)) == 1 }, "rejection notified")
	assert.Equal(t, "NOT_PERMITTED", f.notifications(t)[0].ErrorType)

	f.answerCommands(t, true)
	for _, data := range held.release() {
		var env speaker.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out, err := json.Marshal(speaker.SuccessFor(env.Key, env.Command))
		require.NoError(t, err)
		require.NoError(t, f.client.Publish(context.Background(), f.cfg.Subjects.Responses, out))
	}
	testutil.WaitForMessageCount(t, f.client, f.cfg.Subjects.Lifecycle, 2, 2*time.Second)

	var last LifecycleMessage
	msgs := f.client.GetMessages(f.cfg.Subjects.Lifecycle)
	require.NoError(t, json.Unmarshal(msgs[1], &last))
	assert.Equal(t, SignalInactive, last.Signal)
	assert.True(t, f.notifications(t)[1].Success)
}

// blockingSpeaker answers commands asynchronously. Commands of heldKey are
// held until released; commands of blockKey stall the publisher until gate closes.
type blockingSpeaker struct {
	f        *fixture
	heldKey  string
	blockKey string
	gate     chan struct{}
	entered  chan struct{}
	once     sync.Once

	mu   sync.Mutex
	hold bool
	held []speaker.Envelope
}

func (s *blockingSpeaker) handle(_ context.Context, data []byte) {
	var env speaker.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Key == s.blockKey {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
	}
	s.mu.Lock()
	if s.hold && env.Key == s.heldKey {
		s.held = append(s.held, env)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go s.answer(env)
}

func (s *blockingSpeaker) answer(env speaker.Envelope) {
	out, _ := json.Marshal(speaker.SuccessFor(env.Key, env.Command))
	_ = s.f.client.Publish(context.Background(), s.f.cfg.Subjects.Responses, out)
}

func (s *blockingSpeaker) release() []speaker.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = false
	out := s.held
	s.held = nil
	return out
}

func TestProcessor_ResponsesWaitForQueueSpace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	cfg.QueueSize = 1
	cfg.CommandTimeout = 0
	f := newFixture(t, cfg)

	sp := &blockingSpeaker{
		f:        f,
		heldKey:  flowhs.FlowKey("flow-1"),
		blockKey: flowhs.FlowKey("flow-2"),
		gate:     make(chan struct{}),
		entered:  make(chan struct{}),
		hold:     true,
	}
	require.NoError(t, f.client.Subscribe(context.Background(), f.cfg.Subjects.Commands+".>", sp.handle))

	flow := func(id string) flowhs.FlowCreateRequest {
		fl := testFlow()
		fl.FlowID = id
		return flowhs.FlowCreateRequest{Flow: fl}
	}

	f.request(t, RequestFlowCreate, "corr-1", flow("flow-1"))
	testutil.Eventually(t, 2*time.Second, func() bool {
		sp.mu.Lock()
		defer sp.mu.Unlock()
		return len(sp.held) > 0
	}, "flow-1 commands held")

	// flow-2 stalls the only partition while publishing; flow-3 fills its queue
	f.request(t, RequestFlowCreate, "corr-2", flow("flow-2"))
	select {
	case <-sp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("flow-2 commands were not published")
	}
	f.request(t, RequestFlowCreate, "corr-3", flow("flow-3"))
	require.Equal(t, 1, f.proc.Stats().Pool.QueueDepth)

	for _, env := range sp.release() {
		go sp.answer(env)
	}
	time.Sleep(20 * time.Millisecond)
	close(sp.gate)

	testutil.Eventually(t, 5*time.Second, func() bool { return len(f.notifications(t)) == 3 }, "all sagas notified")
	for _, n := range f.notifications(t) {
		assert.True(t, n.Success, "saga %s failed: %s", n.Key, n.Reason)
	}
	assert.Zero(t, f.proc.Lifecycle().Running())
	assert.Zero(t, f.proc.Stats().Pool.Dropped)
}

func TestProcessor_StopDrainsAfterShutdownSignal(t *testing.T) {
	f := buildFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.proc.Start(ctx))

	held := &heldCommands{hold: true}
	require.NoError(t, f.client.Subscribe(context.Background(), f.cfg.Subjects.Commands+".>", held.handle))
	f.request(t, RequestFlowCreate, "corr-1", flowhs.FlowCreateRequest{Flow: testFlow()})
	testutil.Eventually(t, 2*time.Second, func() bool {
		held.mu.Lock()
		defer held.mu.Unlock()
		return len(held.data) > 0
	}, "commands held")

	cancel()
	for _, data := range held.release() {
		var env speaker.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out, err := json.Marshal(speaker.SuccessFor(env.Key, env.Command))
		require.NoError(t, err)
		require.NoError(t, f.client.Publish(context.Background(), f.cfg.Subjects.Responses, out))
	}

	require.NoError(t, f.proc.Stop(time.Second))
	stats := f.proc.Stats().Pool
	assert.Equal(t, stats.Submitted, stats.Processed, "queued responses are processed before stop returns")
}

func TestProcessor_RunningKeys(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	held := &heldCommands{hold: true}
	require.NoError(t, f.client.Subscribe(context.Background(), f.cfg.Subjects.Commands+".>", held.handle))

	keys, err := f.proc.RunningKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	second := testFlow()
	second.FlowID = "flow-2"
	f.request(t, RequestFlowCreate, "corr-1", flowhs.FlowCreateRequest{Flow: testFlow()})
	f.request(t, RequestFlowCreate, "corr-2", flowhs.FlowCreateRequest{Flow: second})
	testutil.Eventually(t, 2*time.Second, func() bool { return f.proc.Lifecycle().Running() == 2 }, "sagas started")

	keys, err = f.proc.RunningKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{flowhs.FlowKey("flow-1"), flowhs.FlowKey("flow-2")}, keys)
}

func TestProcessor_RunningKeysTimesOutOnStalledShard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 1
	f := newFixture(t, cfg)

	sp := &blockingSpeaker{
		f:        f,
		blockKey: flowhs.FlowKey("flow-1"),
		gate:     make(chan struct{}),
		entered:  make(chan struct{}),
	}
	require.NoError(t, f.client.Subscribe(context.Background(), f.cfg.Subjects.Commands+".>", sp.handle))
	f.request(t, RequestFlowCreate, "corr-1", flowhs.FlowCreateRequest{Flow: testFlow()})
	select {
	case <-sp.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("flow-1 commands were not published")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.proc.RunningKeys(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(sp.gate)
	testutil.Eventually(t, 2*time.Second, func() bool { return len(f.notifications(t)) == 1 }, "saga finished")
}
