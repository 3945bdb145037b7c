package flowhs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/c360/ofsaga/dispatch"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/resources"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

const (
	sw1 = model.SwitchID("00:00:00:00:00:00:00:01")
	sw2 = model.SwitchID("00:00:00:00:00:00:00:02")
	sw3 = model.SwitchID("00:00:00:00:00:00:00:03")
	sw4 = model.SwitchID("00:00:00:00:00:00:00:04")
	sw5 = model.SwitchID("00:00:00:00:00:00:00:05")
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type captureSender struct {
	mu   sync.Mutex
	sent []speaker.Command
}

func (s *captureSender) Send(_ context.Context, _ string, cmd speaker.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *captureSender) commands() []speaker.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speaker.Command(nil), s.sent...)
}

type harness struct {
	svc    *Service
	flows  *persistence.MemoryRepository[*model.Flow]
	yFlows *persistence.MemoryRepository[*model.YFlow]
	res    *resources.Manager
	sink   *history.MemorySink
	sender *captureSender
	rt     saga.Runtime
}

func newHarness(t *testing.T, retryLimit int, features model.FeatureToggles) *harness {
	t.Helper()
	return newHarnessWithPools(t, retryLimit, features, resources.DefaultConfig())
}

func newHarnessWithPools(t *testing.T, retryLimit int, features model.FeatureToggles, pools resources.Config) *harness {
	t.Helper()
	clk := testclock.NewFakeClock(epoch)
	res, err := resources.NewManager(resources.NewMemoryStore(), pools, resources.WithClock(clk))
	require.NoError(t, err)

	h := &harness{
		flows:  persistence.NewMemoryRepository(func() *model.Flow { return &model.Flow{} }),
		yFlows: persistence.NewMemoryRepository(func() *model.YFlow { return &model.YFlow{} }),
		res:    res,
		sink:   history.NewMemorySink(),
		sender: &captureSender{},
	}
	recorder := history.NewRecorder(h.sink, history.WithClock(clk))
	h.rt = saga.Runtime{
		Dispatcher: dispatch.NewDispatcher(h.sender, recorder, dispatch.Config{RetryLimit: retryLimit}),
		History:    recorder,
		Clock:      clk,
	}
	h.svc = NewService(h.flows, h.yFlows, res, features, nil)
	return h
}

// run starts fsm and answers every command sent until the saga terminates.
// ok decides the outcome of each send.
func (h *harness) run(t *testing.T, fsm saga.FSM, ok func(speaker.Command) bool) {
	t.Helper()
	ctx := context.Background()
	fsm.Start(ctx)
	for i := 0; !fsm.IsTerminated(); i++ {
		sent := h.sender.commands()
		require.Less(t, i, len(sent), "saga %s parked in %s with nothing to answer", fsm.Key(), fsm.State())
		cmd := sent[i]
		if ok == nil || ok(cmd) {
			fsm.HandleResponse(ctx, speaker.SuccessFor(fsm.Key(), cmd))
			continue
		}
		fsm.HandleResponse(ctx, speaker.FailureFor(fsm.Key(), cmd, speaker.ErrorSwitchUnavailable, "switch is offline"))
	}
}

func (h *harness) entries(taskID, action string) []history.Event {
	var out []history.Event
	for _, e := range h.sink.Events(taskID) {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) resourceEntries(taskID string) []history.Event {
	var out []history.Event
	for _, e := range h.sink.Events(taskID) {
		if e.Kind == history.KindResource {
			out = append(out, e)
		}
	}
	return out
}

func role(cmd speaker.Command) string {
	return cmd.Payload.Descriptor["role"]
}

// raceRepository runs before ahead of the first Create, standing in for a
// concurrent writer.
type raceRepository struct {
	persistence.Repository[*model.Flow]
	before func()
	once   *sync.Once
}

func (r raceRepository) Create(ctx context.Context, f *model.Flow) error {
	r.once.Do(r.before)
	return r.Repository.Create(ctx, f)
}
