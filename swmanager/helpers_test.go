package swmanager

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
)

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
	lags   *persistence.MemoryRepository[*model.LagLogicalPort]
	bfds   *persistence.MemoryRepository[*model.BfdSession]
	res    *resources.Manager
	sink   *history.MemorySink
	sender *captureSender
	rt     saga.Runtime
}

func newHarness(t *testing.T, features model.FeatureToggles) *harness {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	res, err := resources.NewManager(resources.NewMemoryStore(), resources.DefaultConfig(), resources.WithClock(clk))
	require.NoError(t, err)

	h := &harness{
		lags:   persistence.NewMemoryRepository(func() *model.LagLogicalPort { return &model.LagLogicalPort{} }),
		bfds:   persistence.NewMemoryRepository(func() *model.BfdSession { return &model.BfdSession{} }),
		res:    res,
		sink:   history.NewMemorySink(),
		sender: &captureSender{},
	}
	recorder := history.NewRecorder(h.sink, history.WithClock(clk))
	h.rt = saga.Runtime{
		Dispatcher: dispatch.NewDispatcher(h.sender, recorder, dispatch.Config{RetryLimit: 1}),
		History:    recorder,
		Clock:      clk,
	}
	h.svc, err = NewService(h.lags, h.bfds, res, features, DefaultConfig(), nil)
	require.NoError(t, err)
	return h
}

// run starts fsm and answers every sent command with ok until it terminates.
func (h *harness) run(t *testing.T, fsm saga.FSM, ok bool) {
	t.Helper()
	ctx := context.Background()
	fsm.Start(ctx)
	for i := 0; !fsm.IsTerminated(); i++ {
		sent := h.sender.commands()
		require.Less(t, i, len(sent), "saga %s parked in %s", fsm.Key(), fsm.State())
		if ok {
			fsm.HandleResponse(ctx, speaker.SuccessFor(fsm.Key(), sent[i]))
			continue
		}
		fsm.HandleResponse(ctx, speaker.FailureFor(fsm.Key(), sent[i], speaker.ErrorSwitchUnavailable, "switch is offline"))
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
