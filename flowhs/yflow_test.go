package flowhs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

func testYFlow() model.YFlow {
	return model.YFlow{
		YFlowID:        "y1",
		SharedEndpoint: model.Endpoint{SwitchID: sw1, Port: 10},
		Bandwidth:      5000,
		YPoint:         sw2,
		SubFlows: []model.SubFlow{
			{FlowID: "y1-a", Endpoint: model.Endpoint{SwitchID: sw3, Port: 1}, Path: []model.SwitchID{sw1, sw2, sw3}},
			{FlowID: "y1-b", Endpoint: model.Endpoint{SwitchID: sw4, Port: 1}, Path: []model.SwitchID{sw1, sw2, sw4}},
		},
	}
}

// storeYFlow persists y with meters held on the shared endpoint and y-point,
// together with its sub-flow records.
func storeYFlow(t *testing.T, h *harness, y model.YFlow, status model.Status) {
	t.Helper()
	stored := storeYFlowOnly(t, h, y, status)
	for i := range stored.SubFlows {
		require.NoError(t, h.flows.Create(context.Background(), stored.SubFlowRecord(i)))
	}
}

// storeYFlowOnly persists y without sub-flow records.
func storeYFlowOnly(t *testing.T, h *harness, y model.YFlow, status model.Status) *model.YFlow {
	t.Helper()
	ctx := context.Background()
	if y.Bandwidth > 0 {
		shared, err := h.res.AllocateMeter(ctx, y.YFlowID, y.SharedEndpoint.SwitchID, y.Bandwidth)
		require.NoError(t, err)
		main, err := h.res.AllocateMeter(ctx, y.YFlowID, y.YPoint, y.Bandwidth)
		require.NoError(t, err)
		y.SharedEndpointMeterID = shared.ResourceID
		y.YPointMeterID = main.ResourceID
	}
	for i := range y.SubFlows {
		y.SubFlows[i].Cookie = newCookie(y.SubFlows[i].FlowID, 0)
	}
	y.Status = status
	require.NoError(t, h.yFlows.Create(ctx, &y))
	return &y
}

func requireNoSubFlows(t *testing.T, h *harness, ids ...string) {
	t.Helper()
	for _, id := range ids {
		exists, err := h.flows.Exists(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, exists, "sub-flow %s still stored", id)
	}
}

func details(events []history.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Details
	}
	return out
}

func meterDetails(sw model.SwitchID, id string) string {
	return "The meter " + string(sw) + " / " + id + " was deallocated"
}

func TestYFlowCreate_InstallsAndCommits(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()

	fsm := h.svc.NewYFlowCreate(h.rt, "task-1", YFlowCreateRequest{YFlow: testYFlow()})
	h.run(t, fsm, nil)

	require.Equal(t, saga.StateCompleted, fsm.State())
	stored, err := h.yFlows.Get(ctx, "y1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
	assert.Equal(t, uint32(32), stored.SharedEndpointMeterID)
	assert.Equal(t, uint32(32), stored.YPointMeterID)
	assert.NotZero(t, stored.SubFlows[0].Cookie)
	assert.NotEqual(t, stored.SubFlows[0].Cookie, stored.SubFlows[1].Cookie)
	assert.Len(t, h.sender.commands(), 2+2*3, "two meters and three rules per sub-flow")
	assert.Len(t, h.entries("task-1", "Y-flow was validated successfully"), 1)

	for i, sf := range stored.SubFlows {
		rec, err := h.flows.Get(ctx, sf.FlowID)
		require.NoError(t, err)
		assert.Equal(t, "y1", rec.YFlowID)
		assert.Equal(t, model.StatusUp, rec.Status)
		assert.Equal(t, sf.Cookie, rec.Cookie)
		assert.Equal(t, stored.SubFlows[i].Path, rec.Path)
	}
}

func TestYFlowCreate_SubFlowIdsAreUnique(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	h.run(t, h.svc.NewYFlowCreate(h.rt, "task-1", YFlowCreateRequest{YFlow: testYFlow()}), nil)

	second := testYFlow()
	second.YFlowID = "y2"
	fsm := h.svc.NewYFlowCreate(h.rt, "task-2", YFlowCreateRequest{YFlow: second})
	h.run(t, fsm, nil)
	assert.Equal(t, saga.StateFailed, fsm.State())
	assert.Equal(t, errors.ErrorTypeRequestInvalid, fsm.Result().ErrorType)
	assert.Equal(t, "Flow y1-a already exists", fsm.Result().Reason)

	plain := testFlow()
	plain.FlowID = "y1-a"
	plain.Source = model.Endpoint{SwitchID: sw1, Port: 20}
	fsm = h.svc.NewFlowCreate(h.rt, "task-3", FlowCreateRequest{Flow: plain})
	h.run(t, fsm, nil)
	assert.Equal(t, saga.StateFailed, fsm.State())
	assert.Equal(t, "Flow y1-a already exists", fsm.Result().Reason)

	owned := testFlow()
	owned.YFlowID = "y1"
	fsm = h.svc.NewFlowCreate(h.rt, "task-4", FlowCreateRequest{Flow: owned})
	h.run(t, fsm, nil)
	assert.Equal(t, saga.StateFailed, fsm.State())
	assert.Equal(t, "Flow flow-1 cannot be created as a sub-flow of the y-flow y1", fsm.Result().Reason)

	rec, err := h.flows.Get(ctx, "y1-a")
	require.NoError(t, err)
	assert.Equal(t, "y1", rec.YFlowID)
	exists, err := h.yFlows.Exists(ctx, "y2")
	require.NoError(t, err)
	assert.False(t, exists)
}

// A flow stored under a sub-flow id between validation and allocation fails
// the y-flow and leaves no records of it behind.
func TestYFlowCreate_SubFlowTakenDuringAllocation(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()

	fsm := h.svc.NewYFlowCreate(h.rt, "task-1", YFlowCreateRequest{YFlow: testYFlow()})
	taken := testFlow()
	taken.FlowID = "y1-b"
	h.svc.flows = raceRepository{Repository: h.flows, once: &sync.Once{}, before: func() {
		_ = h.flows.Create(ctx, taken.Clone())
	}}
	h.run(t, fsm, nil)

	assert.Equal(t, saga.StateReverted, fsm.State())
	assert.Equal(t, "Flow y1-b already exists", fsm.Result().Reason)
	requireNoSubFlows(t, h, "y1-a")
	rec, err := h.flows.Get(ctx, "y1-b")
	require.NoError(t, err)
	assert.Empty(t, rec.YFlowID, "the competing flow is left alone")
	exists, err := h.yFlows.Exists(ctx, "y1")
	require.NoError(t, err)
	assert.False(t, exists)
}

// A shared endpoint meter then a main path meter are allocated and every
// command gives up: the main path meter is released first.
func TestYFlowCreate_GiveUpReleasesMetersInReverseOrder(t *testing.T) {
	h := newHarness(t, 1, model.AllFeatures())
	ctx := context.Background()

	fsm := h.svc.NewYFlowCreate(h.rt, "task-1", YFlowCreateRequest{YFlow: testYFlow()})
	h.run(t, fsm, func(speaker.Command) bool { return false })

	require.Equal(t, saga.StateReverted, fsm.State())
	assert.False(t, fsm.Result().Success)

	allocated := h.resourceEntries("task-1")
	require.Len(t, allocated, 2)
	assert.Contains(t, allocated[0].Details, string(sw1))
	assert.Contains(t, allocated[1].Details, string(sw2))

	released := h.entries("task-1", "The meter was deallocated")
	require.Len(t, released, 2)
	for _, e := range released {
		assert.True(t, e.IsError)
	}
	assert.Equal(t, []string{meterDetails(sw2, "32"), meterDetails(sw1, "32")}, details(released))

	owned, err := h.res.AllocationsOwnedBy(ctx, "y1")
	require.NoError(t, err)
	assert.Empty(t, owned)
	exists, err := h.yFlows.Exists(ctx, "y1")
	require.NoError(t, err)
	assert.False(t, exists, "the created y-flow is removed")
	requireNoSubFlows(t, h, "y1-a", "y1-b")
}

func TestYFlowCreate_Rejections(t *testing.T) {
	single := testYFlow()
	single.SubFlows = single.SubFlows[:1]

	tests := []struct {
		name     string
		features model.FeatureToggles
		yFlow    model.YFlow
		wantType errors.ErrorType
		reason   string
	}{
		{"feature disabled", model.FeatureToggles{}, testYFlow(), errors.ErrorTypeNotPermitted, "Y-flow create feature is disabled"},
		{"single sub-flow", model.AllFeatures(), single, errors.ErrorTypeRequestInvalid, "The number of sub-flows of the y-flow y1 is less then 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, tt.features)
			fsm := h.svc.NewYFlowCreate(h.rt, "task-1", YFlowCreateRequest{YFlow: tt.yFlow})
			h.run(t, fsm, nil)

			assert.Equal(t, saga.StateFailed, fsm.State())
			assert.Equal(t, tt.wantType, fsm.Result().ErrorType)
			assert.Equal(t, tt.reason, fsm.Result().Reason)
		})
	}
}

func TestYFlowReroute_InProgressIsRejectedWithoutAllocation(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	storeYFlow(t, h, testYFlow(), model.StatusInProgress)

	fsm := h.svc.NewYFlowReroute(h.rt, "task-1", YFlowRerouteRequest{YFlowID: "y1"})
	h.run(t, fsm, nil)

	require.True(t, fsm.IsTerminated())
	assert.Equal(t, saga.StateFailed, fsm.State())
	assert.Equal(t, errors.ErrorTypeRequestInvalid, fsm.Result().ErrorType)
	assert.Equal(t, "Y-flow y1 is in progress now", fsm.Result().Reason)
	assert.Empty(t, h.resourceEntries("task-1"))
	assert.Empty(t, h.sender.commands())

	owned, err := h.res.AllocationsOwnedBy(ctx, "y1")
	require.NoError(t, err)
	assert.Len(t, owned, 2, "only the meters the y-flow already held")
}

func TestYFlowReroute_ValidationErrors(t *testing.T) {
	single := testYFlow()
	single.SubFlows = single.SubFlows[:1]
	empty := testYFlow()
	empty.SubFlows = nil

	full := testYFlow()

	tests := []struct {
		name           string
		features       model.FeatureToggles
		stored         *model.YFlow
		withoutRecords bool
		wantType       errors.ErrorType
		reason         string
	}{
		{"feature disabled", model.FeatureToggles{}, nil, false, errors.ErrorTypeNotPermitted, "Y-flow reroute feature is disabled"},
		{"missing", model.AllFeatures(), nil, false, errors.ErrorTypeNotFound, "Y-flow y1 not found"},
		{"no sub-flows", model.AllFeatures(), &empty, false, errors.ErrorTypeDataInvalid, "Any sub-flow of the y-flow y1 not found"},
		{"sub-flow records missing", model.AllFeatures(), &full, true, errors.ErrorTypeDataInvalid, "Any sub-flow of the y-flow y1 not found"},
		{"single sub-flow", model.AllFeatures(), &single, false, errors.ErrorTypeDataInvalid, "The number of sub-flows of the y-flow y1 is less then 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, tt.features)
			switch {
			case tt.stored != nil && tt.withoutRecords:
				storeYFlowOnly(t, h, *tt.stored, model.StatusUp)
			case tt.stored != nil:
				storeYFlow(t, h, *tt.stored, model.StatusUp)
			}
			fsm := h.svc.NewYFlowReroute(h.rt, "task-1", YFlowRerouteRequest{YFlowID: "y1", Force: true})
			h.run(t, fsm, nil)

			assert.Equal(t, saga.StateFailed, fsm.State())
			assert.Equal(t, tt.wantType, fsm.Result().ErrorType)
			assert.Equal(t, tt.reason, fsm.Result().Reason)
			assert.Empty(t, h.resourceEntries("task-1"))
		})
	}
}

func TestYFlowReroute_MovesSubFlowAndReleasesOldMeters(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	storeYFlow(t, h, testYFlow(), model.StatusUp)

	fsm := h.svc.NewYFlowReroute(h.rt, "task-1", YFlowRerouteRequest{
		YFlowID:      "y1",
		Paths:        map[string][]model.SwitchID{"y1-b": {sw1, sw2, sw5, sw4}},
		AffectedIsls: []model.IslEndpoint{{SwitchID: sw4, Port: 3}},
	})
	h.run(t, fsm, nil)

	require.Equal(t, saga.StateCompleted, fsm.State())
	stored, err := h.yFlows.Get(ctx, "y1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
	assert.Equal(t, []model.SwitchID{sw1, sw2, sw5, sw4}, stored.SubFlows[1].Path)
	assert.Equal(t, uint32(33), stored.SharedEndpointMeterID)
	assert.Equal(t, uint32(33), stored.YPointMeterID)
	assert.NotEqual(t, newCookie("y1-a", 0), stored.SubFlows[0].Cookie)

	rec, err := h.flows.Get(ctx, "y1-b")
	require.NoError(t, err)
	assert.Equal(t, []model.SwitchID{sw1, sw2, sw5, sw4}, rec.Path)
	assert.Equal(t, stored.SubFlows[1].Cookie, rec.Cookie)

	released := h.entries("task-1", "The meter was deallocated")
	require.Len(t, released, 2)
	assert.False(t, released[0].IsError)
	assert.Equal(t, []string{meterDetails(sw1, "32"), meterDetails(sw2, "32")}, details(released))

	owned, err := h.res.AllocationsOwnedBy(ctx, "y1")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	for _, a := range owned {
		assert.Equal(t, uint32(33), a.ResourceID)
	}
}

func TestYFlowReroute_UntouchedIslIsNoop(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	storeYFlow(t, h, testYFlow(), model.StatusUp)

	fsm := h.svc.NewYFlowReroute(h.rt, "task-1", YFlowRerouteRequest{
		YFlowID:      "y1",
		Paths:        map[string][]model.SwitchID{"y1-b": {sw1, sw2, sw5, sw4}},
		AffectedIsls: []model.IslEndpoint{{SwitchID: "00:00:00:00:00:00:00:09", Port: 1}},
	})
	h.run(t, fsm, nil)

	assert.Equal(t, saga.StateCompleted, fsm.State())
	assert.Empty(t, h.sender.commands())
	stored, err := h.yFlows.Get(context.Background(), "y1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
	assert.Equal(t, []model.SwitchID{sw1, sw2, sw4}, stored.SubFlows[1].Path)
}

func TestYFlowUpdate_ReplacesDefinition(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	storeYFlow(t, h, testYFlow(), model.StatusUp)

	next := testYFlow()
	next.Bandwidth = 8000
	fsm := h.svc.NewYFlowUpdate(h.rt, "task-1", YFlowUpdateRequest{YFlow: next})
	h.run(t, fsm, nil)

	require.Equal(t, saga.StateCompleted, fsm.State())
	stored, err := h.yFlows.Get(ctx, "y1")
	require.NoError(t, err)
	assert.Equal(t, int64(8000), stored.Bandwidth)
	assert.Equal(t, model.StatusUp, stored.Status)
	owned, err := h.res.AllocationsOwnedBy(ctx, "y1")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, int64(8000), owned[0].Bandwidth)
}

func TestYFlowUpdate_ReplacesSubFlowRecords(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	storeYFlow(t, h, testYFlow(), model.StatusUp)

	next := testYFlow()
	next.SubFlows[1] = model.SubFlow{FlowID: "y1-c", Endpoint: model.Endpoint{SwitchID: sw5, Port: 1}, Path: []model.SwitchID{sw1, sw2, sw5}}
	fsm := h.svc.NewYFlowUpdate(h.rt, "task-1", YFlowUpdateRequest{YFlow: next})
	h.run(t, fsm, nil)

	require.Equal(t, saga.StateCompleted, fsm.State())
	requireNoSubFlows(t, h, "y1-b")
	rec, err := h.flows.Get(ctx, "y1-c")
	require.NoError(t, err)
	assert.Equal(t, "y1", rec.YFlowID)
	assert.Equal(t, model.StatusUp, rec.Status)
}

func TestYFlowUpdate_AddedSubFlowMustBeFree(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	storeYFlow(t, h, testYFlow(), model.StatusUp)
	other := testFlow()
	other.FlowID = "y1-c"
	require.NoError(t, h.flows.Create(ctx, &other))

	next := testYFlow()
	next.SubFlows[1] = model.SubFlow{FlowID: "y1-c", Endpoint: model.Endpoint{SwitchID: sw5, Port: 1}, Path: []model.SwitchID{sw1, sw2, sw5}}
	fsm := h.svc.NewYFlowUpdate(h.rt, "task-1", YFlowUpdateRequest{YFlow: next})
	h.run(t, fsm, nil)

	assert.Equal(t, saga.StateFailed, fsm.State())
	assert.Equal(t, "Flow y1-c already exists", fsm.Result().Reason)
	stored, err := h.yFlows.Get(ctx, "y1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
	rec, err := h.flows.Get(ctx, "y1-b")
	require.NoError(t, err)
	assert.Equal(t, "y1", rec.YFlowID)
}

func TestYFlowDelete(t *testing.T) {
	t.Run("releases meters", func(t *testing.T) {
		h := newHarness(t, 3, model.AllFeatures())
		ctx := context.Background()
		storeYFlow(t, h, testYFlow(), model.StatusUp)

		fsm := h.svc.NewYFlowDelete(h.rt, "task-1", YFlowDeleteRequest{YFlowID: "y1"})
		h.run(t, fsm, nil)

		require.Equal(t, saga.StateCompleted, fsm.State())
		exists, err := h.yFlows.Exists(ctx, "y1")
		require.NoError(t, err)
		assert.False(t, exists)
		owned, err := h.res.AllocationsOwnedBy(ctx, "y1")
		require.NoError(t, err)
		assert.Empty(t, owned)
		assert.Len(t, h.entries("task-1", "The meter was deallocated"), 2)
		requireNoSubFlows(t, h, "y1-a", "y1-b")
	})

	t.Run("without meters", func(t *testing.T) {
		h := newHarness(t, 3, model.AllFeatures())
		y := testYFlow()
		y.Bandwidth = 0
		storeYFlow(t, h, y, model.StatusUp)

		fsm := h.svc.NewYFlowDelete(h.rt, "task-1", YFlowDeleteRequest{YFlowID: "y1"})
		h.run(t, fsm, nil)

		require.Equal(t, saga.StateCompleted, fsm.State())
		assert.Len(t, h.entries("task-1", "No need to remove y-flow meters"), 1)
		assert.Len(t, h.sender.commands(), 6)
	})
}
