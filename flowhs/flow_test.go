package flowhs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/resources"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

func testFlow() model.Flow {
	return model.Flow{
		FlowID:      "flow-1",
		Source:      model.Endpoint{SwitchID: sw1, Port: 10, VlanID: 100},
		Destination: model.Endpoint{SwitchID: sw3, Port: 11},
		Bandwidth:   10000,
		Path:        []model.SwitchID{sw1, sw2, sw3},
	}
}

// storeFlow persists an UP flow holding a meter on its ingress switch.
func storeFlow(t *testing.T, h *harness) *model.Flow {
	t.Helper()
	ctx := context.Background()
	f := testFlow()
	alloc, err := h.res.AllocateMeter(ctx, f.FlowID, sw1, f.Bandwidth)
	require.NoError(t, err)
	f.MeterID = alloc.ResourceID
	f.Cookie = newCookie(f.FlowID, 0)
	f.Status = model.StatusUp
	require.NoError(t, h.flows.Create(ctx, &f))
	return &f
}

func TestFlowCreate_InstallsIngressLast(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	fsm := h.svc.NewFlowCreate(h.rt, "task-1", FlowCreateRequest{Flow: testFlow()})

	fsm.Start(context.Background())
	assert.Equal(t, saga.StateAwaitingResponses, fsm.State())
	first := h.sender.commands()
	require.Len(t, first, 3, "meter, transit and egress go in the first wave")
	for _, cmd := range first {
		assert.NotEqual(t, roleIngress, role(cmd))
	}

	for _, cmd := range first {
		fsm.HandleResponse(context.Background(), speaker.SuccessFor(fsm.Key(), cmd))
	}
	sent := h.sender.commands()
	require.Len(t, sent, 4)
	ingress := sent[3]
	assert.Equal(t, roleIngress, role(ingress))
	assert.Equal(t, sw1, ingress.SwitchID)
	fsm.HandleResponse(context.Background(), speaker.SuccessFor(fsm.Key(), ingress))

	require.True(t, fsm.IsTerminated())
	assert.True(t, fsm.Result().Success)

	stored, err := h.flows.Get(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
	assert.Equal(t, uint32(32), stored.MeterID)
	assert.Equal(t, ingress.Payload.Cookie, stored.Cookie)
	assert.Len(t, h.resourceEntries("task-1"), 1)
	assert.Len(t, h.entries("task-1", "Flow was created"), 1)
}

func TestFlowCreate_ExistingFlowIsRejected(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	storeFlow(t, h)

	fsm := h.svc.NewFlowCreate(h.rt, "task-1", FlowCreateRequest{Flow: testFlow()})
	h.run(t, fsm, nil)

	assert.Equal(t, saga.StateFailed, fsm.State())
	assert.Equal(t, errors.ErrorTypeRequestInvalid, fsm.Result().ErrorType)
	assert.Equal(t, "Flow flow-1 already exists", fsm.Result().Reason)
	assert.Empty(t, h.sender.commands())
}

func TestFlowCreate_ExhaustedMetersRevertCreation(t *testing.T) {
	pools := resources.DefaultConfig()
	pools.Meters = resources.Range{Min: 32, Max: 32}
	h := newHarnessWithPools(t, 3, model.AllFeatures(), pools)
	ctx := context.Background()
	_, err := h.res.AllocateMeter(ctx, "other", sw1, 1)
	require.NoError(t, err)

	fsm := h.svc.NewFlowCreate(h.rt, "task-1", FlowCreateRequest{Flow: testFlow()})
	h.run(t, fsm, nil)

	assert.Equal(t, saga.StateReverted, fsm.State())
	assert.False(t, fsm.Result().Success)
	assert.Contains(t, fsm.Result().Reason, "resource exhausted")
	exists, err := h.flows.Exists(ctx, "flow-1")
	require.NoError(t, err)
	assert.False(t, exists, "the flow was never stored")
	assert.Len(t, h.entries("task-1", "Failed to allocate resources"), 1)
}

func TestFlowReroute_ReleasesSupersededResources(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	old := storeFlow(t, h)

	fsm := h.svc.NewFlowReroute(h.rt, "task-1", FlowRerouteRequest{
		FlowID: "flow-1",
		Path:   []model.SwitchID{sw1, sw4, sw3},
		Reason: "isl down",
	})
	h.run(t, fsm, nil)

	require.Equal(t, saga.StateCompleted, fsm.State())
	stored, err := h.flows.Get(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, []model.SwitchID{sw1, sw4, sw3}, stored.Path)
	assert.Equal(t, model.StatusUp, stored.Status)
	assert.Equal(t, uint32(33), stored.MeterID)
	assert.NotEqual(t, old.Cookie, stored.Cookie)

	var removed []speaker.Command
	for _, cmd := range h.sender.commands() {
		if cmd.Payload.Op == speaker.OpDelete {
			removed = append(removed, cmd)
		}
	}
	require.Len(t, removed, 4, "three old rules and the old meter")
	for _, cmd := range removed {
		if cmd.Payload.Kind == speaker.KindMeter {
			assert.Equal(t, old.MeterID, cmd.Payload.MeterID)
			continue
		}
		assert.Equal(t, old.Cookie, cmd.Payload.Cookie)
	}

	owned, err := h.res.AllocationsOwnedBy(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, uint32(33), owned[0].ResourceID)

	released := h.entries("task-1", "The meter was deallocated")
	require.Len(t, released, 1)
	assert.False(t, released[0].IsError)
	assert.Equal(t, "The meter "+string(sw1)+" / 32 was deallocated", released[0].Details)
}

func TestFlowReroute_SamePathIsNoop(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	storeFlow(t, h)

	fsm := h.svc.NewFlowReroute(h.rt, "task-1", FlowRerouteRequest{FlowID: "flow-1", Path: []model.SwitchID{sw1, sw2, sw3}})
	h.run(t, fsm, nil)

	assert.Equal(t, saga.StateCompleted, fsm.State())
	assert.Empty(t, h.sender.commands())
	stored, err := h.flows.Get(context.Background(), "flow-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
}

func TestFlowReroute_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		features model.FeatureToggles
		req      FlowRerouteRequest
		prepare  func(t *testing.T, h *harness)
		wantType errors.ErrorType
		reason   string
	}{
		{
			name:     "feature disabled",
			req:      FlowRerouteRequest{FlowID: "flow-1"},
			wantType: errors.ErrorTypeNotPermitted,
			reason:   "Flow reroute feature is disabled",
		},
		{
			name:     "missing flow",
			features: model.AllFeatures(),
			req:      FlowRerouteRequest{FlowID: "flow-9", Path: []model.SwitchID{sw1, sw3}},
			wantType: errors.ErrorTypeNotFound,
			reason:   "Flow flow-9 not found",
		},
		{
			name:     "in progress",
			features: model.AllFeatures(),
			req:      FlowRerouteRequest{FlowID: "flow-1", Path: []model.SwitchID{sw1, sw3}},
			prepare: func(t *testing.T, h *harness) {
				_, err := h.flows.Update(context.Background(), "flow-1", func(f *model.Flow) error {
					f.Status = model.StatusInProgress
					return nil
				})
				require.NoError(t, err)
			},
			wantType: errors.ErrorTypeRequestInvalid,
			reason:   "Flow flow-1 is in progress now",
		},
		{
			name:     "sub-flow of a y-flow",
			features: model.AllFeatures(),
			req:      FlowRerouteRequest{FlowID: "flow-1", Path: []model.SwitchID{sw1, sw3}},
			prepare: func(t *testing.T, h *harness) {
				_, err := h.flows.Update(context.Background(), "flow-1", func(f *model.Flow) error {
					f.YFlowID = "y1"
					return nil
				})
				require.NoError(t, err)
			},
			wantType: errors.ErrorTypeRequestInvalid,
			reason:   "Flow flow-1 is a sub-flow of the y-flow y1",
		},
		{
			name:     "path does not reach destination",
			features: model.AllFeatures(),
			req:      FlowRerouteRequest{FlowID: "flow-1", Path: []model.SwitchID{sw1, sw2}},
			wantType: errors.ErrorTypeRequestInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 3, tt.features)
			storeFlow(t, h)
			if tt.prepare != nil {
				tt.prepare(t, h)
			}
			before, err := h.flows.Get(context.Background(), "flow-1")
			require.NoError(t, err)

			fsm := h.svc.NewFlowReroute(h.rt, "task-1", tt.req)
			h.run(t, fsm, nil)

			assert.Equal(t, saga.StateFailed, fsm.State())
			assert.Equal(t, tt.wantType, fsm.Result().ErrorType)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, fsm.Result().Reason)
			}
			after, err := h.flows.Get(context.Background(), "flow-1")
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
			assert.Empty(t, h.resourceEntries("task-1"))
		})
	}
}

func TestFlowDelete_RemovesFlowAndReleasesMeter(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	ctx := context.Background()
	storeFlow(t, h)

	fsm := h.svc.NewFlowDelete(h.rt, "task-1", FlowDeleteRequest{FlowID: "flow-1"})
	h.run(t, fsm, nil)

	require.Equal(t, saga.StateCompleted, fsm.State())
	exists, err := h.flows.Exists(ctx, "flow-1")
	require.NoError(t, err)
	assert.False(t, exists)
	owned, err := h.res.AllocationsOwnedBy(ctx, "flow-1")
	require.NoError(t, err)
	assert.Empty(t, owned)
	assert.Equal(t, roleIngress, role(h.sender.commands()[0]), "ingress is removed first")
}

func TestFlowDelete_GiveUpReinstallsRemovedRules(t *testing.T) {
	h := newHarness(t, 0, model.AllFeatures())
	ctx := context.Background()
	storeFlow(t, h)

	fsm := h.svc.NewFlowDelete(h.rt, "task-1", FlowDeleteRequest{FlowID: "flow-1"})
	h.run(t, fsm, func(cmd speaker.Command) bool {
		return !(cmd.SwitchID == sw3 && cmd.Payload.Op == speaker.OpDelete)
	})

	require.Equal(t, saga.StateReverted, fsm.State())
	assert.Equal(t, errors.ErrorTypeInternal, fsm.Result().ErrorType)
	assert.Contains(t, fsm.Result().Reason, "1 command(s) failed")

	var reinstalled []speaker.Command
	for _, cmd := range h.sender.commands() {
		if cmd.Payload.Op == speaker.OpInstall {
			reinstalled = append(reinstalled, cmd)
		}
	}
	require.Len(t, reinstalled, 3, "ingress, transit and meter were removed and come back")
	last := reinstalled[len(reinstalled)-1]
	assert.Equal(t, roleIngress, role(last), "ingress is reinstalled last")

	stored, err := h.flows.Get(ctx, "flow-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUp, stored.Status)
	owned, err := h.res.AllocationsOwnedBy(ctx, "flow-1")
	require.NoError(t, err)
	assert.Len(t, owned, 1, "the meter stays with the flow")
}

func TestSagaKeys_FlowAndYFlowDoNotCollide(t *testing.T) {
	h := newHarness(t, 3, model.AllFeatures())
	f := testFlow()
	f.FlowID = "x"
	y := testYFlow()
	y.YFlowID = "x"

	flowKey := h.svc.NewFlowCreate(h.rt, "", FlowCreateRequest{Flow: f}).Key()
	yFlowKey := h.svc.NewYFlowCreate(h.rt, "", YFlowCreateRequest{YFlow: y}).Key()

	assert.Equal(t, "flow:x", flowKey)
	assert.Equal(t, "yflow:x", yFlowKey)
	assert.Equal(t, flowKey, h.svc.NewFlowDelete(h.rt, "", FlowDeleteRequest{FlowID: "x"}).Key())
	assert.Equal(t, yFlowKey, h.svc.NewYFlowReroute(h.rt, "", YFlowRerouteRequest{YFlowID: "x"}).Key())
}
