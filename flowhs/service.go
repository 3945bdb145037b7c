package flowhs

import (
	"context"
	"log/slog"

	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/resources"
	"github.com/c360/ofsaga/saga"
)

// Saga type names.
const (
	TypeFlowCreate   = "flow-create"
	TypeFlowReroute  = "flow-reroute"
	TypeFlowDelete   = "flow-delete"
	TypeYFlowCreate  = "y-flow-create"
	TypeYFlowUpdate  = "y-flow-update"
	TypeYFlowReroute = "y-flow-reroute"
	TypeYFlowDelete  = "y-flow-delete"
)

// FlowCreateRequest asks for a new flow along a precomputed path.
type FlowCreateRequest struct {
	Flow model.Flow `json:"flow"`
}

// FlowRerouteRequest moves a flow to a new precomputed path.
type FlowRerouteRequest struct {
	FlowID string           `json:"flow_id"`
	Path   []model.SwitchID `json:"path"`
	Force  bool             `json:"force"`
	Reason string           `json:"reason,omitempty"`
}

// FlowDeleteRequest removes a flow.
type FlowDeleteRequest struct {
	FlowID string `json:"flow_id"`
}

// YFlowCreateRequest asks for a new y-flow.
type YFlowCreateRequest struct {
	YFlow model.YFlow `json:"y_flow"`
}

// YFlowUpdateRequest replaces the definition of an existing y-flow.
type YFlowUpdateRequest struct {
	YFlow model.YFlow `json:"y_flow"`
}

// YFlowRerouteRequest moves a y-flow to new y-points and sub-flow paths. Paths
// is keyed by sub-flow id; sub-flows missing from it keep their path.
type YFlowRerouteRequest struct {
	YFlowID         string                      `json:"y_flow_id"`
	YPoint          model.SwitchID              `json:"y_point,omitempty"`
	ProtectedYPoint model.SwitchID              `json:"protected_y_point,omitempty"`
	Paths           map[string][]model.SwitchID `json:"paths,omitempty"`
	AffectedIsls    []model.IslEndpoint         `json:"affected_isls,omitempty"`
	Force           bool                        `json:"force"`
	Reason          string                      `json:"reason,omitempty"`
}

// YFlowDeleteRequest removes a y-flow and all its sub-flows.
type YFlowDeleteRequest struct {
	YFlowID string `json:"y_flow_id"`
}

// Service builds the flow and y-flow sagas. Transition tables are built once
// and shared by every saga of a type.
type Service struct {
	flows     persistence.Repository[*model.Flow]
	yFlows    persistence.Repository[*model.YFlow]
	resources *resources.Manager
	features  model.FeatureToggles
	logger    *slog.Logger

	flowCreate   *saga.Definition[*flowContext]
	flowReroute  *saga.Definition[*flowContext]
	flowDelete   *saga.Definition[*flowContext]
	yFlowCreate  *saga.Definition[*yFlowContext]
	yFlowUpdate  *saga.Definition[*yFlowContext]
	yFlowReroute *saga.Definition[*yFlowContext]
	yFlowDelete  *saga.Definition[*yFlowContext]
}

// NewService creates a Service.
func NewService(
	flows persistence.Repository[*model.Flow],
	yFlows persistence.Repository[*model.YFlow],
	res *resources.Manager,
	features model.FeatureToggles,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		flows:     flows,
		yFlows:    yFlows,
		resources: res,
		features:  features,
		logger:    logger.With("component", "flowhs"),
	}

	svc.flowCreate = saga.Standard(TypeFlowCreate, saga.Steps[*flowContext]{
		Validate: svc.validateFlowCreate,
		Allocate: svc.allocateFlowCreate,
		Commands: svc.flowInstall,
		Commit:   svc.commitFlow("Flow was created"),
		Revert:   svc.revertFlow,
	})
	svc.flowReroute = saga.Standard(TypeFlowReroute, saga.Steps[*flowContext]{
		Validate:        svc.validateFlowReroute,
		Allocate:        svc.allocateFlowMeter,
		Commands:        svc.flowInstall,
		Commit:          svc.commitFlow("Flow was rerouted"),
		CleanupCommands: svc.flowRemoveOriginal,
		Cleanup:         svc.releaseOriginalFlowMeter,
		Revert:          svc.revertFlow,
	})
	svc.flowDelete = saga.Standard(TypeFlowDelete, saga.Steps[*flowContext]{
		Validate: svc.validateFlowDelete,
		Commands: svc.flowRemoveOriginal,
		Commit:   svc.commitFlowDelete,
		Cleanup:  svc.releaseOriginalFlowMeter,
		Revert:   svc.revertFlow,
	})

	svc.yFlowCreate = saga.Standard(TypeYFlowCreate, saga.Steps[*yFlowContext]{
		Validate: svc.validateYFlowCreate,
		Allocate: svc.allocateYFlowCreate,
		Commands: svc.yFlowInstall,
		Commit:   svc.commitYFlow("Y-flow was created"),
		Revert:   svc.revertYFlow,
	})
	svc.yFlowUpdate = saga.Standard(TypeYFlowUpdate, saga.Steps[*yFlowContext]{
		Validate:        svc.validateYFlowUpdate,
		Allocate:        svc.allocateYFlowUpdate,
		Commands:        svc.yFlowInstall,
		Commit:          svc.commitYFlow("Y-flow was updated"),
		CleanupCommands: svc.yFlowRemoveOriginal,
		Cleanup:         svc.releaseOriginalYFlowMeters,
		Revert:          svc.revertYFlow,
	})
	svc.yFlowReroute = saga.Standard(TypeYFlowReroute, saga.Steps[*yFlowContext]{
		Validate:        svc.validateYFlowReroute,
		Allocate:        svc.allocateYFlowMeters,
		Commands:        svc.yFlowInstall,
		Commit:          svc.commitYFlow("Y-flow was rerouted"),
		CleanupCommands: svc.yFlowRemoveOriginal,
		Cleanup:         svc.releaseOriginalYFlowMeters,
		Revert:          svc.revertYFlow,
	})
	svc.yFlowDelete = saga.Standard(TypeYFlowDelete, saga.Steps[*yFlowContext]{
		Validate: svc.validateYFlowDelete,
		Commands: svc.yFlowRemoveOriginal,
		Commit:   svc.commitYFlowDelete,
		Cleanup:  svc.releaseOriginalYFlowMeters,
		Revert:   svc.revertYFlow,
	})
	return svc
}

// FlowKey is the saga key of flow operations.
func FlowKey(flowID string) string { return "flow:" + flowID }

// YFlowKey is the saga key of y-flow operations.
func YFlowKey(yFlowID string) string { return "yflow:" + yFlowID }

// NewFlowCreate returns a saga creating req.Flow.
func (svc *Service) NewFlowCreate(rt saga.Runtime, taskID string, req FlowCreateRequest) saga.FSM {
	f := req.Flow
	return saga.New(svc.flowCreate, rt, FlowKey(f.FlowID), taskID, &flowContext{flowID: f.FlowID, target: f.Clone()})
}

// NewFlowReroute returns a saga rerouting a flow.
func (svc *Service) NewFlowReroute(rt saga.Runtime, taskID string, req FlowRerouteRequest) saga.FSM {
	return saga.New(svc.flowReroute, rt, FlowKey(req.FlowID), taskID, &flowContext{flowID: req.FlowID, reroute: &req})
}

// NewFlowDelete returns a saga deleting a flow.
func (svc *Service) NewFlowDelete(rt saga.Runtime, taskID string, req FlowDeleteRequest) saga.FSM {
	return saga.New(svc.flowDelete, rt, FlowKey(req.FlowID), taskID, &flowContext{flowID: req.FlowID})
}

// NewYFlowCreate returns a saga creating a y-flow.
func (svc *Service) NewYFlowCreate(rt saga.Runtime, taskID string, req YFlowCreateRequest) saga.FSM {
	y := req.YFlow
	return saga.New(svc.yFlowCreate, rt, YFlowKey(y.YFlowID), taskID, &yFlowContext{yFlowID: y.YFlowID, target: y.Clone()})
}

// NewYFlowUpdate returns a saga replacing a y-flow definition.
func (svc *Service) NewYFlowUpdate(rt saga.Runtime, taskID string, req YFlowUpdateRequest) saga.FSM {
	y := req.YFlow
	return saga.New(svc.yFlowUpdate, rt, YFlowKey(y.YFlowID), taskID, &yFlowContext{yFlowID: y.YFlowID, target: y.Clone()})
}

// NewYFlowReroute returns a saga rerouting a y-flow.
func (svc *Service) NewYFlowReroute(rt saga.Runtime, taskID string, req YFlowRerouteRequest) saga.FSM {
	return saga.New(svc.yFlowReroute, rt, YFlowKey(req.YFlowID), taskID, &yFlowContext{yFlowID: req.YFlowID, reroute: &req})
}

// NewYFlowDelete returns a saga deleting a y-flow.
func (svc *Service) NewYFlowDelete(rt saga.Runtime, taskID string, req YFlowDeleteRequest) saga.FSM {
	return saga.New(svc.yFlowDelete, rt, YFlowKey(req.YFlowID), taskID, &yFlowContext{yFlowID: req.YFlowID})
}

// allocateMeter reserves a meter and pushes its release onto the undo stack.
func allocateMeter[C any](
	ctx context.Context, res *resources.Manager, s *saga.Saga[C], owner string, sw model.SwitchID, bandwidth int64,
) (uint32, error) {
	alloc, err := res.AllocateMeter(ctx, owner, sw, bandwidth)
	if err != nil {
		return 0, err
	}
	s.Record(ctx, history.KindResource, "The meter was allocated", meterAllocated(sw, alloc.ResourceID))
	s.Push(saga.Compensation{
		Action:  "The meter was deallocated",
		Details: meterDeallocated(sw, alloc.ResourceID),
		Undo: func(ctx context.Context) error {
			return res.DeallocateMeter(ctx, sw, alloc.ResourceID)
		},
	})
	return alloc.ResourceID, nil
}

// releaseMeter frees a superseded meter after commit. Failures are reported,
// never retried.
func releaseMeter[C any](ctx context.Context, res *resources.Manager, s *saga.Saga[C], owner string, m yMeter) {
	if err := res.DeallocateMeter(ctx, m.switchID, m.meterID); err != nil {
		s.SaveError(ctx, "Failed to deallocate resources", notDeallocated(owner, m, err))
		return
	}
	s.SaveAction(ctx, "The meter was deallocated", meterDeallocated(m.switchID, m.meterID))
}
