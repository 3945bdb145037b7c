package flowhs

import (
	"context"
	stderrors "errors"
	"slices"
	"strings"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

// yFlowContext is the saga data shared by the y-flow sagas.
type yFlowContext struct {
	yFlowID string
	reroute *YFlowRerouteRequest

	target   *model.YFlow
	original *model.YFlow
	created  bool
	// createdSubFlows are the sub-flow records this saga stored.
	createdSubFlows []string
}

func (svc *Service) validateYFlowCreate(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	if !svc.features.YFlowCreateEnabled {
		return errors.NotPermitted("Y-flow create feature is disabled")
	}
	y := s.Data.target
	if err := checkYFlowRequest(y); err != nil {
		return err
	}
	exists, err := svc.yFlows.Exists(ctx, y.YFlowID)
	if err != nil {
		return errors.Wrap(err, "flowhs", "validateYFlowCreate", "check y-flow")
	}
	if exists {
		return errors.RequestInvalid("Y-flow %s already exists", y.YFlowID)
	}
	for _, id := range y.SubFlowIDs() {
		taken, err := svc.flows.Exists(ctx, id)
		if err != nil {
			return errors.Wrap(err, "flowhs", "validateYFlowCreate", "check sub-flow")
		}
		if taken {
			return errors.RequestInvalid("Flow %s already exists", id)
		}
	}
	s.SaveAction(ctx, "Y-flow was validated successfully", "")
	return nil
}

func checkYFlowRequest(y *model.YFlow) error {
	if err := y.Validate(); err != nil {
		return errors.RequestInvalid("Invalid y-flow %s: %v", y.YFlowID, err)
	}
	if len(y.SubFlows) < 2 {
		return errors.RequestInvalid("The number of sub-flows of the y-flow %s is less then 2", y.YFlowID)
	}
	return nil
}

// loadYFlowForChange moves the stored y-flow to IN_PROGRESS after the checks
// every change of an existing y-flow shares, then runs check.
func (svc *Service) loadYFlowForChange(ctx context.Context, s *saga.Saga[*yFlowContext], check func(*model.YFlow) error) error {
	c := s.Data
	updated, err := svc.yFlows.Update(ctx, c.yFlowID, func(y *model.YFlow) error {
		if y.Status == model.StatusInProgress {
			return errors.RequestInvalid("Y-flow %s is in progress now", y.YFlowID)
		}
		if err := svc.checkSubFlowRecords(ctx, y); err != nil {
			return err
		}
		if len(y.SubFlows) < 2 {
			return errors.DataInvalid("The number of sub-flows of the y-flow %s is less then 2", y.YFlowID)
		}
		if check != nil {
			if err := check(y); err != nil {
				return err
			}
		}
		c.original = y.Clone()
		y.Status = model.StatusInProgress
		y.UpdatedAt = s.Now()
		return nil
	})
	switch {
	case err == nil:
	case persistence.IsNotFound(err):
		return errors.NotFound("Y-flow %s not found", c.yFlowID)
	case stderrors.Is(err, saga.ErrSkip), errors.TypeOf(err) != errors.ErrorTypeInternal:
		return err
	default:
		return errors.Wrap(err, "flowhs", "loadYFlowForChange", "mark y-flow in progress")
	}
	if c.target == nil {
		c.target = updated.Clone()
	}
	c.target.Version = updated.Version
	c.target.CreatedAt = updated.CreatedAt
	s.SaveAction(ctx, "Y-flow was validated successfully", "")
	return nil
}

// checkSubFlowRecords fails unless every sub-flow of y is stored as a flow
// owned by y.
func (svc *Service) checkSubFlowRecords(ctx context.Context, y *model.YFlow) error {
	if len(y.SubFlows) == 0 {
		return errors.DataInvalid("Any sub-flow of the y-flow %s not found", y.YFlowID)
	}
	for _, id := range y.SubFlowIDs() {
		f, err := svc.flows.Get(ctx, id)
		if persistence.IsNotFound(err) || (err == nil && f.YFlowID != y.YFlowID) {
			return errors.DataInvalid("Any sub-flow of the y-flow %s not found", y.YFlowID)
		}
		if err != nil {
			return errors.Wrap(err, "flowhs", "checkSubFlowRecords", "load sub-flow")
		}
	}
	return nil
}

func (svc *Service) validateYFlowUpdate(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	if !svc.features.YFlowCreateEnabled {
		return errors.NotPermitted("Y-flow update feature is disabled")
	}
	target := s.Data.target
	if err := checkYFlowRequest(target); err != nil {
		return err
	}
	err := svc.loadYFlowForChange(ctx, s, func(y *model.YFlow) error {
		for _, id := range addedSubFlows(y, target) {
			taken, err := svc.flows.Exists(ctx, id)
			if err != nil {
				return errors.Wrap(err, "flowhs", "validateYFlowUpdate", "check sub-flow")
			}
			if taken {
				return errors.RequestInvalid("Flow %s already exists", id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	newGeneration(s.Data.target)
	return nil
}

func (svc *Service) validateYFlowReroute(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	if !svc.features.YFlowRerouteEnabled {
		return errors.NotPermitted("Y-flow reroute feature is disabled")
	}
	req := s.Data.reroute
	err := svc.loadYFlowForChange(ctx, s, func(y *model.YFlow) error {
		target := applyReroute(y, req)
		if err := target.Validate(); err != nil {
			return errors.RequestInvalid("Invalid reroute of the y-flow %s: %v", y.YFlowID, err)
		}
		if !req.Force && !needsReroute(y, target, req.AffectedIsls) {
			return saga.ErrSkip
		}
		s.Data.target = target
		return nil
	})
	if err != nil {
		return err
	}
	newGeneration(s.Data.target)
	return nil
}

func (svc *Service) validateYFlowDelete(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	return svc.loadYFlowForChange(ctx, s, nil)
}

// addedSubFlows returns the ids of the sub-flows next has and prev has not.
func addedSubFlows(prev, next *model.YFlow) []string {
	var ids []string
	known := prev.SubFlowIDs()
	for _, id := range next.SubFlowIDs() {
		if !slices.Contains(known, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// applyReroute returns a copy of y with the y-points and paths of req.
func applyReroute(y *model.YFlow, req *YFlowRerouteRequest) *model.YFlow {
	target := y.Clone()
	if req.YPoint != "" {
		target.YPoint = req.YPoint
	}
	if req.ProtectedYPoint != "" {
		target.ProtectedYPoint = req.ProtectedYPoint
	}
	for i, sf := range target.SubFlows {
		if path, ok := req.Paths[sf.FlowID]; ok {
			target.SubFlows[i].Path = slices.Clone(path)
		}
	}
	return target
}

// needsReroute reports whether moving from current to target changes anything.
// Affected ISLs that the y-flow does not traverse make the reroute moot.
func needsReroute(current, target *model.YFlow, affected []model.IslEndpoint) bool {
	if len(affected) > 0 {
		touched := false
		for _, isl := range affected {
			if current.Traverses(isl.SwitchID) {
				touched = true
				break
			}
		}
		if !touched {
			return false
		}
	}
	if current.YPoint != target.YPoint || current.ProtectedYPoint != target.ProtectedYPoint {
		return true
	}
	for i := range current.SubFlows {
		if !slices.Equal(current.SubFlows[i].Path, target.SubFlows[i].Path) {
			return true
		}
	}
	return false
}

// newGeneration gives every sub-flow of y a fresh cookie and clears its
// meters ahead of allocation.
func newGeneration(y *model.YFlow) {
	for i := range y.SubFlows {
		y.SubFlows[i].Cookie = newCookie(y.SubFlows[i].FlowID, y.Version)
	}
	y.SharedEndpointMeterID = 0
	y.YPointMeterID = 0
	y.ProtectedMeterID = 0
}

// allocateYFlowMeters reserves the shared endpoint meter, then the main path
// y-point meter, then the protected path y-point meter when one is needed.
func (svc *Service) allocateYFlowMeters(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	y := s.Data.target
	if y.Bandwidth <= 0 {
		return nil
	}
	var err error
	if y.SharedEndpointMeterID, err = allocateMeter(ctx, svc.resources, s, y.YFlowID, y.SharedEndpoint.SwitchID, y.Bandwidth); err != nil {
		return err
	}
	if y.YPointMeterID, err = allocateMeter(ctx, svc.resources, s, y.YFlowID, y.YPoint, y.Bandwidth); err != nil {
		return err
	}
	if y.AllocateProtectedPath && y.ProtectedYPoint != "" {
		if y.ProtectedMeterID, err = allocateMeter(ctx, svc.resources, s, y.YFlowID, y.ProtectedYPoint, y.Bandwidth); err != nil {
			return err
		}
	}
	return nil
}

// allocateYFlowCreate reserves the meters and stores the new y-flow as IN_PROGRESS.
func (svc *Service) allocateYFlowCreate(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	y := s.Data.target
	newGeneration(y)
	if err := svc.allocateYFlowMeters(ctx, s); err != nil {
		return err
	}
	y.Status = model.StatusInProgress
	y.CreatedAt = s.Now()
	y.UpdatedAt = y.CreatedAt
	if err := svc.yFlows.Create(ctx, y.Clone()); err != nil {
		return errors.Wrap(err, "flowhs", "allocateYFlowCreate", "store y-flow")
	}
	s.Data.created = true
	return svc.reserveSubFlows(ctx, s)
}

// allocateYFlowUpdate stores the sub-flows the update adds, then reserves meters.
func (svc *Service) allocateYFlowUpdate(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	if err := svc.reserveSubFlows(ctx, s); err != nil {
		return err
	}
	return svc.allocateYFlowMeters(ctx, s)
}

// reserveSubFlows stores an IN_PROGRESS flow record for every sub-flow of the
// target the original does not have. Flow ids are unique across flows and
// sub-flows, so a taken id fails the saga.
func (svc *Service) reserveSubFlows(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	c := s.Data
	y := c.target
	var known []string
	if c.original != nil {
		known = c.original.SubFlowIDs()
	}
	for i, sf := range y.SubFlows {
		if slices.Contains(known, sf.FlowID) {
			continue
		}
		rec := y.SubFlowRecord(i)
		rec.Status = model.StatusInProgress
		rec.CreatedAt = s.Now()
		rec.UpdatedAt = rec.CreatedAt
		if err := svc.flows.Create(ctx, rec); err != nil {
			if stderrors.Is(err, errors.ErrAlreadyExists) {
				return errors.RequestInvalid("Flow %s already exists", sf.FlowID)
			}
			return errors.Wrap(err, "flowhs", "reserveSubFlows", "store sub-flow")
		}
		c.createdSubFlows = append(c.createdSubFlows, sf.FlowID)
	}
	return nil
}

func (svc *Service) yFlowInstall(_ context.Context, s *saga.Saga[*yFlowContext]) ([]speaker.Command, error) {
	return yFlowInstallCommands(s.Data.target), nil
}

func (svc *Service) yFlowRemoveOriginal(ctx context.Context, s *saga.Saga[*yFlowContext]) ([]speaker.Command, error) {
	o := s.Data.original
	if len(yFlowMeters(o)) == 0 {
		s.SaveAction(ctx, "No need to remove y-flow meters", "")
	}
	return yFlowRemoveCommands(o), nil
}

func (svc *Service) commitYFlow(action string) func(context.Context, *saga.Saga[*yFlowContext]) error {
	return func(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
		t := s.Data.target
		_, err := svc.yFlows.Update(ctx, t.YFlowID, func(y *model.YFlow) error {
			version := y.Version
			*y = *t.Clone()
			y.Version = version
			y.Status = model.StatusUp
			y.UpdatedAt = s.Now()
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "flowhs", "commitYFlow", "store y-flow")
		}
		if err := svc.commitSubFlows(ctx, s); err != nil {
			return err
		}
		s.SaveAction(ctx, action, "")
		return nil
	}
}

// commitSubFlows brings the sub-flow records in line with the committed
// y-flow and removes the records of sub-flows it no longer has.
func (svc *Service) commitSubFlows(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	c := s.Data
	t := c.target
	for i := range t.SubFlows {
		rec := t.SubFlowRecord(i)
		_, err := svc.flows.Update(ctx, rec.FlowID, func(f *model.Flow) error {
			f.YFlowID = t.YFlowID
			f.Source = rec.Source
			f.Destination = rec.Destination
			f.Bandwidth = rec.Bandwidth
			f.Path = rec.Path
			f.Cookie = rec.Cookie
			f.Status = model.StatusUp
			f.UpdatedAt = s.Now()
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "flowhs", "commitSubFlows", "store sub-flow")
		}
	}
	if c.original != nil {
		return svc.removeSubFlows(ctx, addedSubFlows(t, c.original))
	}
	return nil
}

// removeSubFlows deletes sub-flow records. Records already gone are skipped.
func (svc *Service) removeSubFlows(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := svc.flows.Delete(ctx, id); err != nil && !persistence.IsNotFound(err) {
			return errors.Wrap(err, "flowhs", "removeSubFlows", "delete sub-flow")
		}
	}
	return nil
}

func (svc *Service) commitYFlowDelete(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	if err := svc.removeSubFlows(ctx, s.Data.original.SubFlowIDs()); err != nil {
		return err
	}
	if err := svc.yFlows.Delete(ctx, s.Data.yFlowID); err != nil {
		return errors.Wrap(err, "flowhs", "commitYFlowDelete", "delete y-flow")
	}
	s.SaveAction(ctx, "Y-flow was deleted", "")
	return nil
}

func (svc *Service) releaseOriginalYFlowMeters(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	o := s.Data.original
	if o == nil {
		return nil
	}
	for _, m := range yFlowMeters(o) {
		releaseMeter(ctx, svc.resources, s, "y-flow "+o.YFlowID, m)
	}
	return nil
}

func (svc *Service) revertYFlow(ctx context.Context, s *saga.Saga[*yFlowContext]) error {
	c := s.Data
	if len(c.createdSubFlows) > 0 {
		if err := svc.removeSubFlows(ctx, c.createdSubFlows); err != nil {
			return errors.Wrap(err, "flowhs", "revertYFlow", "remove created sub-flows")
		}
		s.SaveAction(ctx, "Sub-flows were removed", strings.Join(c.createdSubFlows, ", "))
		c.createdSubFlows = nil
	}
	if c.created {
		if err := svc.yFlows.Delete(ctx, c.yFlowID); err != nil {
			return errors.Wrap(err, "flowhs", "revertYFlow", "remove created y-flow")
		}
		s.SaveAction(ctx, "Y-flow was removed", "")
		return nil
	}
	if c.original == nil {
		return nil
	}
	_, err := svc.yFlows.Update(ctx, c.yFlowID, func(y *model.YFlow) error {
		y.Status = c.original.Status
		y.UpdatedAt = s.Now()
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "flowhs", "revertYFlow", "restore y-flow status")
	}
	s.SaveAction(ctx, "Y-flow status was reverted", string(c.original.Status))
	return nil
}
