package flowhs

import (
	"context"
	stderrors "errors"
	"slices"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

// flowContext is the saga data shared by the flow sagas.
type flowContext struct {
	flowID  string
	reroute *FlowRerouteRequest

	// target is the flow the saga installs; original is the flow as found
	// at validation, used for cleanup and revert.
	target   *model.Flow
	original *model.Flow
	created  bool
}

func (svc *Service) validateFlowCreate(ctx context.Context, s *saga.Saga[*flowContext]) error {
	f := s.Data.target
	if err := f.Validate(); err != nil {
		return errors.RequestInvalid("Invalid flow %s: %v", f.FlowID, err)
	}
	if f.YFlowID != "" {
		return errors.RequestInvalid("Flow %s cannot be created as a sub-flow of the y-flow %s", f.FlowID, f.YFlowID)
	}
	exists, err := svc.flows.Exists(ctx, f.FlowID)
	if err != nil {
		return errors.Wrap(err, "flowhs", "validateFlowCreate", "check flow")
	}
	if exists {
		return errors.RequestInvalid("Flow %s already exists", f.FlowID)
	}
	s.SaveAction(ctx, "Flow was validated successfully", "")
	return nil
}

// loadForChange moves the flow to IN_PROGRESS, running check on the stored
// flow first. The flow as found is kept for cleanup and revert.
func (svc *Service) loadForChange(ctx context.Context, s *saga.Saga[*flowContext], check func(*model.Flow) error) error {
	c := s.Data
	updated, err := svc.flows.Update(ctx, c.flowID, func(f *model.Flow) error {
		if f.Status == model.StatusInProgress {
			return errors.RequestInvalid("Flow %s is in progress now", f.FlowID)
		}
		if check != nil {
			if err := check(f); err != nil {
				return err
			}
		}
		c.original = f.Clone()
		f.Status = model.StatusInProgress
		f.UpdatedAt = s.Now()
		return nil
	})
	switch {
	case err == nil:
	case persistence.IsNotFound(err):
		return errors.NotFound("Flow %s not found", c.flowID)
	case stderrors.Is(err, saga.ErrSkip), errors.TypeOf(err) != errors.ErrorTypeInternal:
		return err
	default:
		return errors.Wrap(err, "flowhs", "loadForChange", "mark flow in progress")
	}
	c.target = updated.Clone()
	return nil
}

func (svc *Service) validateFlowReroute(ctx context.Context, s *saga.Saga[*flowContext]) error {
	if !svc.features.FlowsRerouteEnabled {
		return errors.NotPermitted("Flow reroute feature is disabled")
	}
	req := s.Data.reroute
	err := svc.loadForChange(ctx, s, func(f *model.Flow) error {
		if f.YFlowID != "" {
			return errors.RequestInvalid("Flow %s is a sub-flow of the y-flow %s", f.FlowID, f.YFlowID)
		}
		if err := model.ValidatePath(f.Source.SwitchID, f.Destination.SwitchID, req.Path); err != nil {
			return errors.RequestInvalid("Invalid path for flow %s: %v", f.FlowID, err)
		}
		if !req.Force && slices.Equal(f.Path, req.Path) {
			return saga.ErrSkip
		}
		return nil
	})
	if err != nil {
		return err
	}
	t := s.Data.target
	t.Path = slices.Clone(req.Path)
	t.Cookie = newCookie(t.FlowID, t.Version)
	t.MeterID = 0
	s.SaveAction(ctx, "Flow was validated successfully", "")
	return nil
}

func (svc *Service) validateFlowDelete(ctx context.Context, s *saga.Saga[*flowContext]) error {
	err := svc.loadForChange(ctx, s, func(f *model.Flow) error {
		if f.YFlowID != "" {
			return errors.RequestInvalid("Flow %s is a sub-flow of the y-flow %s", f.FlowID, f.YFlowID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.SaveAction(ctx, "Flow was validated successfully", "")
	return nil
}

func (svc *Service) allocateFlowMeter(ctx context.Context, s *saga.Saga[*flowContext]) error {
	t := s.Data.target
	if t.Bandwidth <= 0 {
		return nil
	}
	meterID, err := allocateMeter(ctx, svc.resources, s, t.FlowID, t.IngressSwitch(), t.Bandwidth)
	if err != nil {
		return err
	}
	t.MeterID = meterID
	return nil
}

// allocateFlowCreate reserves the meter and stores the new flow as IN_PROGRESS.
func (svc *Service) allocateFlowCreate(ctx context.Context, s *saga.Saga[*flowContext]) error {
	t := s.Data.target
	t.Cookie = newCookie(t.FlowID, 0)
	if err := svc.allocateFlowMeter(ctx, s); err != nil {
		return err
	}
	t.Status = model.StatusInProgress
	t.CreatedAt = s.Now()
	t.UpdatedAt = t.CreatedAt
	if err := svc.flows.Create(ctx, t.Clone()); err != nil {
		if stderrors.Is(err, errors.ErrAlreadyExists) {
			return errors.RequestInvalid("Flow %s already exists", t.FlowID)
		}
		return errors.Wrap(err, "flowhs", "allocateFlowCreate", "store flow")
	}
	s.Data.created = true
	return nil
}

func (svc *Service) flowInstall(_ context.Context, s *saga.Saga[*flowContext]) ([]speaker.Command, error) {
	return flowInstallCommands(s.Data.target), nil
}

func (svc *Service) flowRemoveOriginal(_ context.Context, s *saga.Saga[*flowContext]) ([]speaker.Command, error) {
	return flowRemoveCommands(s.Data.original), nil
}

func (svc *Service) commitFlow(action string) func(context.Context, *saga.Saga[*flowContext]) error {
	return func(ctx context.Context, s *saga.Saga[*flowContext]) error {
		t := s.Data.target
		_, err := svc.flows.Update(ctx, t.FlowID, func(f *model.Flow) error {
			f.Path = slices.Clone(t.Path)
			f.Cookie = t.Cookie
			f.MeterID = t.MeterID
			f.Status = model.StatusUp
			f.UpdatedAt = s.Now()
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "flowhs", "commitFlow", "store flow")
		}
		details := pathDetails(t.Path)
		if o := s.Data.original; o != nil {
			details = rerouteDetails(o.Path, t.Path, rerouteReason(s.Data.reroute))
		}
		s.SaveAction(ctx, action, details)
		return nil
	}
}

func (svc *Service) commitFlowDelete(ctx context.Context, s *saga.Saga[*flowContext]) error {
	if err := svc.flows.Delete(ctx, s.Data.flowID); err != nil {
		return errors.Wrap(err, "flowhs", "commitFlowDelete", "delete flow")
	}
	s.SaveAction(ctx, "Flow was deleted", "")
	return nil
}

func (svc *Service) releaseOriginalFlowMeter(ctx context.Context, s *saga.Saga[*flowContext]) error {
	o := s.Data.original
	if o == nil || o.MeterID == 0 {
		return nil
	}
	releaseMeter(ctx, svc.resources, s, "flow "+o.FlowID, yMeter{label: "ingress", switchID: o.IngressSwitch(), meterID: o.MeterID})
	return nil
}

// revertFlow removes a flow the saga created, or restores the status the flow
// had before the saga touched it.
func (svc *Service) revertFlow(ctx context.Context, s *saga.Saga[*flowContext]) error {
	c := s.Data
	if c.created {
		if err := svc.flows.Delete(ctx, c.flowID); err != nil {
			return errors.Wrap(err, "flowhs", "revertFlow", "remove created flow")
		}
		s.SaveAction(ctx, "Flow was removed", "")
		return nil
	}
	if c.original == nil {
		return nil
	}
	_, err := svc.flows.Update(ctx, c.flowID, func(f *model.Flow) error {
		f.Status = c.original.Status
		f.UpdatedAt = s.Now()
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "flowhs", "revertFlow", "restore flow status")
	}
	s.SaveAction(ctx, "Flow status was reverted", string(c.original.Status))
	return nil
}

func rerouteReason(req *FlowRerouteRequest) string {
	if req == nil {
		return ""
	}
	return req.Reason
}
