package swmanager

import (
	"context"
	"fmt"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

type syncContext struct {
	req SwitchSyncRequest

	install []*model.LagLogicalPort
	modify  []*model.LagLogicalPort
	remove  []uint32
	bfds    []*model.BfdSession
}

// validateSwitchSync resolves every reported port against the stored state.
// Nothing is marked IN_PROGRESS: the saga only replays what is already stored.
func (svc *Service) validateSwitchSync(ctx context.Context, s *saga.Saga[*syncContext]) error {
	c := s.Data
	req := c.req
	if err := req.SwitchID.Validate(); err != nil {
		return errors.RequestInvalid("Invalid switch sync request: %v", err)
	}
	if len(req.MissingLagPorts)+len(req.MisconfiguredLagPorts)+len(req.ExcessLagPorts) > 0 {
		if err := svc.checkEnabled(); err != nil {
			return err
		}
	}

	seen := make(map[uint32]bool)
	for _, list := range [][]uint32{req.MissingLagPorts, req.MisconfiguredLagPorts, req.ExcessLagPorts} {
		for _, port := range list {
			if seen[port] {
				return errors.RequestInvalid("LAG logical port %d is listed twice", port)
			}
			seen[port] = true
		}
	}

	var err error
	if c.install, err = svc.storedLags(ctx, req.SwitchID, req.MissingLagPorts); err != nil {
		return err
	}
	if c.modify, err = svc.storedLags(ctx, req.SwitchID, req.MisconfiguredLagPorts); err != nil {
		return err
	}
	for _, port := range req.ExcessLagPorts {
		exists, err := svc.lags.Exists(ctx, model.LagKey(req.SwitchID, port))
		if err != nil {
			return errors.Wrap(err, "swmanager", "validateSwitchSync", "load LAG port")
		}
		if exists {
			return errors.RequestInvalid("LAG logical port %d on switch %s is not excess", port, req.SwitchID)
		}
	}
	if req.RemoveExcess {
		c.remove = req.ExcessLagPorts
	} else if len(req.ExcessLagPorts) > 0 {
		s.SaveAction(ctx, "Excess LAG logical ports were kept", fmt.Sprint(req.ExcessLagPorts))
	}

	ports := make(map[int]bool, len(req.MissingBfdPorts))
	for _, port := range req.MissingBfdPorts {
		if ports[port] {
			return errors.RequestInvalid("BFD port %d is listed twice", port)
		}
		ports[port] = true
		b, err := svc.bfds.Get(ctx, model.BfdKey(req.SwitchID, port))
		if err != nil {
			return loadErr(err,
				errors.NotFound("BFD session on %s not found", model.BfdKey(req.SwitchID, port)),
				"validateSwitchSync")
		}
		if b.Status == model.StatusInProgress {
			return errors.RequestInvalid("BFD session on %s is in progress now", b.EntityKey())
		}
		c.bfds = append(c.bfds, b)
	}

	if len(c.install)+len(c.modify)+len(c.remove)+len(c.bfds) == 0 {
		s.SaveAction(ctx, "Switch has nothing to synchronize", string(req.SwitchID))
		return saga.ErrSkip
	}
	s.SaveAction(ctx, "Switch sync was validated successfully", syncDetails(c))
	return nil
}

// storedLags loads the LAG ports the switch should have.
func (svc *Service) storedLags(ctx context.Context, sw model.SwitchID, ports []uint32) ([]*model.LagLogicalPort, error) {
	out := make([]*model.LagLogicalPort, 0, len(ports))
	for _, port := range ports {
		l, err := svc.lags.Get(ctx, model.LagKey(sw, port))
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, errors.NotFound("LAG logical port %d on switch %s not found", port, sw)
			}
			return nil, errors.Wrap(err, "swmanager", "storedLags", "load LAG port")
		}
		if l.Status == model.StatusInProgress {
			return nil, errors.RequestInvalid("LAG logical port %d on switch %s is in progress now", port, sw)
		}
		out = append(out, l)
	}
	return out, nil
}

func (svc *Service) syncCommands(_ context.Context, s *saga.Saga[*syncContext]) ([]speaker.Command, error) {
	c := s.Data
	cmds := make([]speaker.Command, 0, len(c.install)+len(c.modify)+len(c.remove)+len(c.bfds))
	for _, l := range c.install {
		cmds = append(cmds, lagCommand(speaker.OpInstall, l))
	}
	for _, l := range c.modify {
		cmds = append(cmds, lagCommand(speaker.OpModify, l))
	}
	for _, port := range c.remove {
		cmds = append(cmds, lagCommand(speaker.OpDelete, &model.LagLogicalPort{SwitchID: c.req.SwitchID, LogicalPortNumber: port}))
	}
	for _, b := range c.bfds {
		cmds = append(cmds, bfdCommand(speaker.OpInstall, b))
	}
	return cmds, nil
}

func (svc *Service) commitSwitchSync(ctx context.Context, s *saga.Saga[*syncContext]) error {
	s.SaveAction(ctx, "Switch was synchronized", syncDetails(s.Data))
	return nil
}

func syncDetails(c *syncContext) string {
	return fmt.Sprintf("%s: %d LAG installed, %d LAG modified, %d LAG removed, %d BFD installed",
		c.req.SwitchID, len(c.install), len(c.modify), len(c.remove), len(c.bfds))
}
