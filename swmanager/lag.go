package swmanager

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

type lagContext struct {
	switchID    model.SwitchID
	logicalPort uint32
	create      *LagCreateRequest

	target   *model.LagLogicalPort
	original *model.LagLogicalPort
	created  bool
}

func (svc *Service) validateLagCreate(ctx context.Context, s *saga.Saga[*lagContext]) error {
	if err := svc.checkEnabled(); err != nil {
		return err
	}
	req := s.Data.create
	if err := req.SwitchID.Validate(); err != nil {
		return errors.RequestInvalid("Invalid LAG request: %v", err)
	}
	if len(req.PhysicalPorts) == 0 {
		return errors.RequestInvalid("LAG on switch %s has no physical ports", req.SwitchID)
	}
	seen := make(map[int]bool, len(req.PhysicalPorts))
	for _, port := range req.PhysicalPorts {
		if port <= 0 {
			return errors.RequestInvalid("Invalid physical port %d on switch %s", port, req.SwitchID)
		}
		if seen[port] {
			return errors.RequestInvalid("Physical port %d is listed twice", port)
		}
		seen[port] = true
	}

	lags, err := svc.lags.List(ctx)
	if err != nil {
		return errors.Wrap(err, "swmanager", "validateLagCreate", "list LAG ports")
	}
	for _, lag := range lags {
		if !model.LagKeyBelongsTo(lag.EntityKey(), req.SwitchID) {
			continue
		}
		for _, port := range lag.PhysicalPorts {
			if seen[port] {
				return errors.RequestInvalid("Physical port %d already used by LAG logical port %d on switch %s",
					port, lag.LogicalPortNumber, req.SwitchID)
			}
		}
	}
	s.SaveAction(ctx, "LAG was validated successfully", "")
	return nil
}

// allocateLag reserves the logical port number and stores the LAG as IN_PROGRESS.
func (svc *Service) allocateLag(ctx context.Context, s *saga.Saga[*lagContext]) error {
	c := s.Data
	req := c.create
	alloc, err := svc.resources.AllocateLagPort(ctx, LagKey(req.SwitchID), req.SwitchID)
	if err != nil {
		return err
	}
	port := alloc.ResourceID
	s.Record(ctx, history.KindResource, "The LAG logical port was allocated", lagPortDetails(req.SwitchID, port))
	s.Push(saga.Compensation{
		Action:  "The LAG logical port was deallocated",
		Details: lagPortDetails(req.SwitchID, port),
		Undo: func(ctx context.Context) error {
			return svc.resources.DeallocateLagPort(ctx, req.SwitchID, port)
		},
	})
	// the pool owner becomes the LAG itself once its number is known
	if _, err := svc.resources.Reassign(ctx, alloc, model.LagKey(req.SwitchID, port)); err != nil {
		return err
	}

	c.logicalPort = port
	c.target = &model.LagLogicalPort{
		SwitchID:          req.SwitchID,
		LogicalPortNumber: port,
		PhysicalPorts:     slices.Sorted(slices.Values(req.PhysicalPorts)),
		LacpReply:         req.LacpReply,
		Status:            model.StatusInProgress,
		CreatedAt:         s.Now(),
	}
	if err := svc.lags.Create(ctx, c.target); err != nil {
		return errors.Wrap(err, "swmanager", "allocateLag", "store LAG port")
	}
	c.created = true
	return nil
}

func (svc *Service) validateLagDelete(ctx context.Context, s *saga.Saga[*lagContext]) error {
	if err := svc.checkEnabled(); err != nil {
		return err
	}
	c := s.Data
	key := model.LagKey(c.switchID, c.logicalPort)
	updated, err := svc.lags.Update(ctx, key, func(l *model.LagLogicalPort) error {
		if l.Status == model.StatusInProgress {
			return errors.RequestInvalid("LAG logical port %d on switch %s is in progress now",
				l.LogicalPortNumber, l.SwitchID)
		}
		orig := *l
		orig.PhysicalPorts = slices.Clone(l.PhysicalPorts)
		c.original = &orig
		l.Status = model.StatusInProgress
		return nil
	})
	if err != nil {
		return loadErr(err,
			errors.NotFound("LAG logical port %d on switch %s not found", c.logicalPort, c.switchID),
			"validateLagDelete")
	}
	c.target = updated
	s.SaveAction(ctx, "LAG was validated successfully", "")
	return nil
}

func lagCommand(op speaker.Operation, l *model.LagLogicalPort) speaker.Command {
	ports := make([]string, len(l.PhysicalPorts))
	for i, p := range l.PhysicalPorts {
		ports[i] = strconv.Itoa(p)
	}
	return speaker.NewCommand(l.SwitchID, speaker.Payload{
		Op:   op,
		Kind: speaker.KindLagPort,
		Descriptor: map[string]string{
			"logical_port":   strconv.FormatUint(uint64(l.LogicalPortNumber), 10),
			"physical_ports": strings.Join(ports, ","),
			"lacp_reply":     strconv.FormatBool(l.LacpReply),
		},
	})
}

func (svc *Service) lagInstall(_ context.Context, s *saga.Saga[*lagContext]) ([]speaker.Command, error) {
	return []speaker.Command{lagCommand(speaker.OpInstall, s.Data.target)}, nil
}

func (svc *Service) lagRemove(_ context.Context, s *saga.Saga[*lagContext]) ([]speaker.Command, error) {
	return []speaker.Command{lagCommand(speaker.OpDelete, s.Data.original)}, nil
}

func (svc *Service) commitLag(ctx context.Context, s *saga.Saga[*lagContext]) error {
	c := s.Data
	_, err := svc.lags.Update(ctx, c.target.EntityKey(), func(l *model.LagLogicalPort) error {
		l.Status = model.StatusUp
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "swmanager", "commitLag", "store LAG port")
	}
	s.SaveAction(ctx, "LAG logical port was created", lagPortDetails(c.switchID, c.logicalPort))
	return nil
}

func (svc *Service) commitLagDelete(ctx context.Context, s *saga.Saga[*lagContext]) error {
	c := s.Data
	if err := svc.lags.Delete(ctx, model.LagKey(c.switchID, c.logicalPort)); err != nil {
		return errors.Wrap(err, "swmanager", "commitLagDelete", "delete LAG port")
	}
	s.SaveAction(ctx, "LAG logical port was deleted", lagPortDetails(c.switchID, c.logicalPort))
	return nil
}

func (svc *Service) releaseLagPort(ctx context.Context, s *saga.Saga[*lagContext]) error {
	c := s.Data
	if err := svc.resources.DeallocateLagPort(ctx, c.switchID, c.logicalPort); err != nil {
		s.SaveError(ctx, "Failed to deallocate resources",
			fmt.Sprintf("%s: %v", lagPortDetails(c.switchID, c.logicalPort), err))
		return nil
	}
	s.SaveAction(ctx, "The LAG logical port was deallocated", lagPortDetails(c.switchID, c.logicalPort))
	return nil
}

// revertLag removes a LAG the saga stored, or restores the status it had.
func (svc *Service) revertLag(ctx context.Context, s *saga.Saga[*lagContext]) error {
	c := s.Data
	key := model.LagKey(c.switchID, c.logicalPort)
	if c.created {
		if err := svc.lags.Delete(ctx, key); err != nil {
			return errors.Wrap(err, "swmanager", "revertLag", "remove created LAG port")
		}
		s.SaveAction(ctx, "LAG logical port was removed", lagPortDetails(c.switchID, c.logicalPort))
		return nil
	}
	if c.original == nil {
		return nil
	}
	_, err := svc.lags.Update(ctx, key, func(l *model.LagLogicalPort) error {
		l.Status = c.original.Status
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "swmanager", "revertLag", "restore LAG status")
	}
	s.SaveAction(ctx, "LAG status was reverted", string(c.original.Status))
	return nil
}

func lagPortDetails(sw model.SwitchID, port uint32) string {
	return fmt.Sprintf("%s / %d", sw, port)
}
