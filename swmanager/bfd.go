package swmanager

import (
	"context"
	"fmt"
	"strconv"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/history"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/speaker"
)

type bfdContext struct {
	switchID model.SwitchID
	port     int
	create   *BfdCreateRequest

	target   *model.BfdSession
	original *model.BfdSession
	created  bool
}

func (svc *Service) checkBfdPort(sw model.SwitchID, port int) error {
	if port <= 0 || port > svc.cfg.BfdPortMaxNumber {
		return errors.RequestInvalid("Port %d on switch %s is out of the BFD range [1, %d]",
			port, sw, svc.cfg.BfdPortMaxNumber)
	}
	return nil
}

func (svc *Service) validateBfdCreate(ctx context.Context, s *saga.Saga[*bfdContext]) error {
	req := s.Data.create
	if err := req.SwitchID.Validate(); err != nil {
		return errors.RequestInvalid("Invalid BFD request: %v", err)
	}
	if err := req.RemoteSwitchID.Validate(); err != nil {
		return errors.RequestInvalid("Invalid BFD request: %v", err)
	}
	if req.SwitchID == req.RemoteSwitchID {
		return errors.RequestInvalid("BFD session on %s points to its own switch", model.BfdKey(req.SwitchID, req.Port))
	}
	if err := svc.checkBfdPort(req.SwitchID, req.Port); err != nil {
		return err
	}
	if req.IntervalMs <= 0 || req.Multiplier <= 0 {
		return errors.RequestInvalid("Invalid BFD properties interval %dms multiplier %d", req.IntervalMs, req.Multiplier)
	}
	key := model.BfdKey(req.SwitchID, req.Port)
	exists, err := svc.bfds.Exists(ctx, key)
	if err != nil {
		return errors.Wrap(err, "swmanager", "validateBfdCreate", "check BFD session")
	}
	if exists {
		return errors.RequestInvalid("BFD session on %s already exists", key)
	}
	s.SaveAction(ctx, "BFD session was validated successfully", "")
	return nil
}

// allocateBfd reserves a discriminator and stores the session as IN_PROGRESS.
func (svc *Service) allocateBfd(ctx context.Context, s *saga.Saga[*bfdContext]) error {
	c := s.Data
	req := c.create
	key := model.BfdKey(req.SwitchID, req.Port)
	alloc, err := svc.resources.AllocateBfdDiscriminator(ctx, key, req.SwitchID)
	if err != nil {
		return err
	}
	disc := alloc.ResourceID
	s.Record(ctx, history.KindResource, "The BFD discriminator was allocated", discriminatorDetails(req.SwitchID, disc))
	s.Push(saga.Compensation{
		Action:  "The BFD discriminator was deallocated",
		Details: discriminatorDetails(req.SwitchID, disc),
		Undo: func(ctx context.Context) error {
			return svc.resources.DeallocateBfdDiscriminator(ctx, req.SwitchID, disc)
		},
	})

	c.target = &model.BfdSession{
		SwitchID:       req.SwitchID,
		Port:           req.Port,
		LogicalPort:    uint32(svc.cfg.BfdPortOffset + req.Port),
		RemoteSwitchID: req.RemoteSwitchID,
		RemotePort:     req.RemotePort,
		Discriminator:  disc,
		IntervalMs:     req.IntervalMs,
		Multiplier:     req.Multiplier,
		Status:         model.StatusInProgress,
		CreatedAt:      s.Now(),
	}
	if err := svc.bfds.Create(ctx, c.target); err != nil {
		return errors.Wrap(err, "swmanager", "allocateBfd", "store BFD session")
	}
	c.created = true
	return nil
}

func (svc *Service) validateBfdDelete(ctx context.Context, s *saga.Saga[*bfdContext]) error {
	c := s.Data
	if err := svc.checkBfdPort(c.switchID, c.port); err != nil {
		return err
	}
	key := model.BfdKey(c.switchID, c.port)
	updated, err := svc.bfds.Update(ctx, key, func(b *model.BfdSession) error {
		if b.Status == model.StatusInProgress {
			return errors.RequestInvalid("BFD session on %s is in progress now", key)
		}
		orig := *b
		c.original = &orig
		b.Status = model.StatusInProgress
		return nil
	})
	if err != nil {
		return loadErr(err, errors.NotFound("BFD session on %s not found", key), "validateBfdDelete")
	}
	c.target = updated
	s.SaveAction(ctx, "BFD session was validated successfully", "")
	return nil
}

func bfdCommand(op speaker.Operation, b *model.BfdSession) speaker.Command {
	return speaker.NewCommand(b.SwitchID, speaker.Payload{
		Op:   op,
		Kind: speaker.KindBfdSession,
		Descriptor: map[string]string{
			"physical_port":    strconv.Itoa(b.Port),
			"logical_port":     strconv.FormatUint(uint64(b.LogicalPort), 10),
			"remote_switch_id": string(b.RemoteSwitchID),
			"remote_port":      strconv.Itoa(b.RemotePort),
			"discriminator":    strconv.FormatUint(uint64(b.Discriminator), 10),
			"interval_ms":      strconv.Itoa(b.IntervalMs),
			"multiplier":       strconv.Itoa(b.Multiplier),
		},
	})
}

func (svc *Service) bfdInstall(_ context.Context, s *saga.Saga[*bfdContext]) ([]speaker.Command, error) {
	return []speaker.Command{bfdCommand(speaker.OpInstall, s.Data.target)}, nil
}

func (svc *Service) bfdRemove(_ context.Context, s *saga.Saga[*bfdContext]) ([]speaker.Command, error) {
	return []speaker.Command{bfdCommand(speaker.OpDelete, s.Data.original)}, nil
}

func (svc *Service) commitBfd(ctx context.Context, s *saga.Saga[*bfdContext]) error {
	t := s.Data.target
	_, err := svc.bfds.Update(ctx, t.EntityKey(), func(b *model.BfdSession) error {
		b.Status = model.StatusUp
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "swmanager", "commitBfd", "store BFD session")
	}
	s.SaveAction(ctx, "BFD session was created",
		fmt.Sprintf("%s -> %s", t.EntityKey(), model.BfdKey(t.RemoteSwitchID, t.RemotePort)))
	return nil
}

func (svc *Service) commitBfdDelete(ctx context.Context, s *saga.Saga[*bfdContext]) error {
	key := model.BfdKey(s.Data.switchID, s.Data.port)
	if err := svc.bfds.Delete(ctx, key); err != nil {
		return errors.Wrap(err, "swmanager", "commitBfdDelete", "delete BFD session")
	}
	s.SaveAction(ctx, "BFD session was deleted", key)
	return nil
}

func (svc *Service) releaseDiscriminator(ctx context.Context, s *saga.Saga[*bfdContext]) error {
	o := s.Data.original
	if err := svc.resources.DeallocateBfdDiscriminator(ctx, o.SwitchID, o.Discriminator); err != nil {
		s.SaveError(ctx, "Failed to deallocate resources",
			fmt.Sprintf("%s: %v", discriminatorDetails(o.SwitchID, o.Discriminator), err))
		return nil
	}
	s.SaveAction(ctx, "The BFD discriminator was deallocated", discriminatorDetails(o.SwitchID, o.Discriminator))
	return nil
}

func (svc *Service) revertBfd(ctx context.Context, s *saga.Saga[*bfdContext]) error {
	c := s.Data
	key := model.BfdKey(c.switchID, c.port)
	if c.created {
		if err := svc.bfds.Delete(ctx, key); err != nil {
			return errors.Wrap(err, "swmanager", "revertBfd", "remove created BFD session")
		}
		s.SaveAction(ctx, "BFD session was removed", key)
		return nil
	}
	if c.original == nil {
		return nil
	}
	_, err := svc.bfds.Update(ctx, key, func(b *model.BfdSession) error {
		b.Status = c.original.Status
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "swmanager", "revertBfd", "restore BFD status")
	}
	s.SaveAction(ctx, "BFD session status was reverted", string(c.original.Status))
	return nil
}

func discriminatorDetails(sw model.SwitchID, disc uint32) string {
	return fmt.Sprintf("%s / %d", sw, disc)
}
