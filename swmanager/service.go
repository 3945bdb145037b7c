package swmanager

import (
	"log/slog"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/resources"
	"github.com/c360/ofsaga/saga"
)

// Saga type names.
const (
	TypeLagCreate  = "lag-create"
	TypeLagDelete  = "lag-delete"
	TypeBfdCreate  = "bfd-create"
	TypeBfdDelete  = "bfd-delete"
	TypeSwitchSync = "switch-sync"
)

// Config holds the switch port numbering used by the switch sagas.
type Config struct {
	// BfdPortOffset is added to a physical port number to form the BFD
	// logical port number.
	BfdPortOffset int `json:"bfd_port_offset" yaml:"bfd_port_offset"`
	// BfdPortMaxNumber is the highest physical port a BFD session may run on.
	BfdPortMaxNumber int `json:"bfd_port_max_number" yaml:"bfd_port_max_number"`
}

// DefaultConfig returns the numbering used when none is configured.
func DefaultConfig() Config {
	return Config{BfdPortOffset: 200, BfdPortMaxNumber: 200}
}

// Validate checks the numbering.
func (c Config) Validate() error {
	if c.BfdPortOffset <= 0 || c.BfdPortMaxNumber <= 0 {
		return errors.ErrInvalidConfig
	}
	return nil
}

// LagCreateRequest groups physical ports of a switch into a new LAG logical port.
type LagCreateRequest struct {
	SwitchID      model.SwitchID `json:"switch_id"`
	PhysicalPorts []int          `json:"physical_ports"`
	LacpReply     bool           `json:"lacp_reply"`
}

// LagDeleteRequest removes a LAG logical port.
type LagDeleteRequest struct {
	SwitchID          model.SwitchID `json:"switch_id"`
	LogicalPortNumber uint32         `json:"logical_port_number"`
}

// BfdCreateRequest enables BFD on a physical port towards a remote switch.
type BfdCreateRequest struct {
	SwitchID       model.SwitchID `json:"switch_id"`
	Port           int            `json:"port"`
	RemoteSwitchID model.SwitchID `json:"remote_switch_id"`
	RemotePort     int            `json:"remote_port"`
	IntervalMs     int            `json:"interval_ms"`
	Multiplier     int            `json:"multiplier"`
}

// BfdDeleteRequest disables BFD on a physical port.
type BfdDeleteRequest struct {
	SwitchID model.SwitchID `json:"switch_id"`
	Port     int            `json:"port"`
}

// SwitchSyncRequest repairs the logical ports of a switch from a validation
// report. Missing and misconfigured ports must be stored; excess ports must
// not be. Excess ports are only removed when RemoveExcess is set.
type SwitchSyncRequest struct {
	SwitchID              model.SwitchID `json:"switch_id"`
	MissingLagPorts       []uint32       `json:"missing_lag_ports,omitempty"`
	MisconfiguredLagPorts []uint32       `json:"misconfigured_lag_ports,omitempty"`
	ExcessLagPorts        []uint32       `json:"excess_lag_ports,omitempty"`
	MissingBfdPorts       []int          `json:"missing_bfd_ports,omitempty"`
	RemoveExcess          bool           `json:"remove_excess"`
}

// LagKey is the saga key of LAG operations. LAG changes of one switch are
// serialized so port membership checks see a stable set.
func LagKey(sw model.SwitchID) string { return "lag:" + string(sw) }

// BfdKey is the saga key of BFD operations on one port.
func BfdKey(sw model.SwitchID, port int) string { return "bfd:" + model.BfdKey(sw, port) }

// SyncKey is the saga key of switch syncs.
func SyncKey(sw model.SwitchID) string { return "sync:" + string(sw) }

// Service builds the LAG and BFD sagas.
type Service struct {
	lags      persistence.Repository[*model.LagLogicalPort]
	bfds      persistence.Repository[*model.BfdSession]
	resources *resources.Manager
	features  model.FeatureToggles
	cfg       Config
	logger    *slog.Logger

	lagCreate *saga.Definition[*lagContext]
	lagDelete *saga.Definition[*lagContext]
	bfdCreate *saga.Definition[*bfdContext]
	bfdDelete *saga.Definition[*bfdContext]
	sync      *saga.Definition[*syncContext]
}

// NewService creates a Service.
func NewService(
	lags persistence.Repository[*model.LagLogicalPort],
	bfds persistence.Repository[*model.BfdSession],
	res *resources.Manager,
	features model.FeatureToggles,
	cfg Config,
	logger *slog.Logger,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "swmanager", "NewService", "validate config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		lags:      lags,
		bfds:      bfds,
		resources: res,
		features:  features,
		cfg:       cfg,
		logger:    logger.With("component", "swmanager"),
	}
	svc.lagCreate = saga.Standard(TypeLagCreate, saga.Steps[*lagContext]{
		Validate: svc.validateLagCreate,
		Allocate: svc.allocateLag,
		Commands: svc.lagInstall,
		Commit:   svc.commitLag,
		Revert:   svc.revertLag,
	})
	svc.lagDelete = saga.Standard(TypeLagDelete, saga.Steps[*lagContext]{
		Validate: svc.validateLagDelete,
		Commands: svc.lagRemove,
		Commit:   svc.commitLagDelete,
		Cleanup:  svc.releaseLagPort,
		Revert:   svc.revertLag,
	})
	svc.bfdCreate = saga.Standard(TypeBfdCreate, saga.Steps[*bfdContext]{
		Validate: svc.validateBfdCreate,
		Allocate: svc.allocateBfd,
		Commands: svc.bfdInstall,
		Commit:   svc.commitBfd,
		Revert:   svc.revertBfd,
	})
	svc.bfdDelete = saga.Standard(TypeBfdDelete, saga.Steps[*bfdContext]{
		Validate: svc.validateBfdDelete,
		Commands: svc.bfdRemove,
		Commit:   svc.commitBfdDelete,
		Cleanup:  svc.releaseDiscriminator,
		Revert:   svc.revertBfd,
	})
	svc.sync = saga.Standard(TypeSwitchSync, saga.Steps[*syncContext]{
		Validate: svc.validateSwitchSync,
		Commands: svc.syncCommands,
		Commit:   svc.commitSwitchSync,
	})
	return svc, nil
}

// NewLagCreate returns a saga creating a LAG logical port.
func (svc *Service) NewLagCreate(rt saga.Runtime, taskID string, req LagCreateRequest) saga.FSM {
	return saga.New(svc.lagCreate, rt, LagKey(req.SwitchID), taskID, &lagContext{switchID: req.SwitchID, create: &req})
}

// NewLagDelete returns a saga deleting a LAG logical port.
func (svc *Service) NewLagDelete(rt saga.Runtime, taskID string, req LagDeleteRequest) saga.FSM {
	return saga.New(svc.lagDelete, rt, LagKey(req.SwitchID), taskID,
		&lagContext{switchID: req.SwitchID, logicalPort: req.LogicalPortNumber})
}

// NewBfdCreate returns a saga enabling BFD on a port.
func (svc *Service) NewBfdCreate(rt saga.Runtime, taskID string, req BfdCreateRequest) saga.FSM {
	return saga.New(svc.bfdCreate, rt, BfdKey(req.SwitchID, req.Port), taskID,
		&bfdContext{switchID: req.SwitchID, port: req.Port, create: &req})
}

// NewBfdDelete returns a saga disabling BFD on a port.
func (svc *Service) NewBfdDelete(rt saga.Runtime, taskID string, req BfdDeleteRequest) saga.FSM {
	return saga.New(svc.bfdDelete, rt, BfdKey(req.SwitchID, req.Port), taskID,
		&bfdContext{switchID: req.SwitchID, port: req.Port})
}

// NewSwitchSync returns a saga replaying stored logical ports onto a switch.
func (svc *Service) NewSwitchSync(rt saga.Runtime, taskID string, req SwitchSyncRequest) saga.FSM {
	return saga.New(svc.sync, rt, SyncKey(req.SwitchID), taskID, &syncContext{req: req})
}

// loadErr maps an error of a validating Update: a missing key becomes
// notFound and classified rejections pass through.
func loadErr(err, notFound error, method string) error {
	switch {
	case persistence.IsNotFound(err):
		return notFound
	case errors.TypeOf(err) != errors.ErrorTypeInternal:
		return err
	default:
		return errors.Wrap(err, "swmanager", method, "mark entity in progress")
	}
}

func (svc *Service) checkEnabled() error {
	if !svc.features.LagEnabled {
		return errors.NotPermitted("LAG feature is disabled")
	}
	return nil
}
