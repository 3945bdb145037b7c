// Package speaker defines the switch-facing command and response types and the
// per-command response timeout tracker.
//
// A Command is an idempotent unit of switch configuration addressed to one
// switch. Commands are values: once built they are never mutated, and a retry
// re-sends the identical command under the same id.
package speaker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/c360/ofsaga/model"
)

// Operation is the kind of change a command applies.
type Operation string

// Operations
const (
	OpInstall Operation = "INSTALL"
	OpModify  Operation = "MODIFY"
	OpDelete  Operation = "DELETE"
)

// ObjectKind is the switch object a command manages.
type ObjectKind string

// Object kinds
const (
	KindFlowRule   ObjectKind = "FLOW_RULE"
	KindMeter      ObjectKind = "METER"
	KindGroup      ObjectKind = "GROUP"
	KindLagPort    ObjectKind = "LAG_PORT"
	KindBfdSession ObjectKind = "BFD_SESSION"
)

// Payload describes the object to install, modify or delete. Descriptor is
// opaque to orchestration and is forwarded to the speaker untouched.
type Payload struct {
	Op         Operation         `json:"op"`
	Kind       ObjectKind        `json:"kind"`
	Cookie     uint64            `json:"cookie,omitempty"`
	MeterID    uint32            `json:"meter_id,omitempty"`
	Bandwidth  int64             `json:"bandwidth,omitempty"`
	Descriptor map[string]string `json:"descriptor,omitempty"`
}

// Command is addressed to one switch and may depend on other commands of the same batch.
type Command struct {
	ID        uuid.UUID      `json:"command_id"`
	SwitchID  model.SwitchID `json:"switch_id"`
	DependsOn []uuid.UUID    `json:"depends_on,omitempty"`
	Payload   Payload        `json:"payload"`
}

// NewCommand creates a command with a fresh id.
func NewCommand(sw model.SwitchID, payload Payload, dependsOn ...uuid.UUID) Command {
	return Command{
		ID:        uuid.New(),
		SwitchID:  sw,
		DependsOn: append([]uuid.UUID(nil), dependsOn...),
		Payload:   payload,
	}
}

// After returns a copy of c that additionally depends on ids.
func (c Command) After(ids ...uuid.UUID) Command {
	deps := make([]uuid.UUID, 0, len(c.DependsOn)+len(ids))
	deps = append(deps, c.DependsOn...)
	deps = append(deps, ids...)
	c.DependsOn = deps
	return c
}

// Inverse returns a command that undoes c on the same switch, with a fresh id and
// no dependencies. Modifications carry no prior state and cannot be inverted.
func (c Command) Inverse() (Command, bool) {
	payload := c.Payload
	switch payload.Op {
	case OpInstall:
		payload.Op = OpDelete
	case OpDelete:
		payload.Op = OpInstall
	default:
		return Command{}, false
	}
	return NewCommand(c.SwitchID, payload), true
}

func (c Command) String() string {
	return fmt.Sprintf("%s %s on %s (%s)", c.Payload.Op, c.Payload.Kind, c.SwitchID, c.ID)
}

// Envelope carries a command to the speaker together with the saga key the
// response must be routed back to.
type Envelope struct {
	Key     string  `json:"key"`
	Command Command `json:"command"`
}
