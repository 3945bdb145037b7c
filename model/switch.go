package model

import (
	"fmt"
	"regexp"
)

var switchIDPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}:){7}[0-9a-fA-F]{2}$`)

// SwitchID is the datapath id of an OpenFlow switch in colon separated form,
// e.g. "00:00:00:00:00:00:00:01".
type SwitchID string

// Validate checks the datapath id format.
func (s SwitchID) Validate() error {
	if !switchIDPattern.MatchString(string(s)) {
		return fmt.Errorf("invalid switch id %q", string(s))
	}
	return nil
}

func (s SwitchID) String() string { return string(s) }

// Endpoint is a customer facing port on a switch.
type Endpoint struct {
	SwitchID SwitchID `json:"switch_id"`
	Port     int      `json:"port"`
	VlanID   int      `json:"vlan_id,omitempty"`
}

// Validate checks the endpoint fields.
func (e Endpoint) Validate() error {
	if err := e.SwitchID.Validate(); err != nil {
		return err
	}
	if e.Port <= 0 {
		return fmt.Errorf("invalid port %d on switch %s", e.Port, e.SwitchID)
	}
	if e.VlanID < 0 || e.VlanID > 4095 {
		return fmt.Errorf("invalid vlan %d on %s:%d", e.VlanID, e.SwitchID, e.Port)
	}
	return nil
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s_%d_%d", e.SwitchID, e.Port, e.VlanID)
}

// IslEndpoint is one end of an inter-switch link.
type IslEndpoint struct {
	SwitchID SwitchID `json:"switch_id"`
	Port     int      `json:"port"`
}

// Status is the lifecycle status shared by flows, y-flows and switch port configs.
type Status string

// Status values
const (
	StatusUp         Status = "UP"
	StatusDown       Status = "DOWN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDegraded   Status = "DEGRADED"
)
