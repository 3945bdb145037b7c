package model

import (
	"fmt"
	"slices"
	"time"
)

// SubFlow is one branch of a y-flow: the path from the shared endpoint through
// the y-point to the branch endpoint.
type SubFlow struct {
	FlowID   string     `json:"flow_id"`
	Endpoint Endpoint   `json:"endpoint"`
	Path     []SwitchID `json:"path"`
	Cookie   uint64     `json:"cookie"`
}

// YFlow is a set of sub-flows sharing a trunk from SharedEndpoint to YPoint.
type YFlow struct {
	YFlowID               string    `json:"y_flow_id"`
	SharedEndpoint        Endpoint  `json:"shared_endpoint"`
	Bandwidth             int64     `json:"bandwidth"`
	YPoint                SwitchID  `json:"y_point"`
	ProtectedYPoint       SwitchID  `json:"protected_y_point,omitempty"`
	AllocateProtectedPath bool      `json:"allocate_protected_path"`
	SubFlows              []SubFlow `json:"sub_flows"`
	Status                Status    `json:"status"`

	SharedEndpointMeterID uint32 `json:"shared_endpoint_meter_id,omitempty"`
	YPointMeterID         uint32 `json:"y_point_meter_id,omitempty"`
	ProtectedMeterID      uint32 `json:"protected_y_point_meter_id,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityKey returns the y-flow id.
func (y *YFlow) EntityKey() string { return y.YFlowID }

// Revision returns the store revision the y-flow was loaded at.
func (y *YFlow) Revision() uint64 { return y.Version }

// SetRevision records the store revision.
func (y *YFlow) SetRevision(rev uint64) { y.Version = rev }

// SubFlowIDs returns the ids of all sub-flows in declaration order.
func (y *YFlow) SubFlowIDs() []string {
	ids := make([]string, 0, len(y.SubFlows))
	for _, sf := range y.SubFlows {
		ids = append(ids, sf.FlowID)
	}
	return ids
}

// SubFlowRecord returns the flow record of sub-flow i: the path from the shared
// endpoint to the sub-flow endpoint, owned by y. Sub-flows share the y-flow
// meters, so the record holds none.
func (y *YFlow) SubFlowRecord(i int) *Flow {
	sf := y.SubFlows[i]
	return &Flow{
		FlowID:      sf.FlowID,
		YFlowID:     y.YFlowID,
		Source:      y.SharedEndpoint,
		Destination: sf.Endpoint,
		Bandwidth:   y.Bandwidth,
		Path:        slices.Clone(sf.Path),
		Status:      y.Status,
		Cookie:      sf.Cookie,
	}
}

// Traverses reports whether any sub-flow path goes through sw.
func (y *YFlow) Traverses(sw SwitchID) bool {
	if y.YPoint == sw || y.ProtectedYPoint == sw || y.SharedEndpoint.SwitchID == sw {
		return true
	}
	for _, sf := range y.SubFlows {
		for _, hop := range sf.Path {
			if hop == sw {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of y.
func (y *YFlow) Clone() *YFlow {
	c := *y
	c.SubFlows = make([]SubFlow, len(y.SubFlows))
	for i, sf := range y.SubFlows {
		sf.Path = slices.Clone(sf.Path)
		c.SubFlows[i] = sf
	}
	return &c
}

// Validate checks a y-flow before it is persisted.
func (y *YFlow) Validate() error {
	if y.YFlowID == "" {
		return fmt.Errorf("y-flow id cannot be empty")
	}
	if err := y.SharedEndpoint.Validate(); err != nil {
		return fmt.Errorf("y-flow %s shared endpoint: %w", y.YFlowID, err)
	}
	if err := y.YPoint.Validate(); err != nil {
		return fmt.Errorf("y-flow %s y-point: %w", y.YFlowID, err)
	}
	if y.AllocateProtectedPath {
		if err := y.ProtectedYPoint.Validate(); err != nil {
			return fmt.Errorf("y-flow %s protected y-point: %w", y.YFlowID, err)
		}
	}
	seen := make(map[string]bool, len(y.SubFlows))
	for _, sf := range y.SubFlows {
		if sf.FlowID == "" {
			return fmt.Errorf("y-flow %s has a sub-flow without id", y.YFlowID)
		}
		if seen[sf.FlowID] {
			return fmt.Errorf("y-flow %s has duplicate sub-flow %s", y.YFlowID, sf.FlowID)
		}
		seen[sf.FlowID] = true
		if err := sf.Endpoint.Validate(); err != nil {
			return fmt.Errorf("sub-flow %s endpoint: %w", sf.FlowID, err)
		}
		if err := ValidatePath(y.SharedEndpoint.SwitchID, sf.Endpoint.SwitchID, sf.Path); err != nil {
			return fmt.Errorf("sub-flow %s: %w", sf.FlowID, err)
		}
	}
	return nil
}
