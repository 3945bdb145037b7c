package model

import (
	"fmt"
	"slices"
	"time"
)

// Flow is a unidirectional-pair switch path between two endpoints.
type Flow struct {
	FlowID      string     `json:"flow_id"`
	YFlowID     string     `json:"y_flow_id,omitempty"`
	Source      Endpoint   `json:"source"`
	Destination Endpoint   `json:"destination"`
	Bandwidth   int64      `json:"bandwidth"`
	Path        []SwitchID `json:"path"`
	Status      Status     `json:"status"`

	// Resources held by the flow. MeterID is zero for unmetered flows.
	MeterID uint32 `json:"meter_id,omitempty"`
	Cookie  uint64 `json:"cookie"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntityKey returns the flow id.
func (f *Flow) EntityKey() string { return f.FlowID }

// Revision returns the store revision the flow was loaded at.
func (f *Flow) Revision() uint64 { return f.Version }

// SetRevision records the store revision.
func (f *Flow) SetRevision(rev uint64) { f.Version = rev }

// IngressSwitch returns the first switch of the path.
func (f *Flow) IngressSwitch() SwitchID {
	if len(f.Path) == 0 {
		return f.Source.SwitchID
	}
	return f.Path[0]
}

// Traverses reports whether the flow path goes through sw.
func (f *Flow) Traverses(sw SwitchID) bool {
	return slices.Contains(f.Path, sw)
}

// Clone returns a deep copy of f.
func (f *Flow) Clone() *Flow {
	c := *f
	c.Path = slices.Clone(f.Path)
	return &c
}

// Validate checks a flow before it is persisted.
func (f *Flow) Validate() error {
	if f.FlowID == "" {
		return fmt.Errorf("flow id cannot be empty")
	}
	if err := f.Source.Validate(); err != nil {
		return fmt.Errorf("flow %s source: %w", f.FlowID, err)
	}
	if err := f.Destination.Validate(); err != nil {
		return fmt.Errorf("flow %s destination: %w", f.FlowID, err)
	}
	if f.Bandwidth < 0 {
		return fmt.Errorf("flow %s has negative bandwidth", f.FlowID)
	}
	return ValidatePath(f.Source.SwitchID, f.Destination.SwitchID, f.Path)
}

// ValidatePath checks that path starts at src, ends at dst and has no repeated switches.
func ValidatePath(src, dst SwitchID, path []SwitchID) error {
	if len(path) == 0 {
		return fmt.Errorf("path cannot be empty")
	}
	if path[0] != src || path[len(path)-1] != dst {
		return fmt.Errorf("path must run from %s to %s", src, dst)
	}
	seen := make(map[SwitchID]bool, len(path))
	for _, sw := range path {
		if seen[sw] {
			return fmt.Errorf("path visits switch %s twice", sw)
		}
		seen[sw] = true
	}
	return nil
}
