package model

import (
	"fmt"
	"strings"
	"time"
)

// LagLogicalPort groups physical switch ports into one logical port.
type LagLogicalPort struct {
	SwitchID          SwitchID `json:"switch_id"`
	LogicalPortNumber uint32   `json:"logical_port_number"`
	PhysicalPorts     []int    `json:"physical_ports"`
	LacpReply         bool     `json:"lacp_reply"`
	Status            Status   `json:"status"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// LagKey builds the persistence key of a LAG logical port.
func LagKey(sw SwitchID, logicalPort uint32) string {
	return fmt.Sprintf("%s-%d", sw, logicalPort)
}

// EntityKey returns the switch scoped LAG key.
func (l *LagLogicalPort) EntityKey() string { return LagKey(l.SwitchID, l.LogicalPortNumber) }

// Revision returns the store revision.
func (l *LagLogicalPort) Revision() uint64 { return l.Version }

// SetRevision records the store revision.
func (l *LagLogicalPort) SetRevision(rev uint64) { l.Version = rev }

// LagKeyBelongsTo reports whether key was produced by LagKey for sw.
func LagKeyBelongsTo(key string, sw SwitchID) bool {
	return strings.HasPrefix(key, string(sw)+"-")
}

// BfdSession is a BFD session running over a physical port towards a remote switch.
type BfdSession struct {
	SwitchID       SwitchID `json:"switch_id"`
	Port           int      `json:"port"`
	LogicalPort    uint32   `json:"logical_port"`
	RemoteSwitchID SwitchID `json:"remote_switch_id"`
	RemotePort     int      `json:"remote_port"`
	Discriminator  uint32   `json:"discriminator"`
	IntervalMs     int      `json:"interval_ms"`
	Multiplier     int      `json:"multiplier"`
	Status         Status   `json:"status"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// BfdKey builds the persistence key of a BFD session.
func BfdKey(sw SwitchID, port int) string {
	return fmt.Sprintf("%s-%d", sw, port)
}

// EntityKey returns the switch and port scoped key.
func (b *BfdSession) EntityKey() string { return BfdKey(b.SwitchID, b.Port) }

// Revision returns the store revision.
func (b *BfdSession) Revision() uint64 { return b.Version }

// SetRevision records the store revision.
func (b *BfdSession) SetRevision(rev uint64) { b.Version = rev }
