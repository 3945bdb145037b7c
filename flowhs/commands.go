package flowhs

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/speaker"
)

const (
	cookieFlowFlag  uint64 = 0x4000_0000_0000_0000
	cookieValueMask uint64 = 0x000F_FFFF_FFFF_FFFF
)

// Rule roles carried in the command descriptor.
const (
	roleIngress = "ingress"
	roleTransit = "transit"
	roleEgress  = "egress"
)

// newCookie derives the rule cookie of a flow generation. A reroute or update
// bumps salt so new rules never collide with the ones they replace.
func newCookie(flowID string, salt uint64) uint64 {
	h := xxhash.Sum64String(flowID + "/" + strconv.FormatUint(salt, 10))
	return cookieFlowFlag | (h & cookieValueMask)
}

func ruleCommand(op speaker.Operation, sw model.SwitchID, flowID string, cookie uint64, role string) speaker.Command {
	return speaker.NewCommand(sw, speaker.Payload{
		Op:     op,
		Kind:   speaker.KindFlowRule,
		Cookie: cookie,
		Descriptor: map[string]string{
			"flow_id": flowID,
			"role":    role,
		},
	})
}

func meterCommand(op speaker.Operation, sw model.SwitchID, meterID uint32, bandwidth int64, owner string) speaker.Command {
	return speaker.NewCommand(sw, speaker.Payload{
		Op:         op,
		Kind:       speaker.KindMeter,
		MeterID:    meterID,
		Bandwidth:  bandwidth,
		Descriptor: map[string]string{"owner": owner},
	})
}

func roleOf(i, n int) string {
	switch {
	case i == 0:
		return roleIngress
	case i == n-1:
		return roleEgress
	default:
		return roleTransit
	}
}

// installPath installs the rules of one path. Ingress goes last so traffic is
// only admitted once the rest of the path is in place. Rules wait for the
// meters installed on their switch.
func installPath(flowID string, cookie uint64, path []model.SwitchID, meters map[model.SwitchID][]uuid.UUID) []speaker.Command {
	cmds := make([]speaker.Command, 0, len(path))
	var downstream []uuid.UUID
	for i := len(path) - 1; i >= 1; i-- {
		cmd := ruleCommand(speaker.OpInstall, path[i], flowID, cookie, roleOf(i, len(path))).After(meters[path[i]]...)
		cmds = append(cmds, cmd)
		downstream = append(downstream, cmd.ID)
	}
	ingress := ruleCommand(speaker.OpInstall, path[0], flowID, cookie, roleIngress).
		After(downstream...).
		After(meters[path[0]]...)
	return append(cmds, ingress)
}

// removePath removes the rules of one path, ingress first. The ids of the
// removals are collected per switch in onSwitch so meter removals can follow.
func removePath(flowID string, cookie uint64, path []model.SwitchID, onSwitch map[model.SwitchID][]uuid.UUID) []speaker.Command {
	ingress := ruleCommand(speaker.OpDelete, path[0], flowID, cookie, roleIngress)
	onSwitch[path[0]] = append(onSwitch[path[0]], ingress.ID)
	cmds := []speaker.Command{ingress}
	for i := 1; i < len(path); i++ {
		cmd := ruleCommand(speaker.OpDelete, path[i], flowID, cookie, roleOf(i, len(path))).After(ingress.ID)
		onSwitch[path[i]] = append(onSwitch[path[i]], cmd.ID)
		cmds = append(cmds, cmd)
	}
	return cmds
}

func flowInstallCommands(f *model.Flow) []speaker.Command {
	var cmds []speaker.Command
	meters := make(map[model.SwitchID][]uuid.UUID)
	if f.MeterID != 0 {
		m := meterCommand(speaker.OpInstall, f.IngressSwitch(), f.MeterID, f.Bandwidth, f.FlowID)
		meters[m.SwitchID] = append(meters[m.SwitchID], m.ID)
		cmds = append(cmds, m)
	}
	return append(cmds, installPath(f.FlowID, f.Cookie, f.Path, meters)...)
}

func flowRemoveCommands(f *model.Flow) []speaker.Command {
	onSwitch := make(map[model.SwitchID][]uuid.UUID)
	cmds := removePath(f.FlowID, f.Cookie, f.Path, onSwitch)
	if f.MeterID != 0 {
		sw := f.IngressSwitch()
		cmds = append(cmds, meterCommand(speaker.OpDelete, sw, f.MeterID, f.Bandwidth, f.FlowID).After(onSwitch[sw]...))
	}
	return cmds
}

// yMeter is one of the meters a y-flow holds.
type yMeter struct {
	label    string
	switchID model.SwitchID
	meterID  uint32
}

func (m yMeter) String() string {
	return fmt.Sprintf("%s / %d", m.switchID, m.meterID)
}

// yFlowMeters lists the meters of y in allocation order: shared endpoint, main
// path y-point, protected path y-point.
func yFlowMeters(y *model.YFlow) []yMeter {
	var out []yMeter
	if y.SharedEndpointMeterID != 0 {
		out = append(out, yMeter{label: "shared endpoint", switchID: y.SharedEndpoint.SwitchID, meterID: y.SharedEndpointMeterID})
	}
	if y.YPointMeterID != 0 {
		out = append(out, yMeter{label: "main paths", switchID: y.YPoint, meterID: y.YPointMeterID})
	}
	if y.ProtectedMeterID != 0 {
		out = append(out, yMeter{label: "protected paths", switchID: y.ProtectedYPoint, meterID: y.ProtectedMeterID})
	}
	return out
}

func yFlowInstallCommands(y *model.YFlow) []speaker.Command {
	var cmds []speaker.Command
	meters := make(map[model.SwitchID][]uuid.UUID)
	for _, m := range yFlowMeters(y) {
		cmd := meterCommand(speaker.OpInstall, m.switchID, m.meterID, y.Bandwidth, y.YFlowID)
		meters[m.switchID] = append(meters[m.switchID], cmd.ID)
		cmds = append(cmds, cmd)
	}
	for _, sf := range y.SubFlows {
		cmds = append(cmds, installPath(sf.FlowID, sf.Cookie, sf.Path, meters)...)
	}
	return cmds
}

func yFlowRemoveCommands(y *model.YFlow) []speaker.Command {
	var cmds []speaker.Command
	onSwitch := make(map[model.SwitchID][]uuid.UUID)
	for _, sf := range y.SubFlows {
		cmds = append(cmds, removePath(sf.FlowID, sf.Cookie, sf.Path, onSwitch)...)
	}
	for _, m := range yFlowMeters(y) {
		cmds = append(cmds, meterCommand(speaker.OpDelete, m.switchID, m.meterID, y.Bandwidth, y.YFlowID).After(onSwitch[m.switchID]...))
	}
	return cmds
}
