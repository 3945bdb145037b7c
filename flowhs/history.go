package flowhs

import (
	"fmt"
	"strings"

	"github.com/c360/ofsaga/model"
)

func meterAllocated(sw model.SwitchID, meterID uint32) string {
	return fmt.Sprintf("The meter %s / %d was allocated", sw, meterID)
}

func meterDeallocated(sw model.SwitchID, meterID uint32) string {
	return fmt.Sprintf("The meter %s / %d was deallocated", sw, meterID)
}

func notDeallocated(owner string, m yMeter, err error) string {
	return fmt.Sprintf("Failed to deallocate resources %s of %s (%s): %v", m, owner, m.label, err)
}

func pathDetails(path []model.SwitchID) string {
	hops := make([]string, len(path))
	for i, sw := range path {
		hops[i] = string(sw)
	}
	return strings.Join(hops, " -> ")
}

func rerouteDetails(from, to []model.SwitchID, reason string) string {
	details := fmt.Sprintf("%s => %s", pathDetails(from), pathDetails(to))
	if reason != "" {
		details += " (" + reason + ")"
	}
	return details
}
