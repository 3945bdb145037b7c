package model

// FeatureToggles switch whole operation families on or off. A disabled
// operation is rejected with NOT_PERMITTED before any state is touched.
type FeatureToggles struct {
	FlowsRerouteEnabled bool `json:"flows_reroute_enabled" yaml:"flows_reroute_enabled"`
	YFlowCreateEnabled  bool `json:"y_flow_create_enabled" yaml:"y_flow_create_enabled"`
	YFlowRerouteEnabled bool `json:"y_flow_reroute_enabled" yaml:"y_flow_reroute_enabled"`
	LagEnabled          bool `json:"lag_enabled" yaml:"lag_enabled"`
}

// AllFeatures returns toggles with every operation enabled.
func AllFeatures() FeatureToggles {
	return FeatureToggles{
		FlowsRerouteEnabled: true,
		YFlowCreateEnabled:  true,
		YFlowRerouteEnabled: true,
		LagEnabled:          true,
	}
}
