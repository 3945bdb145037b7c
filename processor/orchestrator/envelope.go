package orchestrator

import (
	"encoding/json"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/flowhs"
	"github.com/c360/ofsaga/hub"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/saga"
	"github.com/c360/ofsaga/swmanager"
)

// Request types accepted on the requests subject.
const (
	RequestFlowCreate   = "flow.create"
	RequestFlowReroute  = "flow.reroute"
	RequestFlowDelete   = "flow.delete"
	RequestYFlowCreate  = "yflow.create"
	RequestYFlowUpdate  = "yflow.update"
	RequestYFlowReroute = "yflow.reroute"
	RequestYFlowDelete  = "yflow.delete"
	RequestLagCreate    = "lag.create"
	RequestLagDelete    = "lag.delete"
	RequestBfdCreate    = "bfd.create"
	RequestBfdDelete    = "bfd.delete"
	RequestSwitchSync   = "switch.sync"
)

// RequestEnvelope is the wire form of a northbound request.
type RequestEnvelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// Lifecycle signals.
const (
	SignalActivate   = "activate"
	SignalDeactivate = "deactivate"
	SignalInactive   = "inactive"
)

// LifecycleMessage is the wire form of activate, deactivate and inactive signals.
type LifecycleMessage struct {
	Signal string `json:"signal"`
}

// decoder turns envelopes into hub requests.
type decoder struct {
	flows    *flowhs.Service
	switches *swmanager.Service
}

func decodePayload[R any](env RequestEnvelope) (R, error) {
	var req R
	if len(env.Payload) == 0 {
		return req, errors.RequestInvalid("Request %s has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return req, errors.RequestInvalid("Invalid %s payload: %v", env.Type, err)
	}
	return req, nil
}

// typed builds a hub request whose saga is created by build.
func typed[R any](env RequestEnvelope, key func(R) string, build func(saga.Runtime, string, R) saga.FSM) (hub.Request, error) {
	req, err := decodePayload[R](env)
	if err != nil {
		return hub.Request{}, err
	}
	k := key(req)
	if k == "" {
		return hub.Request{}, errors.RequestInvalid("Request %s has no entity id", env.Type)
	}
	return hub.Request{
		Key:           k,
		Type:          env.Type,
		CorrelationID: env.CorrelationID,
		New: func(rt saga.Runtime, taskID string) saga.FSM {
			return build(rt, taskID, req)
		},
	}, nil
}

func (d *decoder) decode(env RequestEnvelope) (hub.Request, error) {
	f, sw := d.flows, d.switches
	switch env.Type {
	case RequestFlowCreate:
		return typed(env, func(r flowhs.FlowCreateRequest) string { return flowKey(r.Flow.FlowID) }, f.NewFlowCreate)
	case RequestFlowReroute:
		return typed(env, func(r flowhs.FlowRerouteRequest) string { return flowKey(r.FlowID) }, f.NewFlowReroute)
	case RequestFlowDelete:
		return typed(env, func(r flowhs.FlowDeleteRequest) string { return flowKey(r.FlowID) }, f.NewFlowDelete)
	case RequestYFlowCreate:
		return typed(env, func(r flowhs.YFlowCreateRequest) string { return yFlowKey(r.YFlow.YFlowID) }, f.NewYFlowCreate)
	case RequestYFlowUpdate:
		return typed(env, func(r flowhs.YFlowUpdateRequest) string { return yFlowKey(r.YFlow.YFlowID) }, f.NewYFlowUpdate)
	case RequestYFlowReroute:
		return typed(env, func(r flowhs.YFlowRerouteRequest) string { return yFlowKey(r.YFlowID) }, f.NewYFlowReroute)
	case RequestYFlowDelete:
		return typed(env, func(r flowhs.YFlowDeleteRequest) string { return yFlowKey(r.YFlowID) }, f.NewYFlowDelete)
	case RequestLagCreate:
		return typed(env, func(r swmanager.LagCreateRequest) string { return lagKey(r.SwitchID) }, sw.NewLagCreate)
	case RequestLagDelete:
		return typed(env, func(r swmanager.LagDeleteRequest) string { return lagKey(r.SwitchID) }, sw.NewLagDelete)
	case RequestBfdCreate:
		return typed(env, func(r swmanager.BfdCreateRequest) string { return bfdKey(r.SwitchID, r.Port) }, sw.NewBfdCreate)
	case RequestBfdDelete:
		return typed(env, func(r swmanager.BfdDeleteRequest) string { return bfdKey(r.SwitchID, r.Port) }, sw.NewBfdDelete)
	case RequestSwitchSync:
		return typed(env, func(r swmanager.SwitchSyncRequest) string { return syncKey(r.SwitchID) }, sw.NewSwitchSync)
	default:
		return hub.Request{}, errors.RequestInvalid("Unsupported request type %q", env.Type)
	}
}

// The key helpers return "" for a missing id so the request is rejected.

func flowKey(id string) string {
	if id == "" {
		return ""
	}
	return flowhs.FlowKey(id)
}

func yFlowKey(id string) string {
	if id == "" {
		return ""
	}
	return flowhs.YFlowKey(id)
}

func lagKey(sw model.SwitchID) string {
	if sw == "" {
		return ""
	}
	return swmanager.LagKey(sw)
}

func bfdKey(sw model.SwitchID, port int) string {
	if sw == "" {
		return ""
	}
	return swmanager.BfdKey(sw, port)
}

func syncKey(sw model.SwitchID) string {
	if sw == "" {
		return ""
	}
	return swmanager.SyncKey(sw)
}
