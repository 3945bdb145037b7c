// Package flowhs implements the flow and y-flow sagas: create, reroute and
// delete for flows, and create, update, reroute and delete for y-flows.
//
// Every saga follows saga.Standard. Validation moves the stored entity to
// IN_PROGRESS in a single repository update and captures its prior state.
// Allocation reserves meters, each paired with its release on the undo stack.
// Forward commands install rules along the precomputed paths with the ingress
// rule last. After commit, reroutes and updates remove the superseded rules
// and release the superseded meters; failures there are recorded in history
// and leave the committed state in place.
package flowhs
