// Package swmanager builds the switch configuration sagas: LAG logical port
// create and delete, BFD session create and delete, and switch sync.
//
// LAG operations of one switch share the saga key LagKey(switch), so at most
// one LAG change per switch is in flight and physical port membership checks
// cannot race. A LAG logical port number comes from the switch's LAG port pool
// and is owned by the LAG's own entity key once allocated. The LAG feature
// toggle gates both operations.
//
// BFD sessions are keyed by switch and physical port. The logical port of a
// session is BfdPortOffset plus the physical port, so physical ports above
// BfdPortMaxNumber are rejected. Each session holds a discriminator from the
// switch's discriminator pool.
//
// A switch sync takes a validation report and replays the stored LAG ports and
// BFD sessions the switch is missing in one batch. It stores nothing, so a
// failed sync only reverts the commands it installed.
package swmanager
