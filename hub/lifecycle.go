package hub

import (
	"context"
	"sync/atomic"
)

// Lifecycle tracks whether the hub accepts new work and how many sagas are
// still running across all shards. It is shared by every shard.
type Lifecycle struct {
	active  atomic.Bool
	pending atomic.Bool
	running atomic.Int64

	onInactive func(ctx context.Context)
}

// NewLifecycle creates an active Lifecycle. onInactive runs once when the last
// saga finishes after a Deactivate that found work in flight.
func NewLifecycle(onInactive func(ctx context.Context)) *Lifecycle {
	l := &Lifecycle{onInactive: onInactive}
	l.active.Store(true)
	return l
}

// Activate makes the hub accept requests again.
func (l *Lifecycle) Activate() {
	l.pending.Store(false)
	l.active.Store(true)
}

// Deactivate stops accepting requests and reports whether every operation is
// already completed. When it returns false the inactive callback fires once
// the last running saga terminates.
func (l *Lifecycle) Deactivate() bool {
	l.active.Store(false)
	l.pending.Store(true)
	return l.running.Load() == 0 && l.pending.CompareAndSwap(true, false)
}

// IsActive reports whether new requests are accepted.
func (l *Lifecycle) IsActive() bool { return l.active.Load() }

// Running returns the number of sagas in flight.
func (l *Lifecycle) Running() int64 { return l.running.Load() }

func (l *Lifecycle) begin() { l.running.Add(1) }

func (l *Lifecycle) end(ctx context.Context) {
	if l.running.Add(-1) != 0 || l.active.Load() {
		return
	}
	if l.pending.CompareAndSwap(true, false) && l.onInactive != nil {
		l.onInactive(ctx)
	}
}
