package speaker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// TimeoutTracker synthesises OPERATION_TIMED_OUT responses for commands the
// speaker did not answer within the configured TTL.
type TimeoutTracker struct {
	ttl   time.Duration
	cache *ttlcache.Cache[uuid.UUID, Envelope]
}

// NewTimeoutTracker creates a tracker. onTimeout runs on its own goroutine per
// expiry and reports whether the response was handed off; when it was not, the
// command is tracked again for another ttl.
func NewTimeoutTracker(ttl time.Duration, onTimeout func(Response) bool) *TimeoutTracker {
	t := &TimeoutTracker{
		ttl: ttl,
		cache: ttlcache.New(
			ttlcache.WithTTL[uuid.UUID, Envelope](ttl),
			ttlcache.WithDisableTouchOnHit[uuid.UUID, Envelope](),
		),
	}

	t.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uuid.UUID, Envelope]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		env := item.Value()
		resp := FailureFor(env.Key, env.Command, ErrorOperationTimedOut,
			fmt.Sprintf("no response from switch %s within %s", env.Command.SwitchID, ttl))
		if !onTimeout(resp) {
			t.Track(env.Key, env.Command)
		}
	})

	return t
}

// Start runs the expiration loop until Stop is called.
func (t *TimeoutTracker) Start() {
	go t.cache.Start()
}

// Stop halts the expiration loop. Tracked commands are dropped without firing.
func (t *TimeoutTracker) Stop() {
	t.cache.Stop()
}

// Track starts, or restarts on re-send, the timeout of a command.
func (t *TimeoutTracker) Track(key string, cmd Command) {
	t.cache.Set(cmd.ID, Envelope{Key: key, Command: cmd}, ttlcache.DefaultTTL)
}

// Resolve cancels the timeout of a command and returns what was tracked for it.
func (t *TimeoutTracker) Resolve(id uuid.UUID) (Envelope, bool) {
	item, present := t.cache.GetAndDelete(id)
	if !present {
		return Envelope{}, false
	}
	return item.Value(), true
}

// Len returns the number of commands awaiting a response.
func (t *TimeoutTracker) Len() int {
	return t.cache.Len()
}
