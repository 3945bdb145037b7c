package saga

import (
	"fmt"
	"sort"

	"github.com/c360/ofsaga/errors"
)

// Register maps saga keys to live sagas and enforces one saga per key.
//
// A Register is owned by exactly one partition worker and is not locked. Keys
// are routed to partitions by hash, so touching a Register from another
// partition's goroutine is a programming error.
type Register struct {
	fsms map[string]FSM
}

// NewRegister creates an empty Register.
func NewRegister() *Register {
	return &Register{fsms: make(map[string]FSM)}
}

// Register adds fsm under key. It fails with ErrDuplicateKey while another saga
// holds the key.
func (r *Register) Register(key string, fsm FSM) error {
	if _, exists := r.fsms[key]; exists {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrDuplicateKey, key),
			"Register", "Register", "register saga")
	}
	r.fsms[key] = fsm
	return nil
}

// Has reports whether a saga holds key.
func (r *Register) Has(key string) bool {
	_, ok := r.fsms[key]
	return ok
}

// Get returns the saga holding key.
func (r *Register) Get(key string) (FSM, bool) {
	fsm, ok := r.fsms[key]
	return fsm, ok
}

// Unregister removes and returns the saga holding key, or nil when the key is free.
func (r *Register) Unregister(key string) FSM {
	fsm, ok := r.fsms[key]
	if !ok {
		return nil
	}
	delete(r.fsms, key)
	return fsm
}

// HasAny reports whether any saga is registered.
func (r *Register) HasAny() bool { return len(r.fsms) > 0 }

// Len returns the number of registered sagas.
func (r *Register) Len() int { return len(r.fsms) }

// Keys returns the registered keys in sorted order.
func (r *Register) Keys() []string {
	keys := make([]string, 0, len(r.fsms))
	for k := range r.fsms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
