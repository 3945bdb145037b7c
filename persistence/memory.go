package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/c360/ofsaga/errors"
)

type memoryRecord struct {
	data     []byte
	revision uint64
}

// MemoryRepository keeps JSON copies of entities in process, so callers never
// share memory with the store.
type MemoryRepository[T Entity] struct {
	mu       sync.RWMutex
	records  map[string]memoryRecord
	sequence uint64
	newFn    func() T
}

// NewMemoryRepository creates an empty repository. newFn returns a zero entity to decode into.
func NewMemoryRepository[T Entity](newFn func() T) *MemoryRepository[T] {
	return &MemoryRepository[T]{records: make(map[string]memoryRecord), newFn: newFn}
}

func (r *MemoryRepository[T]) decode(rec memoryRecord) (T, error) {
	entity := r.newFn()
	if err := json.Unmarshal(rec.data, entity); err != nil {
		var zero T
		return zero, errors.WrapFatal(err, "MemoryRepository", "decode", "unmarshal entity")
	}
	entity.SetRevision(rec.revision)
	return entity, nil
}

// Get implements Repository.
func (r *MemoryRepository[T]) Get(_ context.Context, key string) (T, error) {
	r.mu.RLock()
	rec, ok := r.records[key]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, notFound("MemoryRepository", "Get", key)
	}
	return r.decode(rec)
}

// Exists implements Repository.
func (r *MemoryRepository[T]) Exists(_ context.Context, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[key]
	return ok, nil
}

// Create implements Repository.
func (r *MemoryRepository[T]) Create(_ context.Context, entity T) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return errors.WrapFatal(err, "MemoryRepository", "Create", "marshal entity")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := entity.EntityKey()
	if _, exists := r.records[key]; exists {
		return alreadyExists("MemoryRepository", key)
	}
	r.sequence++
	r.records[key] = memoryRecord{data: data, revision: r.sequence}
	entity.SetRevision(r.sequence)
	return nil
}

// Update implements Repository. The write lock is held across mutate, so
// updates of one repository are serialized.
func (r *MemoryRepository[T]) Update(_ context.Context, key string, mutate func(T) error) (T, error) {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return zero, notFound("MemoryRepository", "Update", key)
	}
	entity, err := r.decode(rec)
	if err != nil {
		return zero, err
	}
	if err := mutate(entity); err != nil {
		return zero, err
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return zero, errors.WrapFatal(err, "MemoryRepository", "Update", "marshal entity")
	}
	r.sequence++
	r.records[key] = memoryRecord{data: data, revision: r.sequence}
	entity.SetRevision(r.sequence)
	return entity, nil
}

// Delete implements Repository.
func (r *MemoryRepository[T]) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[key]; !ok {
		return notFound("MemoryRepository", "Delete", key)
	}
	delete(r.records, key)
	return nil
}

// List implements Repository. Entities are ordered by key.
func (r *MemoryRepository[T]) List(_ context.Context) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		entity, err := r.decode(r.records[k])
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}
