package resources

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/natsclient"
	"github.com/c360/ofsaga/persistence"
	"github.com/c360/ofsaga/pkg/retry"
)

// Store persists pool tables. Mutate applies fn atomically to the table of
// (kind, sw), creating it with init when missing. When fn fails nothing is
// written.
type Store interface {
	Mutate(ctx context.Context, kind Kind, sw model.SwitchID, init func() *Table, fn func(*Table) error) error
	Tables(ctx context.Context) ([]*Table, error)
}

func tableKey(kind Kind, sw model.SwitchID) string {
	return string(kind) + "." + persistence.EncodeKey(string(sw))
}

// MemoryStore keeps tables in process.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]*Table
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*Table)}
}

// Mutate implements Store.
func (s *MemoryStore) Mutate(
	_ context.Context, kind Kind, sw model.SwitchID, init func() *Table, fn func(*Table) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tableKey(kind, sw)
	current, ok := s.tables[key]
	if !ok {
		current = init()
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	s.tables[key] = next
	return nil
}

// Tables implements Store. Tables are ordered by kind and switch.
func (s *MemoryStore) Tables(_ context.Context) ([]*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.tables))
	for k := range s.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Table, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.tables[k].Clone())
	}
	return out, nil
}

// KVStore keeps one JSON table per KV entry and mutates it with CAS.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore opens bucket, creating it when missing.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "resources.KVStore", "NewKVStore", "create KV bucket")
	}
	return &KVStore{kv: client.NewKVStore(kv)}, nil
}

// Mutate implements Store.
func (s *KVStore) Mutate(
	ctx context.Context, kind Kind, sw model.SwitchID, init func() *Table, fn func(*Table) error,
) error {
	_, err := s.kv.UpdateWithRetry(ctx, tableKey(kind, sw), func(current []byte) ([]byte, error) {
		table := init()
		if current != nil {
			if err := json.Unmarshal(current, table); err != nil {
				return nil, errors.WrapFatal(err, "resources.KVStore", "Mutate", "unmarshal table")
			}
		}
		if err := fn(table); err != nil {
			return nil, err
		}
		return json.Marshal(table)
	})
	var nre *retry.NonRetryableError
	if stderrors.As(err, &nre) {
		return nre.Err
	}
	if err != nil {
		return errors.WrapTransient(err, "resources.KVStore", "Mutate", fmt.Sprintf("update %s pool of %s", kind, sw))
	}
	return nil
}

// Tables implements Store.
func (s *KVStore) Tables(ctx context.Context) ([]*Table, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "resources.KVStore", "Tables", "list KV keys")
	}
	sort.Strings(keys)

	out := make([]*Table, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "resources.KVStore", "Tables", fmt.Sprintf("get %s", key))
		}
		var table Table
		if err := json.Unmarshal(entry.Value, &table); err != nil {
			return nil, errors.WrapFatal(err, "resources.KVStore", "Tables", "unmarshal table")
		}
		out = append(out, &table)
	}
	return out, nil
}
