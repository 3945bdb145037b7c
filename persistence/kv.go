package persistence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/natsclient"
	"github.com/c360/ofsaga/pkg/retry"
)

// KVRepository stores entities as JSON in a NATS KV bucket. Updates use
// compare-and-swap on the entry revision.
type KVRepository[T Entity] struct {
	kv    *natsclient.KVStore
	newFn func() T
}

// NewKVRepository opens bucket, creating it when missing.
func NewKVRepository[T Entity](
	ctx context.Context, client *natsclient.Client, bucket string, newFn func() T,
) (*KVRepository[T], error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVRepository", "NewKVRepository", "nats client cannot be nil")
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVRepository", "NewKVRepository", "create KV bucket")
	}
	return &KVRepository[T]{kv: client.NewKVStore(kv), newFn: newFn}, nil
}

// EncodeKey maps an entity key onto the KV key alphabet. Switch ids contain
// colons, which KV keys do not allow.
func EncodeKey(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}

func (r *KVRepository[T]) decode(data []byte, rev uint64) (T, error) {
	entity := r.newFn()
	if err := json.Unmarshal(data, entity); err != nil {
		var zero T
		return zero, errors.WrapFatal(err, "KVRepository", "decode", "unmarshal entity")
	}
	entity.SetRevision(rev)
	return entity, nil
}

// Get implements Repository.
func (r *KVRepository[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	entry, err := r.kv.Get(ctx, EncodeKey(key))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return zero, notFound("KVRepository", "Get", key)
		}
		return zero, errors.WrapTransient(err, "KVRepository", "Get", "get from KV")
	}
	return r.decode(entry.Value, entry.Revision)
}

// Exists implements Repository.
func (r *KVRepository[T]) Exists(ctx context.Context, key string) (bool, error) {
	_, err := r.kv.Get(ctx, EncodeKey(key))
	switch {
	case err == nil:
		return true, nil
	case natsclient.IsKVNotFoundError(err):
		return false, nil
	default:
		return false, errors.WrapTransient(err, "KVRepository", "Exists", "get from KV")
	}
}

// Create implements Repository.
func (r *KVRepository[T]) Create(ctx context.Context, entity T) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return errors.WrapFatal(err, "KVRepository", "Create", "marshal entity")
	}
	rev, err := r.kv.Create(ctx, EncodeKey(entity.EntityKey()), data)
	if err != nil {
		if natsclient.IsKVConflictError(err) {
			return alreadyExists("KVRepository", entity.EntityKey())
		}
		return errors.WrapTransient(err, "KVRepository", "Create", "create in KV")
	}
	entity.SetRevision(rev)
	return nil
}

// Update implements Repository. On a revision conflict the entity is reloaded
// and mutate runs again, so mutate must not have side effects outside the entity.
func (r *KVRepository[T]) Update(ctx context.Context, key string, mutate func(T) error) (T, error) {
	var (
		zero    T
		updated T
	)
	missing := stderrors.New("entity disappeared")

	rev, err := r.kv.UpdateWithRetry(ctx, EncodeKey(key), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, missing
		}
		entity, err := r.decode(current, 0)
		if err != nil {
			return nil, err
		}
		if err := mutate(entity); err != nil {
			return nil, err
		}
		updated = entity
		return json.Marshal(entity)
	})
	if err != nil {
		if stderrors.Is(err, missing) {
			return zero, notFound("KVRepository", "Update", key)
		}
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return zero, nre.Err
		}
		return zero, errors.WrapTransient(err, "KVRepository", "Update", fmt.Sprintf("update %s", key))
	}
	updated.SetRevision(rev)
	return updated, nil
}

// Delete implements Repository.
func (r *KVRepository[T]) Delete(ctx context.Context, key string) error {
	if err := r.kv.Delete(ctx, EncodeKey(key)); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return notFound("KVRepository", "Delete", key)
		}
		return errors.WrapTransient(err, "KVRepository", "Delete", "delete from KV")
	}
	return nil
}

// List implements Repository. Entities are ordered by encoded key.
func (r *KVRepository[T]) List(ctx context.Context) ([]T, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVRepository", "List", "list KV keys")
	}
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		entry, err := r.kv.Get(ctx, k)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "KVRepository", "List", fmt.Sprintf("get %s", k))
		}
		entity, err := r.decode(entry.Value, entry.Revision)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}
