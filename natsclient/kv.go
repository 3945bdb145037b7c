package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/pkg/retry"
)

// Well-known KV errors. Each wraps the matching errors sentinel.
var (
	ErrKVKeyNotFound        = fmt.Errorf("kv: %w", errors.ErrKeyNotFound)
	ErrKVKeyExists          = fmt.Errorf("kv: %w", errors.ErrAlreadyExists)
	ErrKVRevisionMismatch   = fmt.Errorf("kv: revision mismatch: %w", errors.ErrConflict)
	ErrKVMaxRetriesExceeded = fmt.Errorf("kv: %w", errors.ErrMaxRetriesExceeded)
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	Timeout      time.Duration // per operation; 0 disables
	MaxValueSize int           // bytes; 0 disables the check
	Retry        retry.Config  // used by UpdateWithRetry
}

// DefaultKVOptions returns the options used by NewKVStore
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
		Retry:        retry.Conflict(),
	}
}

// KVStore provides KV operations with compare-and-swap support
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger.With("bucket", bucket.Bucket()),
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", fmt.Sprintf("get %s", key))
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes a key without revision check
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", fmt.Sprintf("put %s", key))
	}
	return rev, nil
}

// Create writes key only if it does not exist
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, errors.WrapTransient(err, "KVStore", "Create", fmt.Sprintf("create %s", key))
	}
	kv.logger.Debug("KV create", "key", key, "revision", rev)
	return rev, nil
}

// Update writes key only if its revision still equals revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, errors.WrapTransient(err, "KVStore", "Update", fmt.Sprintf("update %s", key))
	}
	kv.logger.Debug("KV update", "key", key, "old_revision", revision, "revision", rev)
	return rev, nil
}

// UpdateWithRetry reads key, applies updateFn and writes the result with CAS,
// retrying on conflicts. A missing key is passed to updateFn as nil and created.
// Errors returned by updateFn are not retried.
func (kv *KVStore) UpdateWithRetry(
	ctx context.Context, key string, updateFn func(current []byte) ([]byte, error),
) (uint64, error) {
	attempt := 0
	rev, err := retry.DoWithResult(ctx, kv.options.Retry, func() (uint64, error) {
		attempt++

		var (
			current  []byte
			revision uint64
		)
		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !stderrors.Is(err, ErrKVKeyNotFound):
			return 0, err
		}

		next, err := updateFn(current)
		if err != nil {
			return 0, retry.NonRetryable(err)
		}

		var rev uint64
		if revision == 0 {
			rev, err = kv.Create(ctx, key, next)
		} else {
			rev, err = kv.Update(ctx, key, next, revision)
		}
		if err != nil && IsKVConflictError(err) {
			kv.logger.Debug("KV conflict, retrying", "key", key, "attempt", attempt)
		}
		return rev, err
	})
	if err != nil && IsKVConflictError(err) {
		return 0, ErrKVMaxRetriesExceeded
	}
	return rev, err
}

// Delete removes a key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return errors.WrapTransient(err, "KVStore", "Delete", fmt.Sprintf("delete %s", key))
	}
	return nil
}

// Keys lists the keys of the bucket. An empty bucket yields no keys and no error.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", "list keys")
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

func (kv *KVStore) checkSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: value size %d exceeds maximum %d", errors.ErrInvalidData, len(value), kv.options.MaxValueSize),
			"KVStore", "checkSize", "validate value size")
	}
	return nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// IsKVConflictError checks if error indicates a conflict (key exists or wrong revision)
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVRevisionMismatch) || stderrors.Is(err, ErrKVKeyExists) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
