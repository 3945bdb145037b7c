package persistence

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/c360/ofsaga/errors"
)

// Entity is a persisted aggregate. Revision is the store revision it was read
// at and is maintained by the repository.
type Entity interface {
	EntityKey() string
	Revision() uint64
	SetRevision(rev uint64)
}

// Repository stores entities of one type. Implementations are safe for
// concurrent use.
type Repository[T Entity] interface {
	// Get loads the entity stored under key.
	Get(ctx context.Context, key string) (T, error)
	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)
	// Create stores a new entity and sets its revision. It fails with
	// ErrAlreadyExists when the key is taken.
	Create(ctx context.Context, entity T) error
	// Update loads key, applies mutate and stores the result only if no other
	// writer changed the entity meanwhile. An error from mutate aborts the
	// update and is returned unchanged.
	Update(ctx context.Context, key string, mutate func(T) error) (T, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// List returns every stored entity.
	List(ctx context.Context) ([]T, error)
}

// IsNotFound reports whether err means the key is not stored.
func IsNotFound(err error) bool {
	return stderrors.Is(err, errors.ErrKeyNotFound)
}

func notFound(component, method, key string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrKeyNotFound, key), component, method, "load entity")
}

func alreadyExists(component, key string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAlreadyExists, key), component, "Create", "create entity")
}
