package app

import (
	"context"
	"errors"
	"fmt"

	"school-assistant/internal/domain"
)

// KeyValueStore abstracts the per-device persistent store (in-memory, Redis, etc).
// Get reports absence with ok=false and a nil error.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// NamespacedStore prefixes every key so many devices can share one backing store.
type NamespacedStore struct {
	store  KeyValueStore
	prefix string
}

func Namespace(store KeyValueStore, prefix string) *NamespacedStore {
	return &NamespacedStore{store: store, prefix: prefix}
}

func (n *NamespacedStore) Get(ctx context.Context, key string) (string, bool, error) {
	return n.store.Get(ctx, n.prefix+key)
}

func (n *NamespacedStore) Set(ctx context.Context, key, value string) error {
	return n.store.Set(ctx, n.prefix+key, value)
}

func (n *NamespacedStore) Remove(ctx context.Context, key string) error {
	return n.store.Remove(ctx, n.prefix+key)
}

// storeError marks any store failure as ErrStoreUnavailable.
func storeError(op, key string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("%s %q: %w", op, key, err)
	}
	return fmt.Errorf("%s %q: %w: %v", op, key, domain.ErrStoreUnavailable, err)
}
