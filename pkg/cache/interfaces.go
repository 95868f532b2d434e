package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store caches non-authentication data (recipe, ingredient and tag list
// snapshots) on the client. Clear drops everything and runs on sign-out.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

const (
	KindRecipes     = "recipes"
	KindIngredients = "ingredients"
	KindTags        = "tags"
)

// Key scopes a snapshot to its kind and owner, e.g. "recipes:<user id>".
func Key(kind string, owner string) string {
	return kind + ":" + owner
}

func PutJSON[T any](ctx context.Context, store Store, key string, value T, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return store.Set(ctx, key, encoded, ttl)
}

func GetJSON[T any](ctx context.Context, store Store, key string) (T, bool, error) {
	var value T

	encoded, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return value, false, err
	}

	if err := json.Unmarshal(encoded, &value); err != nil {
		return value, false, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return value, true, nil
}
