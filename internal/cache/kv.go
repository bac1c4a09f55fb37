// Package cache holds the current-state and history caches that sit in front
// of the store. Everything here is an optimization: a cache miss or a cache
// error falls through to the store, never to the caller.
package cache

import (
	"context"
	"time"
)

// KV is the key-value capability the caches are built on. Implementations
// must be safe for concurrent use.
type KV interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// HSet upserts one field of the hash stored at key.
	HSet(ctx context.Context, key, field string, value []byte) error
	// HGetAll returns every field of the hash at key; a missing key yields an
	// empty map.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	Del(ctx context.Context, keys ...string) error
	Close() error
}
