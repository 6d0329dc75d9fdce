// Package store provides the durable key/field side-channel used for job
// snapshots and shared caching. Entries are hashes with a per-key expiry.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// DurableStore is a key/field store with per-key expiry.
type DurableStore interface {
	// HSet writes all fields of key atomically and sets its expiry.
	// A zero ttl leaves the key without expiry.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// HGetAll returns every field of key, or ErrNotFound.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel removes fields from key.
	HDel(ctx context.Context, key string, fields ...string) error

	// Del removes whole keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Keys lists keys beginning with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}
