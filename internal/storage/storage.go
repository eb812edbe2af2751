// Package storage defines the durable key-value capability behind the session store.
package storage

import "context"

// Storage persists string values under string keys for one session profile.
// Implementations must apply Put and Delete atomically across the given keys.
type Storage interface {
	// Load returns every stored key; a missing store yields an empty map.
	Load(ctx context.Context) (map[string]string, error)
	// Put writes all pairs.
	Put(ctx context.Context, kv map[string]string) error
	// Delete removes keys; absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
