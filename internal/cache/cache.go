// Package cache provides the small read-side cache used for resolved feature
// gates. The abstraction allows swapping between an in-process cache and
// Redis without changing the engine or the API layer.
package cache

import (
	"context"
	"time"
)

// Cache is the read-side cache contract.
type Cache interface {
	// Get retrieves a value by key. Returns ErrCacheMiss when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}

// Error is a sentinel cache error.
type Error string

func (e Error) Error() string { return string(e) }

// ErrCacheMiss indicates the key was not found.
const ErrCacheMiss Error = "cache miss"
