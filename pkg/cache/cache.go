// Package cache provides byte-level caching backends for registry metadata.
//
// Three backends implement [Cache]:
//   - [FileCache]: one JSON entry per key under a local directory (CLI default)
//   - [RedisCache]: a shared Redis instance, for CI runners and build farms
//   - [NullCache]: stores nothing (--no-cache)
//
// Keys are produced by a [Keyer] so every backend sees the same layout.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values with an optional time-to-live.
//
// Implementations must be safe for concurrent use. A miss is reported as
// (nil, false, nil); errors are reserved for backend failures.
type Cache interface {
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data under key. A ttl of 0 means no expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// NullCache stores nothing; every Get is a miss.
type NullCache struct{}

// NewNullCache creates a null cache.
func NewNullCache() Cache {
	return NullCache{}
}

func (NullCache) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (NullCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (NullCache) Delete(context.Context, string) error                     { return nil }
func (NullCache) Close() error                                             { return nil }
