// Package backend provides the uniform storage contract behind the cache
// manager and its three implementations: in-process memory, Redis and the
// local filesystem.
//
// Backends deal in opaque byte payloads; serialization and entry metadata
// belong to the manager. Every implementation reports transient failures as
// a backend_unavailable CacheError so the manager can treat them as a
// fallback trigger rather than a fatal fault.
package backend

import (
	"context"
	"time"
)

// Backend names used in configuration and routing decisions.
const (
	NameMemory = "memory"
	NameRedis  = "redis"
	NameFile   = "file"
)

// Stats describes the state of one backend, consumed by the monitor.
type Stats struct {
	Entries     int       `json:"entries"`
	Bytes       int64     `json:"bytes"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// Backend is the capability set shared by all storage media.
type Backend interface {
	// Name returns the routing name of this backend.
	Name() string

	// Get returns the stored payload for key. The boolean reports presence;
	// an expired or missing key is (nil, false, nil), not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores the payload under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry owned by this backend.
	Clear(ctx context.Context) error

	// Stats reports entry count, approximate byte usage and the last
	// cleanup time.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}
