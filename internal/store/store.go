// Package store provides the key-value storage port for the delivery core
// and its implementations. Every entity is a JSON blob under a namespaced
// key; expiry is a storage-layer concern so retention windows hold even if
// the application never touches a key again.
package store

import (
	"context"
	"errors"
	"time"
)

// Store is the storage port every component depends on. All of the delivery
// core's state (agents, retry items, dead letters, rate-limit counters,
// leases) lives behind this interface, so tests can substitute the in-memory
// implementation and deployments can pick bbolt, Redis, or PostgreSQL.
//
// Incr and SetNX exist because plain get-then-put cannot make the rate
// limiter's window counter or the retry queue's claim step safe under
// concurrent callers; both must be atomic in every implementation.
type Store interface {
	// Get returns the value at key, or *ErrNotFound if the key is absent
	// or its TTL has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value at key. ttl <= 0 stores without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live keys with the given prefix, sorted
	// lexicographically. Expired keys are never returned.
	List(ctx context.Context, prefix string) ([]string, error)

	// Incr atomically bumps the fixed-window counter at key. If the key is
	// absent or its window has closed (now >= resetAt), a fresh window
	// starts with count=1 and resetAt=now+window; otherwise count is
	// incremented and the window is preserved. Returns the post-increment
	// count and the window's resetAt.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)

	// SetNX writes value at key only if the key is absent (or expired),
	// returning true when the write happened. This is the lease primitive:
	// the ttl bounds how long a crashed holder can block reclamation.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested key or entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	entity := e.Entity
	if entity == "" {
		entity = "key"
	}
	return entity + " not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
