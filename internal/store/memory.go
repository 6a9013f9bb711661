// Package store — in-memory Store implementation.
// The default for local dev and tests. Expiry is enforced lazily on every
// read and physically by a background eviction loop, so a key past its TTL
// is never observable even before the sweeper gets to it.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/pkg/models"
)

const memoryEvictionInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore implements Store with a map guarded by an RWMutex. Incr and
// SetNX are atomic by virtue of the write lock.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	doneCh  chan struct{}
}

// NewMemoryStore creates an in-memory store and starts its eviction loop.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		doneCh:  make(chan struct{}),
	}
	go m.evictionLoop()
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, &ErrNotFound{Key: key}
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = &memoryEntry{value: stored, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var keys []string
	for k, e := range m.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Incr holds the write lock across the read-modify-write, which makes the
// window counter atomic for all callers sharing this store.
func (m *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var entry models.RateLimitEntry
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		if err := json.Unmarshal(e.value, &entry); err != nil {
			entry = models.RateLimitEntry{}
		}
	}

	if entry.ResetAt.IsZero() || !now.Before(entry.ResetAt) {
		entry = models.RateLimitEntry{Count: 1, ResetAt: now.Add(window)}
	} else {
		entry.Count++
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return 0, time.Time{}, err
	}
	m.entries[key] = &memoryEntry{value: value, expiresAt: entry.ResetAt}
	return entry.Count, entry.ResetAt, nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	m.entries[key] = &memoryEntry{value: stored, expiresAt: expiresAt}
	return true, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the eviction loop. Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	return nil
}

// evictionLoop periodically reclaims expired entries.
func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(memoryEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryStore) evictExpired() {
	now := time.Now()

	m.mu.Lock()
	var evicted int
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Evicted expired keys")
	}
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
