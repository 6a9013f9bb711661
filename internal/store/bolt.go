// Package store — bbolt-backed Store implementation.
// Single-file embedded persistence for standalone deployments: pure Go,
// ACID, no external process. Expiry metadata travels with each value and is
// enforced lazily on read plus physically by a background sweep.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/raullenchai/moperator/pkg/models"
)

var bucketKV = []byte("kv")

const boltSweepInterval = time.Minute

// Value layout inside the kv bucket:
//
//	[expiresAtMs : 8 bytes, int64, unix millis, 0 = no expiry]
//	[value       : remaining bytes]
type BoltStore struct {
	db     *bbolt.DB
	doneCh chan struct{}
	once   sync.Once
}

// OpenBolt opens (or creates) the database file at path and starts the
// expiry sweep loop.
func OpenBolt(path string) (*BoltStore, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}

	b := &BoltStore{
		db:     db,
		doneCh: make(chan struct{}),
	}
	go b.sweepLoop()
	return b, nil
}

func encodeValue(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, 8+len(value))
	var ms int64
	if !expiresAt.IsZero() {
		ms = expiresAt.UnixMilli()
	}
	binary.BigEndian.PutUint64(buf[0:], uint64(ms))
	copy(buf[8:], value)
	return buf
}

func decodeValue(buf []byte) (value []byte, expiresAt time.Time, err error) {
	if len(buf) < 8 {
		return nil, time.Time{}, fmt.Errorf("bolt: value too short (%d bytes)", len(buf))
	}
	ms := int64(binary.BigEndian.Uint64(buf[0:]))
	if ms != 0 {
		expiresAt = time.UnixMilli(ms)
	}
	out := make([]byte, len(buf)-8)
	copy(out, buf[8:])
	return out, expiresAt, nil
}

func expiredAt(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func (b *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get([]byte(key))
		if raw == nil {
			return &ErrNotFound{Key: key}
		}
		value, expiresAt, err := decodeValue(raw)
		if err != nil {
			return err
		}
		if expiredAt(expiresAt, time.Now()) {
			return &ErrNotFound{Key: key}
		}
		out = value
		return nil
	})
	return out, err
}

func (b *BoltStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), encodeValue(value, expiresAt))
	})
}

func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

// List scans with a cursor seek; bbolt iterates keys in byte order, so the
// result is already sorted.
func (b *BoltStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	now := time.Now()
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			_, expiresAt, err := decodeValue(v)
			if err != nil {
				return err
			}
			if expiredAt(expiresAt, now) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Incr is atomic because bbolt serializes all Update transactions through
// a single writer.
func (b *BoltStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	var entry models.RateLimitEntry
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketKV)
		now := time.Now()

		if raw := bkt.Get([]byte(key)); raw != nil {
			value, expiresAt, err := decodeValue(raw)
			if err == nil && !expiredAt(expiresAt, now) {
				_ = json.Unmarshal(value, &entry)
			}
		}

		if entry.ResetAt.IsZero() || !now.Before(entry.ResetAt) {
			entry = models.RateLimitEntry{Count: 1, ResetAt: now.Add(window)}
		} else {
			entry.Count++
		}

		value, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), encodeValue(value, entry.ResetAt))
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return entry.Count, entry.ResetAt, nil
}

func (b *BoltStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var set bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketKV)
		now := time.Now()

		if raw := bkt.Get([]byte(key)); raw != nil {
			_, expiresAt, err := decodeValue(raw)
			if err != nil {
				return err
			}
			if !expiredAt(expiresAt, now) {
				return nil
			}
		}

		var expiresAt time.Time
		if ttl > 0 {
			expiresAt = now.Add(ttl)
		}
		set = true
		return bkt.Put([]byte(key), encodeValue(value, expiresAt))
	})
	return set, err
}

func (b *BoltStore) Ping(_ context.Context) error {
	return b.db.View(func(*bbolt.Tx) error { return nil })
}

// Close stops the sweep loop and closes the database. Safe to call twice.
func (b *BoltStore) Close() error {
	b.once.Do(func() { close(b.doneCh) })
	return b.db.Close()
}

func (b *BoltStore) sweepLoop() {
	ticker := time.NewTicker(boltSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.doneCh:
			return
		case <-ticker.C:
			b.sweepExpired()
		}
	}
}

// sweepExpired physically deletes entries whose TTL has passed. Lazy checks
// in Get/List already hide them; this reclaims the disk space.
func (b *BoltStore) sweepExpired() {
	now := time.Now()
	var swept int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			_, expiresAt, err := decodeValue(v)
			if err != nil {
				continue
			}
			if expiredAt(expiresAt, now) {
				if err := c.Delete(); err != nil {
					return err
				}
				swept++
			}
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Expiry sweep failed")
		return
	}
	if swept > 0 {
		log.Debug().Int("swept", swept).Msg("Swept expired keys")
	}
}

// Compile-time check that BoltStore implements Store.
var _ Store = (*BoltStore)(nil)
