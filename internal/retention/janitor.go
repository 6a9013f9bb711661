// Package retention enforces the documented storage windows as a physical
// backstop: pending retries persist up to 7 days from creation, dead letters
// up to 30 days from dead-lettering. Every store backend already expires
// TTL'd keys on its own; the janitor covers what TTLs cannot. Rescheduling
// refreshes a pending item's key TTL, so only the record's own creation
// timestamp enforces the 7-day window, and records written without a TTL
// would otherwise live forever. Entries past their window are deleted, never
// archived.
//
// The janitor also reclaims delivery leases whose retry item is gone and
// rate-limit counters whose window closed.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/internal/retry"
	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

// DefaultInterval is how often the janitor sweeps.
const DefaultInterval = time.Hour

// counterGrace keeps a closed rate-limit window around briefly so a final
// read can still report its count.
const counterGrace = time.Minute

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Scanned   int `json:"scanned"`
	Reclaimed int `json:"reclaimed"`
	Errors    int `json:"errors"`
}

// Options tunes the janitor. Zero values take the defaults.
type Options struct {
	Interval   time.Duration
	PendingTTL time.Duration
	DeadTTL    time.Duration
}

// Janitor periodically deletes records that outlived their windows.
type Janitor struct {
	store store.Store
	opts  Options
}

// NewJanitor creates a retention janitor that sweeps on the given interval.
func NewJanitor(s store.Store, opts Options) *Janitor {
	if opts.Interval < time.Minute {
		opts.Interval = DefaultInterval
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = retry.DefaultPendingTTL
	}
	if opts.DeadTTL <= 0 {
		opts.DeadTTL = retry.DefaultDeadTTL
	}
	return &Janitor{store: s, opts: opts}
}

// Start runs the janitor until ctx is canceled. It blocks, so run it in its
// own goroutine. The first cycle runs immediately.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.opts.Interval).
		Dur("pending_ttl", j.opts.PendingTTL).
		Dur("dead_ttl", j.opts.DeadTTL).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one retention sweep.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	stats, err := j.Sweep(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention cycle failed")
		return
	}
	if stats.Reclaimed > 0 || stats.Errors > 0 {
		log.Info().
			Int("scanned", stats.Scanned).
			Int("reclaimed", stats.Reclaimed).
			Int("errors", stats.Errors).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

// Sweep makes one pass over every managed prefix and returns what it did.
func (j *Janitor) Sweep(ctx context.Context) (CycleStats, error) {
	var stats CycleStats

	if err := j.sweepAged(ctx, store.PrefixRetry, j.opts.PendingTTL, retryCreatedAt, &stats); err != nil {
		return stats, err
	}
	if err := j.sweepAged(ctx, store.PrefixDead, j.opts.DeadTTL, deadLetteredAt, &stats); err != nil {
		return stats, err
	}
	if err := j.sweepCounters(ctx, &stats); err != nil {
		return stats, err
	}
	if err := j.sweepLeases(ctx, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// sweepAged deletes records older than window, judged by the timestamp inside
// the record rather than the key's TTL. Records that cannot be dated are kept.
func (j *Janitor) sweepAged(ctx context.Context, prefix string, window time.Duration, recordTime func([]byte) time.Time, stats *CycleStats) error {
	keys, err := j.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	stats.Scanned += len(keys)

	cutoff := time.Now().UTC().Add(-window)
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw, err := j.store.Get(ctx, key)
		if err != nil {
			continue
		}
		when := recordTime(raw)
		if when.IsZero() || when.After(cutoff) {
			continue
		}
		if err := j.store.Delete(ctx, key); err != nil {
			stats.Errors++
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete expired record")
			continue
		}
		stats.Reclaimed++
		log.Debug().Str("key", key).Time("record_time", when).Msg("Reclaimed expired record")
	}
	return nil
}

// sweepCounters deletes rate-limit counters whose window closed more than a
// grace period ago. Unreadable counters are spent either way and go too.
func (j *Janitor) sweepCounters(ctx context.Context, stats *CycleStats) error {
	keys, err := j.store.List(ctx, store.PrefixRateLimit)
	if err != nil {
		return fmt.Errorf("list %s: %w", store.PrefixRateLimit, err)
	}
	stats.Scanned += len(keys)

	cutoff := time.Now().Add(-counterGrace)
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw, err := j.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var entry models.RateLimitEntry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.ResetAt.After(cutoff) {
			continue
		}
		if err := j.store.Delete(ctx, key); err != nil {
			stats.Errors++
			continue
		}
		stats.Reclaimed++
	}
	return nil
}

// sweepLeases deletes delivery claims whose retry item no longer exists, so a
// lease that somehow outlived its TTL cannot pin a finished item forever.
func (j *Janitor) sweepLeases(ctx context.Context, stats *CycleStats) error {
	keys, err := j.store.List(ctx, store.PrefixLease)
	if err != nil {
		return fmt.Errorf("list %s: %w", store.PrefixLease, err)
	}
	stats.Scanned += len(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		id := strings.TrimPrefix(key, store.PrefixLease)
		if _, err := j.store.Get(ctx, store.RetryKey(id)); !store.IsNotFound(err) {
			continue
		}
		if err := j.store.Delete(ctx, key); err != nil {
			stats.Errors++
			continue
		}
		stats.Reclaimed++
		log.Debug().Str("key", key).Msg("Reclaimed orphaned lease")
	}
	return nil
}

func retryCreatedAt(raw []byte) time.Time {
	var item models.RetryItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return time.Time{}
	}
	return item.CreatedAt
}

func deadLetteredAt(raw []byte) time.Time {
	var item models.DeadLetterItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return time.Time{}
	}
	return item.DeadLetteredAt
}
