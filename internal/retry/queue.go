// Package retry persists failed webhook deliveries and redelivers them on an
// exponential backoff schedule. Items that exhaust their attempts move to the
// dead-letter queue instead of being dropped.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

const (
	DefaultBaseDelay   = 60 * time.Second
	DefaultMaxAttempts = 5
	DefaultLeaseTTL    = 2 * time.Minute

	// Retention windows. An item that outlives its window is gone for good,
	// so these are generous.
	DefaultPendingTTL = 7 * 24 * time.Hour
	DefaultDeadTTL    = 30 * 24 * time.Hour
)

const defaultConcurrency = 4

// Deliverer re-attempts a stored delivery. Satisfied by dispatch.Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, agentID, webhookURL string, payload models.WebhookPayload) models.DispatchOutcome
}

// Options tunes the queue. Zero values take the defaults above.
type Options struct {
	BaseDelay   time.Duration
	MaxAttempts int
	LeaseTTL    time.Duration
	PendingTTL  time.Duration
	DeadTTL     time.Duration
	// Concurrency bounds parallel redeliveries within one drain pass.
	Concurrency int
	// DrainInterval runs Drain in the background when positive. The cron
	// endpoint works either way.
	DrainInterval time.Duration
	// Now is overridable in tests to exercise the backoff schedule.
	Now func() time.Time
}

// Queue is the persistent redelivery queue.
type Queue struct {
	store      store.Store
	dispatcher Deliverer
	opts       Options

	// ownerID names this process in lease claims, so logs show who held a
	// claim when deliveries overlap.
	ownerID string

	doneCh chan struct{}
	once   sync.Once
}

// Failure describes a delivery that should be retried.
type Failure struct {
	TenantID      string
	AgentID       string
	WebhookURL    string
	Email         models.EmailSnapshot
	Labels        []string
	MatchedLabel  string
	RoutingReason string
	Err           string
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"deadLettered"`
	Skipped      int `json:"skipped"`
}

// NewQueue creates a Queue draining through d.
func NewQueue(s store.Store, d Deliverer, opts Options) *Queue {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.DeadTTL <= 0 {
		opts.DeadTTL = DefaultDeadTTL
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:      s,
		dispatcher: d,
		opts:       opts,
		ownerID:    uuid.NewString(),
		doneCh:     make(chan struct{}),
	}
}

// ── Enqueue ──────────────────────────────────────────────────

// Enqueue records a failed delivery for later redelivery. The stored item
// counts the original attempt, so a fresh item has Attempts = 1 and comes
// due after one base delay.
func (q *Queue) Enqueue(ctx context.Context, f Failure) (*models.RetryItem, error) {
	id, err := newID()
	if err != nil {
		return nil, fmt.Errorf("retry id: %w", err)
	}
	now := q.opts.Now().UTC()
	item := &models.RetryItem{
		ID:            id,
		SchemaVersion: models.CurrentSchemaVersion,
		TenantID:      f.TenantID,
		AgentID:       f.AgentID,
		WebhookURL:    f.WebhookURL,
		Email:         f.Email,
		Labels:        f.Labels,
		MatchedLabel:  f.MatchedLabel,
		RoutingReason: f.RoutingReason,
		Attempts:      1,
		MaxAttempts:   q.opts.MaxAttempts,
		LastAttempt:   now,
		NextAttempt:   now.Add(q.opts.BaseDelay),
		LastError:     f.Err,
		CreatedAt:     now,
	}
	if err := q.put(ctx, item); err != nil {
		return nil, err
	}
	log.Info().
		Str("retry", item.ID).
		Str("agent", item.AgentID).
		Time("next_attempt", item.NextAttempt).
		Msg("Delivery queued for retry")
	return item, nil
}

// Pending returns all queued items in creation order.
func (q *Queue) Pending(ctx context.Context) ([]models.RetryItem, error) {
	keys, err := q.store.List(ctx, store.PrefixRetry)
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	items := make([]models.RetryItem, 0, len(keys))
	for _, key := range keys {
		item, err := q.load(ctx, key)
		if err != nil {
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

// ── Drain ────────────────────────────────────────────────────

// Drain makes one pass over the queue and redelivers every item that is due,
// with bounded parallelism. Each due item is claimed with a store lease and
// re-read under the claim before dispatch, so concurrent drains (several
// replicas, or cron overlapping the background loop) never double-deliver;
// a crashed holder's claim expires with the lease TTL.
func (q *Queue) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	keys, err := q.store.List(ctx, store.PrefixRetry)
	if err != nil {
		return stats, fmt.Errorf("list retries: %w", err)
	}

	now := q.opts.Now().UTC()
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}

		item, err := q.load(ctx, key)
		if err != nil {
			switch {
			case store.IsNotFound(err):
				// Gone since the scan.
			case errors.Is(err, errCorrupt):
				// Undecodable records can never be processed. Drop them
				// loudly rather than rescanning them forever.
				log.Error().Err(err).Str("key", key).Msg("Dropping corrupt retry item")
				q.store.Delete(ctx, key)
			default:
				// Transient read failure. The item stays for the next pass.
				log.Warn().Err(err).Str("key", key).Msg("Skipping unreadable retry item")
			}
			continue
		}
		if !item.Due(now) {
			continue
		}

		g.Go(func() error {
			claimed, err := q.store.SetNX(ctx, store.LeaseKey(item.ID), []byte(q.ownerID), q.opts.LeaseTTL)
			if err != nil {
				log.Warn().Err(err).Str("retry", item.ID).Msg("Lease check failed, skipping item")
				return nil
			}
			if !claimed {
				return nil // another worker holds it
			}

			// Between the scan and this claim another drain can finish a
			// whole claim-deliver-release cycle, leaving the snapshot stale.
			// Re-read under the lease; only what is still stored and still
			// due gets delivered.
			fresh, err := q.load(ctx, key)
			if err != nil || !fresh.Due(q.opts.Now().UTC()) {
				q.store.Delete(ctx, store.LeaseKey(item.ID))
				return nil
			}

			disp := q.redeliver(ctx, fresh)
			q.store.Delete(ctx, store.LeaseKey(item.ID))

			mu.Lock()
			stats.Processed++
			switch disp {
			case redeliverySucceeded:
				stats.Succeeded++
			case redeliveryFailed:
				stats.Failed++
			case redeliveryDeadLettered:
				stats.DeadLettered++
			case redeliveryDropped:
				stats.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return stats, ctx.Err()
}

type redelivery int

const (
	redeliverySucceeded redelivery = iota
	redeliveryFailed
	redeliveryDeadLettered
	redeliveryDropped
)

// redeliver makes one attempt for a claimed item and applies the outcome:
// delete on success, reschedule or dead-letter on failure, drop when the
// stored URL turns out to be unusable.
func (q *Queue) redeliver(ctx context.Context, item *models.RetryItem) redelivery {
	payload := models.WebhookPayload{
		Email:         item.Email,
		Labels:        item.Labels,
		MatchedLabel:  item.MatchedLabel,
		RoutingReason: item.RoutingReason,
	}
	outcome := q.dispatcher.Deliver(ctx, item.AgentID, item.WebhookURL, payload)

	switch {
	case outcome.Skipped:
		// Redelivery to this URL can never work.
		q.store.Delete(ctx, store.RetryKey(item.ID))
		log.Warn().
			Str("retry", item.ID).
			Str("agent", item.AgentID).
			Str("reason", outcome.Error).
			Msg("Dropping retry item with unusable URL")
		return redeliveryDropped

	case outcome.Success:
		q.store.Delete(ctx, store.RetryKey(item.ID))
		log.Info().
			Str("retry", item.ID).
			Str("agent", item.AgentID).
			Int("attempts", item.Attempts+1).
			Msg("Retry delivered")
		return redeliverySucceeded

	case item.Attempts+1 >= item.MaxAttempts:
		q.deadLetter(ctx, item, outcome.Error)
		return redeliveryDeadLettered
	}

	now := q.opts.Now().UTC()
	item.Attempts++
	item.LastAttempt = now
	item.LastError = outcome.Error
	item.NextAttempt = now.Add(q.backoff(item.Attempts))
	if err := q.put(ctx, item); err != nil {
		log.Error().Err(err).Str("retry", item.ID).Msg("Failed to reschedule retry item")
		return redeliveryFailed
	}
	log.Info().
		Str("retry", item.ID).
		Str("agent", item.AgentID).
		Int("attempts", item.Attempts).
		Time("next_attempt", item.NextAttempt).
		Msg("Retry failed, rescheduled")
	return redeliveryFailed
}

// backoff returns the delay before the next attempt: one base delay after
// the first failure, doubling each failure after that.
func (q *Queue) backoff(attempts int) time.Duration {
	return q.opts.BaseDelay * time.Duration(1<<(attempts-1))
}

// ── Background loop ──────────────────────────────────────────

// Start launches the periodic drain when DrainInterval is positive.
func (q *Queue) Start() {
	if q.opts.DrainInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(q.opts.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), q.opts.DrainInterval)
				stats, err := q.Drain(ctx)
				cancel()
				if err != nil {
					log.Warn().Err(err).Msg("Retry drain failed")
				} else if stats.Processed > 0 {
					log.Info().
						Int("processed", stats.Processed).
						Int("succeeded", stats.Succeeded).
						Int("dead_lettered", stats.DeadLettered).
						Msg("Retry drain complete")
				}
			case <-q.doneCh:
				return
			}
		}
	}()
}

// Stop halts the background drain. Safe to call more than once.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.doneCh) })
}

// ── Storage helpers ──────────────────────────────────────────

func (q *Queue) put(ctx context.Context, item *models.RetryItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode retry item: %w", err)
	}
	if err := q.store.Put(ctx, store.RetryKey(item.ID), raw, q.opts.PendingTTL); err != nil {
		return fmt.Errorf("store retry item: %w", err)
	}
	return nil
}

// errCorrupt marks a stored record that does not decode. Only corrupt
// records may be dropped; any other load failure leaves the item in place.
var errCorrupt = errors.New("corrupt retry item")

func (q *Queue) load(ctx context.Context, key string) (*models.RetryItem, error) {
	raw, err := q.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var item models.RetryItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorrupt, key, err)
	}
	return &item, nil
}

// ── IDs ──────────────────────────────────────────────────────

// A single monotone entropy source keeps retry IDs lexicographically ordered
// even within the same millisecond, so store scans return creation order.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func newID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
