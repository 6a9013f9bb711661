// Package ratelimit is a fixed-window request limiter over the storage
// port's atomic counter.
package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

// Config is one fixed-window policy.
type Config struct {
	Window      time.Duration
	MaxRequests int64
}

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Limiter counts requests per client key in fixed windows. Counting happens
// in the store's atomic Incr, so concurrent requests against one key cannot
// under-count. Known imprecision: a burst straddling a window boundary can
// pass up to twice the limit, which is fine for coarse abuse protection but
// not for hard quota enforcement.
type Limiter struct {
	store store.Store
	read  Config
	write Config
}

// New creates a Limiter with read and write policies.
func New(s store.Store, read, write Config) *Limiter {
	return &Limiter{store: s, read: read, write: write}
}

// Check counts one request for clientKey under cfg. Storage errors fail
// open: an unavailable store must not take the API down with it.
func (l *Limiter) Check(ctx context.Context, clientKey string, cfg Config) Decision {
	count, resetAt, err := l.store.Incr(ctx, store.RateLimitKey(clientKey), cfg.Window)
	if err != nil {
		log.Warn().Err(err).Str("client", clientKey).Msg("Rate limit check failed, allowing request")
		return Decision{
			Allowed:   true,
			Limit:     cfg.MaxRequests,
			Remaining: cfg.MaxRequests,
			ResetAt:   time.Now().Add(cfg.Window),
		}
	}

	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= cfg.MaxRequests,
		Limit:     cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// CheckRead applies the read policy plus any tenant override. Reads and
// writes count in separate windows, so either budget can exhaust without
// touching the other.
func (l *Limiter) CheckRead(ctx context.Context, tenantID, clientKey string) Decision {
	return l.Check(ctx, "read:"+clientKey, l.tenantConfig(ctx, tenantID, l.read, false))
}

// CheckWrite applies the write policy plus any tenant override.
func (l *Limiter) CheckWrite(ctx context.Context, tenantID, clientKey string) Decision {
	return l.Check(ctx, "write:"+clientKey, l.tenantConfig(ctx, tenantID, l.write, true))
}

// tenantConfig overlays the tenant's stored maxRequests override, when one
// exists, onto the base policy.
func (l *Limiter) tenantConfig(ctx context.Context, tenantID string, base Config, write bool) Config {
	if tenantID == "" {
		return base
	}
	raw, err := l.store.Get(ctx, store.LimitsKey(tenantID))
	if err != nil {
		return base
	}
	var limits models.TenantLimits
	if err := json.Unmarshal(raw, &limits); err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("Unreadable tenant limits, using defaults")
		return base
	}

	override := limits.ReadMaxRequests
	if write {
		override = limits.WriteMaxRequests
	}
	if override > 0 {
		base.MaxRequests = int64(override)
	}
	return base
}
