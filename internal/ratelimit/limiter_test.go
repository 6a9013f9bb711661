package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raullenchai/moperator/internal/ratelimit"
	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

func newTestLimiter(t *testing.T) (*ratelimit.Limiter, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	l := ratelimit.New(s,
		ratelimit.Config{Window: time.Minute, MaxRequests: 10},
		ratelimit.Config{Window: time.Minute, MaxRequests: 3},
	)
	return l, s
}

func TestCheckCountsWithinWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := ratelimit.Config{Window: time.Minute, MaxRequests: 10}

	for i := int64(1); i <= 10; i++ {
		d := l.Check(ctx, "client-1", cfg)
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if d.Remaining != 10-i {
			t.Errorf("request %d remaining = %d, want %d", i, d.Remaining, 10-i)
		}
	}

	d := l.Check(ctx, "client-1", cfg)
	if d.Allowed {
		t.Error("request 11 allowed, want denied")
	}
	if d.Remaining != 0 {
		t.Errorf("request 11 remaining = %d, want 0", d.Remaining)
	}
	if !d.ResetAt.After(time.Now()) {
		t.Error("denied decision has resetAt in the past")
	}
}

func TestCheckKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := ratelimit.Config{Window: time.Minute, MaxRequests: 1}

	if d := l.Check(ctx, "client-1", cfg); !d.Allowed {
		t.Fatal("first request for client-1 denied")
	}
	if d := l.Check(ctx, "client-1", cfg); d.Allowed {
		t.Error("second request for client-1 allowed, want denied")
	}
	if d := l.Check(ctx, "client-2", cfg); !d.Allowed {
		t.Error("request for client-2 denied by client-1's window")
	}
}

func TestCheckWindowReset(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	cfg := ratelimit.Config{Window: 60 * time.Millisecond, MaxRequests: 2}

	l.Check(ctx, "client-1", cfg)
	l.Check(ctx, "client-1", cfg)
	if d := l.Check(ctx, "client-1", cfg); d.Allowed {
		t.Fatal("third request allowed within the window")
	}

	time.Sleep(90 * time.Millisecond)

	d := l.Check(ctx, "client-1", cfg)
	if !d.Allowed {
		t.Error("request after window reset denied")
	}
	if d.Remaining != 1 {
		t.Errorf("fresh window remaining = %d, want 1", d.Remaining)
	}
}

// failingStore errors on Incr; other methods are never reached.
type failingStore struct {
	store.Store
}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func TestCheckFailsOpen(t *testing.T) {
	l := ratelimit.New(failingStore{},
		ratelimit.Config{Window: time.Minute, MaxRequests: 10},
		ratelimit.Config{Window: time.Minute, MaxRequests: 3},
	)

	d := l.Check(context.Background(), "client-1", ratelimit.Config{Window: time.Minute, MaxRequests: 10})
	if !d.Allowed {
		t.Error("storage failure must not deny requests")
	}
}

func TestTenantOverride(t *testing.T) {
	l, s := newTestLimiter(t)
	ctx := context.Background()

	raw, _ := json.Marshal(models.TenantLimits{
		SchemaVersion:   models.CurrentSchemaVersion,
		TenantID:        "acme",
		ReadMaxRequests: 2,
	})
	if err := s.Put(ctx, store.LimitsKey("acme"), raw, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Read limit shrinks from the default 10 to the tenant's 2.
	l.CheckRead(ctx, "acme", "tenant:acme")
	l.CheckRead(ctx, "acme", "tenant:acme")
	if d := l.CheckRead(ctx, "acme", "tenant:acme"); d.Allowed {
		t.Error("third read allowed despite tenant override of 2")
	}

	// No write override stored: the write default of 3 applies.
	for i := 0; i < 3; i++ {
		if d := l.CheckWrite(ctx, "acme", "tenant:acme"); !d.Allowed {
			t.Fatalf("write %d denied under default policy", i+1)
		}
	}
	if d := l.CheckWrite(ctx, "acme", "tenant:acme"); d.Allowed {
		t.Error("fourth write allowed, want denied at default max of 3")
	}
}

// Exhausting the read budget must leave the write budget untouched.
func TestReadAndWriteBudgetsAreSeparate(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.CheckRead(ctx, "initech", "tenant:initech")
	}
	if d := l.CheckRead(ctx, "initech", "tenant:initech"); d.Allowed {
		t.Fatal("11th read allowed, want denied")
	}

	if d := l.CheckWrite(ctx, "initech", "tenant:initech"); !d.Allowed {
		t.Error("write denied after reads exhausted their own window")
	}
}

func TestTenantWithoutOverrideUsesDefaults(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if d := l.CheckRead(ctx, "globex", "tenant:globex"); !d.Allowed {
			t.Fatalf("read %d denied under default policy", i+1)
		}
	}
	if d := l.CheckRead(ctx, "globex", "tenant:globex"); d.Allowed {
		t.Error("11th read allowed, want denied at default max of 10")
	}
}

// ─── Client keys ─────────────────────────────────────────────

func TestClientKeyPrefersTrustedHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("CF-Connecting-IP", "203.0.113.7")
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	if got := ratelimit.ClientKey(r, "CF-Connecting-IP"); got != "ip:203.0.113.7" {
		t.Errorf("ClientKey() = %q, want ip:203.0.113.7", got)
	}
}

func TestClientKeyForwardedForFirstHop(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.2, 10.0.0.3")

	if got := ratelimit.ClientKey(r, "CF-Connecting-IP"); got != "ip:198.51.100.1" {
		t.Errorf("ClientKey() = %q, want ip:198.51.100.1", got)
	}
}

func TestClientKeyHashedUserAgent(t *testing.T) {
	r1 := httptest.NewRequest("GET", "/", nil)
	r1.Header.Set("User-Agent", "curl/8.0")
	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("User-Agent", "curl/8.0")
	r3 := httptest.NewRequest("GET", "/", nil)
	r3.Header.Set("User-Agent", "httpie/3.2")

	k1 := ratelimit.ClientKey(r1, "CF-Connecting-IP")
	k2 := ratelimit.ClientKey(r2, "CF-Connecting-IP")
	k3 := ratelimit.ClientKey(r3, "CF-Connecting-IP")

	if len(k1) < 4 || k1[:3] != "ua:" {
		t.Errorf("ClientKey() = %q, want ua: prefix", k1)
	}
	if k1 != k2 {
		t.Errorf("same User-Agent produced different keys: %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Error("different User-Agents produced the same key")
	}
}

func TestTenantClientKey(t *testing.T) {
	if got := ratelimit.TenantClientKey("acme"); got != "tenant:acme" {
		t.Errorf("TenantClientKey() = %q, want tenant:acme", got)
	}
}
