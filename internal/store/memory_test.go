package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/raullenchai/moperator/internal/store"
)

// newTestStore creates a fresh in-memory store for tests.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Get / Put / Delete ──────────────────────────────────────

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := store.RetryKey("01HZXY5T2N8Q4R6S8T0V2W4X6Y")
	if err := s.Put(ctx, key, []byte(`{"attempts":1}`), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"attempts":1}` {
		t.Errorf("Get() = %q, want %q", got, `{"attempts":1}`)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "retry:nope")
	if err == nil {
		t.Fatal("Get() on missing key should return error, got nil")
	}
	if !store.IsNotFound(err) {
		t.Errorf("Get() error = %v, want not-found", err)
	}
}

func TestPutOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "user:acme:limits", []byte("v1"), 0)
	if err := s.Put(ctx, "user:acme:limits", []byte("v2"), 0); err != nil {
		t.Fatalf("Put() second call error = %v", err)
	}

	got, _ := s.Get(ctx, "user:acme:limits")
	if string(got) != "v2" {
		t.Errorf("After overwrite, Get() = %q, want %q", got, "v2")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "dead:item-1", []byte("x"), 0)
	if err := s.Delete(ctx, "dead:item-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := s.Get(ctx, "dead:item-1"); !store.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not-found", err)
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, "dead:item-1"); err != nil {
		t.Errorf("Delete() on missing key error = %v, want nil", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "k", []byte("original"), 0)
	got, _ := s.Get(ctx, "k")
	got[0] = 'X'

	again, _ := s.Get(ctx, "k")
	if string(again) != "original" {
		t.Errorf("Get() after caller mutation = %q, want %q", again, "original")
	}
}

// ─── TTL Expiry ──────────────────────────────────────────────

func TestPutTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "lease:retry:abc", []byte("owner-1"), 50*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Get(ctx, "lease:retry:abc"); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := s.Get(ctx, "lease:retry:abc"); !store.IsNotFound(err) {
		t.Errorf("Get() after expiry error = %v, want not-found", err)
	}
}

func TestExpiredKeyLeavesList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "retry:gone", []byte("x"), 40*time.Millisecond)
	s.Put(ctx, "retry:kept", []byte("y"), 0)

	time.Sleep(70 * time.Millisecond)

	keys, err := s.List(ctx, "retry:")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "retry:kept" {
		t.Errorf("List() after expiry = %v, want [retry:kept]", keys)
	}
}

// ─── List ────────────────────────────────────────────────────

func TestListPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "retry:b", []byte("1"), 0)
	s.Put(ctx, "retry:a", []byte("2"), 0)
	s.Put(ctx, "dead:z", []byte("3"), 0)

	keys, err := s.List(ctx, "retry:")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List() returned %d keys, want 2", len(keys))
	}
	if keys[0] != "retry:a" || keys[1] != "retry:b" {
		t.Errorf("List() = %v, want sorted [retry:a retry:b]", keys)
	}
}

func TestListEmpty(t *testing.T) {
	s := newTestStore(t)

	keys, err := s.List(context.Background(), "ratelimit:")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("List() on empty store returned %d keys, want 0", len(keys))
	}
}

// ─── Incr (fixed window) ─────────────────────────────────────

func TestIncrCountsWithinWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := store.RateLimitKey("10.0.0.1")
	var resetAt time.Time
	for want := int64(1); want <= 3; want++ {
		count, reset, err := s.Incr(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("Incr() #%d error = %v", want, err)
		}
		if count != want {
			t.Errorf("Incr() #%d count = %d, want %d", want, count, want)
		}
		if want == 1 {
			resetAt = reset
		} else if !reset.Equal(resetAt) {
			t.Errorf("Incr() #%d resetAt = %v, want stable %v", want, reset, resetAt)
		}
	}
}

func TestIncrWindowReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, first, err := s.Incr(ctx, "ratelimit:ua-hash", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Incr() first count = %d, want 1", count)
	}

	time.Sleep(90 * time.Millisecond)

	count, second, err := s.Incr(ctx, "ratelimit:ua-hash", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Incr() after window error = %v", err)
	}
	if count != 1 {
		t.Errorf("Incr() after window count = %d, want 1", count)
	}
	if !second.After(first) {
		t.Errorf("Incr() after window resetAt = %v, want later than %v", second, first)
	}
}

// ─── SetNX (lease) ───────────────────────────────────────────

func TestSetNX(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := store.LeaseKey("01HZXY5T2N8Q4R6S8T0V2W4X6Y")
	ok, err := s.SetNX(ctx, key, []byte("worker-a"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("SetNX() first acquire = false, want true")
	}

	ok, err = s.SetNX(ctx, key, []byte("worker-b"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX() second call error = %v", err)
	}
	if ok {
		t.Error("SetNX() while held = true, want false")
	}

	// Holder must be unchanged.
	got, _ := s.Get(ctx, key)
	if string(got) != "worker-a" {
		t.Errorf("Lease holder = %q, want %q", got, "worker-a")
	}
}

func TestSetNXReacquireAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SetNX(ctx, "lease:retry:x", []byte("worker-a"), 40*time.Millisecond)
	time.Sleep(70 * time.Millisecond)

	ok, err := s.SetNX(ctx, "lease:retry:x", []byte("worker-b"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX() after expiry error = %v", err)
	}
	if !ok {
		t.Error("SetNX() after lease expiry = false, want true")
	}
}

// ─── Close ───────────────────────────────────────────────────

func TestCloseIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() second call error = %v", err)
	}
}
