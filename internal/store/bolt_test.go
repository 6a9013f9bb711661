package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/raullenchai/moperator/internal/store"
)

func newBoltStore(t *testing.T) *store.BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "moperator.db")
	s, err := store.OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltPutAndGet(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	key := store.DeadKey("01HZXY5T2N8Q4R6S8T0V2W4X6Y")
	if err := s.Put(ctx, key, []byte(`{"finalError":"boom"}`), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"finalError":"boom"}` {
		t.Errorf("Get() = %q, want %q", got, `{"finalError":"boom"}`)
	}

	if _, err := s.Get(ctx, "dead:missing"); !store.IsNotFound(err) {
		t.Errorf("Get() on missing key error = %v, want not-found", err)
	}
}

func TestBoltTTLExpiry(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	s.Put(ctx, "lease:retry:abc", []byte("owner"), 50*time.Millisecond)
	if _, err := s.Get(ctx, "lease:retry:abc"); err != nil {
		t.Fatalf("Get() before expiry error = %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := s.Get(ctx, "lease:retry:abc"); !store.IsNotFound(err) {
		t.Errorf("Get() after expiry error = %v, want not-found", err)
	}
}

func TestBoltListPrefix(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	s.Put(ctx, "retry:b", []byte("1"), 0)
	s.Put(ctx, "retry:a", []byte("2"), 0)
	s.Put(ctx, "user:acme:agent:mail-bot", []byte("3"), 0)

	keys, err := s.List(ctx, "retry:")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "retry:a" || keys[1] != "retry:b" {
		t.Errorf("List() = %v, want sorted [retry:a retry:b]", keys)
	}
}

func TestBoltIncr(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		count, _, err := s.Incr(ctx, "ratelimit:10.0.0.9", time.Minute)
		if err != nil {
			t.Fatalf("Incr() #%d error = %v", want, err)
		}
		if count != want {
			t.Errorf("Incr() #%d count = %d, want %d", want, count, want)
		}
	}

	// Window reset starts a fresh count.
	count, _, _ := s.Incr(ctx, "ratelimit:burst", 50*time.Millisecond)
	if count != 1 {
		t.Fatalf("Incr() first count = %d, want 1", count)
	}
	time.Sleep(80 * time.Millisecond)
	count, _, err := s.Incr(ctx, "ratelimit:burst", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Incr() after window error = %v", err)
	}
	if count != 1 {
		t.Errorf("Incr() after window count = %d, want 1", count)
	}
}

func TestBoltSetNX(t *testing.T) {
	s := newBoltStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lease:retry:claim", []byte("worker-a"), time.Minute)
	if err != nil {
		t.Fatalf("SetNX() error = %v", err)
	}
	if !ok {
		t.Fatal("SetNX() first acquire = false, want true")
	}

	ok, _ = s.SetNX(ctx, "lease:retry:claim", []byte("worker-b"), time.Minute)
	if ok {
		t.Error("SetNX() while held = true, want false")
	}
}

func TestBoltReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moperator.db")
	ctx := context.Background()

	s, err := store.OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() error = %v", err)
	}
	s.Put(ctx, "dead:persist", []byte("survives"), 0)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := store.OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() reopen error = %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "dead:persist")
	if err != nil {
		t.Fatalf("After reopen, Get() error = %v", err)
	}
	if string(got) != "survives" {
		t.Errorf("After reopen, Get() = %q, want %q", got, "survives")
	}
}
