package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/raullenchai/moperator/internal/ingest"
	"github.com/raullenchai/moperator/pkg/models"
)

// fakeSource feeds scripted messages and records commits.
type fakeSource struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(chan kafka.Message, 16)}
}

func (f *fakeSource) push(offset int64, value []byte) {
	f.messages <- kafka.Message{Topic: "email-events", Offset: offset, Value: value}
}

func (f *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case msg, ok := <-f.messages:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return msg, nil
	}
}

func (f *fakeSource) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) committedOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func (f *fakeSource) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordingRouter captures routed events and can be scripted to fail.
type recordingRouter struct {
	mu     sync.Mutex
	calls  int
	events []models.EmailEvent
	err    error
}

func (r *recordingRouter) Route(_ context.Context, event models.EmailEvent) (*models.RouteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	r.events = append(r.events, event)
	return &models.RouteResult{}, nil
}

func (r *recordingRouter) routed() []models.EmailEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.EmailEvent(nil), r.events...)
}

func (r *recordingRouter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func startConsumer(t *testing.T, src *fakeSource, router *recordingRouter) *ingest.Consumer {
	t.Helper()
	c := ingest.NewConsumerWithSource(src, router)
	c.Start(context.Background())
	t.Cleanup(func() { c.Stop() })
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func eventJSON(t *testing.T, tenant, messageID string, labels ...string) []byte {
	t.Helper()
	raw, err := json.Marshal(models.EmailEvent{
		TenantID: tenant,
		Email:    models.EmailSnapshot{MessageID: messageID, From: "alice@example.org", Subject: "hello"},
		Labels:   labels,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func TestConsumeRoutesAndCommits(t *testing.T) {
	src := newFakeSource()
	router := &recordingRouter{}
	startConsumer(t, src, router)

	src.push(1, eventJSON(t, "acme", "msg-1", "billing"))

	waitFor(t, func() bool { return len(src.committedOffsets()) == 1 }, "offset never committed")

	events := router.routed()
	if len(events) != 1 {
		t.Fatalf("routed %d events, want 1", len(events))
	}
	if events[0].TenantID != "acme" || events[0].Email.MessageID != "msg-1" {
		t.Errorf("routed event = %+v, want tenant acme message msg-1", events[0])
	}
	if got := src.committedOffsets(); got[0] != 1 {
		t.Errorf("committed offset = %d, want 1", got[0])
	}
}

// A message that cannot decode is committed and skipped so the messages
// behind it still flow.
func TestConsumeSkipsPoisonMessages(t *testing.T) {
	src := newFakeSource()
	router := &recordingRouter{}
	startConsumer(t, src, router)

	src.push(7, []byte("not json"))
	src.push(8, eventJSON(t, "acme", "msg-2"))

	waitFor(t, func() bool { return len(src.committedOffsets()) == 2 }, "both offsets should commit")

	events := router.routed()
	if len(events) != 1 {
		t.Fatalf("routed %d events, want 1", len(events))
	}
	if events[0].Email.MessageID != "msg-2" {
		t.Errorf("routed message = %q, want msg-2", events[0].Email.MessageID)
	}
	if got := src.committedOffsets(); got[0] != 7 || got[1] != 8 {
		t.Errorf("committed offsets = %v, want [7 8]", got)
	}
}

func TestConsumeSkipsEventsWithoutTenant(t *testing.T) {
	src := newFakeSource()
	router := &recordingRouter{}
	startConsumer(t, src, router)

	src.push(3, eventJSON(t, "", "msg-3"))

	waitFor(t, func() bool { return len(src.committedOffsets()) == 1 }, "offset never committed")

	if got := router.callCount(); got != 0 {
		t.Errorf("Route called %d times, want 0", got)
	}
}

func TestConsumeDoesNotCommitFailedRoutes(t *testing.T) {
	src := newFakeSource()
	router := &recordingRouter{err: errors.New("store down")}
	startConsumer(t, src, router)

	src.push(5, eventJSON(t, "acme", "msg-5"))

	waitFor(t, func() bool { return router.callCount() >= 1 }, "Route never called")

	// Give a wrongly issued commit time to land before checking.
	time.Sleep(50 * time.Millisecond)
	if got := src.committedOffsets(); len(got) != 0 {
		t.Errorf("committed offsets = %v, want none", got)
	}
}

func TestStopClosesSource(t *testing.T) {
	src := newFakeSource()
	router := &recordingRouter{}
	c := ingest.NewConsumerWithSource(src, router)
	c.Start(context.Background())

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !src.wasClosed() {
		t.Error("source not closed after Stop")
	}
}
