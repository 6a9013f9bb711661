package registry_test

import (
	"context"
	"testing"

	"github.com/raullenchai/moperator/internal/registry"
	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

func newTestRegistry(t *testing.T) (*registry.Registry, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return registry.New(s), s
}

func TestSaveAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	agent := &models.Agent{
		ID:         "mail-bot",
		Name:       "Mail Bot",
		WebhookURL: "https://agents.example.org/hook",
		Labels:     []string{"billing"},
		Active:     true,
	}
	if err := reg.Save(ctx, "acme", agent); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if agent.CreatedAt.IsZero() || agent.UpdatedAt.IsZero() {
		t.Error("Save() must stamp CreatedAt and UpdatedAt")
	}

	got, err := reg.Get(ctx, "acme", "mail-bot")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Mail Bot" {
		t.Errorf("Get().Name = %q, want %q", got.Name, "Mail Bot")
	}
	if got.TenantID != "acme" {
		t.Errorf("Get().TenantID = %q, want %q", got.TenantID, "acme")
	}
	if !got.SubscribesTo("billing") {
		t.Error("Get() agent should subscribe to billing")
	}
}

func TestGetMissingAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Get(context.Background(), "acme", "ghost")
	if err == nil {
		t.Fatal("Get() on missing agent should return error, got nil")
	}
	if !store.IsNotFound(err) {
		t.Errorf("Get() error = %v, want not-found", err)
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.Save(context.Background(), "acme", &models.Agent{Name: "anonymous"})
	if err == nil {
		t.Error("Save() with empty ID should return error, got nil")
	}
}

func TestListRegistryOrder(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	// Saved out of order; List returns ID order.
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Save(ctx, "acme", &models.Agent{ID: id, Active: true}); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
	}
	// Another tenant's agent must not leak in.
	reg.Save(ctx, "other", &models.Agent{ID: "intruder"})

	agents, err := reg.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("List() returned %d agents, want 3", len(agents))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if agents[i].ID != want {
			t.Errorf("List()[%d].ID = %q, want %q", i, agents[i].ID, want)
		}
	}
}

func TestListSkipsCorruptRecord(t *testing.T) {
	reg, s := newTestRegistry(t)
	ctx := context.Background()

	reg.Save(ctx, "acme", &models.Agent{ID: "good", Active: true})
	s.Put(ctx, store.AgentKey("acme", "bad"), []byte("{not json"), 0)

	agents, err := reg.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "good" {
		t.Errorf("List() = %v, want just the good agent", agents)
	}
}

func TestSeedInstallsOnlyMissingAgents(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	existing := &models.Agent{ID: "mail-bot", Name: "Hand-edited", Active: false}
	if err := reg.Save(ctx, "acme", existing); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	installed, err := reg.Seed(ctx, "acme", []models.Agent{
		{ID: "mail-bot", Name: "Seeded", Active: true},
		{ID: "triage-bot", Name: "Triage", Labels: []string{"support"}, Active: true},
	})
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if installed != 1 {
		t.Errorf("Seed() installed = %d, want 1", installed)
	}

	// The existing record keeps its edits.
	got, err := reg.Get(ctx, "acme", "mail-bot")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Hand-edited" || got.Active {
		t.Errorf("seeded over existing agent: %+v", got)
	}

	if _, err := reg.Get(ctx, "acme", "triage-bot"); err != nil {
		t.Errorf("Get(triage-bot) error = %v, want seeded agent", err)
	}
}

func TestLabelsUnion(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.Save(ctx, "acme", &models.Agent{ID: "a", Labels: []string{"billing", "urgent"}})
	reg.Save(ctx, "acme", &models.Agent{ID: "b", Labels: []string{"urgent", "support"}})
	reg.Save(ctx, "acme", &models.Agent{ID: "c"})

	labels, err := reg.Labels(ctx, "acme")
	if err != nil {
		t.Fatalf("Labels() error = %v", err)
	}
	want := []string{"billing", "urgent", "support"}
	if len(labels) != len(want) {
		t.Fatalf("Labels() = %v, want %v", labels, want)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("Labels()[%d] = %q, want %q", i, labels[i], want[i])
		}
	}
}
