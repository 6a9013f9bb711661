// Package registry reads and writes the per-tenant agent registry. The
// registry is shared platform state: other services create and edit agents,
// this one routes events to them and flips their health flags.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

// Registry provides agent lookups over the key-value store.
type Registry struct {
	store store.Store
}

// New creates a Registry backed by s.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// List returns all of a tenant's agents in registry order. Registry order is
// the key order of the underlying store (agent ID, ascending) and is stable
// across calls, which keeps fan-out and dedup deterministic. Records that no
// longer parse are skipped so one bad row cannot stall routing.
func (r *Registry) List(ctx context.Context, tenantID string) ([]models.Agent, error) {
	keys, err := r.store.List(ctx, store.AgentPrefix(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	agents := make([]models.Agent, 0, len(keys))
	for _, key := range keys {
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			if store.IsNotFound(err) {
				continue // deleted between List and Get
			}
			return nil, fmt.Errorf("load agent %s: %w", key, err)
		}
		var agent models.Agent
		if err := json.Unmarshal(raw, &agent); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping unreadable agent record")
			continue
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Get returns one agent by ID.
func (r *Registry) Get(ctx context.Context, tenantID, agentID string) (*models.Agent, error) {
	raw, err := r.store.Get(ctx, store.AgentKey(tenantID, agentID))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &store.ErrNotFound{Entity: "agent", Key: agentID}
		}
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	var agent models.Agent
	if err := json.Unmarshal(raw, &agent); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", agentID, err)
	}
	return &agent, nil
}

// Save upserts an agent record. CreatedAt is set on first save, UpdatedAt on
// every save.
func (r *Registry) Save(ctx context.Context, tenantID string, agent *models.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("save agent: empty ID")
	}
	agent.TenantID = tenantID
	agent.SchemaVersion = models.CurrentSchemaVersion
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	raw, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", agent.ID, err)
	}
	if err := r.store.Put(ctx, store.AgentKey(tenantID, agent.ID), raw, 0); err != nil {
		return fmt.Errorf("save agent %s: %w", agent.ID, err)
	}
	return nil
}

// Seed installs agents that do not exist yet and leaves existing records
// alone, so re-running a deployment never clobbers edits made through the
// platform's own registry service. It returns the number installed.
func (r *Registry) Seed(ctx context.Context, tenantID string, agents []models.Agent) (int, error) {
	installed := 0
	for i := range agents {
		agent := agents[i]
		if _, err := r.Get(ctx, tenantID, agent.ID); err == nil {
			continue
		} else if !store.IsNotFound(err) {
			return installed, err
		}
		if err := r.Save(ctx, tenantID, &agent); err != nil {
			return installed, err
		}
		log.Info().Str("agent", agent.ID).Str("tenant", tenantID).Msg("Agent seeded")
		installed++
	}
	return installed, nil
}

// Labels returns the union of all labels the tenant's agents subscribe to,
// deduplicated, in registry order. This is the label vocabulary offered to
// the classifier.
func (r *Registry) Labels(ctx context.Context, tenantID string) ([]string, error) {
	agents, err := r.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var labels []string
	for _, agent := range agents {
		for _, label := range agent.Labels {
			if !seen[label] {
				seen[label] = true
				labels = append(labels, label)
			}
		}
	}
	return labels, nil
}
