// Package health probes agent webhook endpoints and disables agents whose
// endpoints keep failing, so dispatch and retry stop hammering a dead URL.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/internal/registry"
	"github.com/raullenchai/moperator/pkg/models"
)

const (
	DefaultProbeTimeout     = 10 * time.Second
	DefaultFailureThreshold = 3
)

// Options tunes the monitor. Zero values take the defaults above.
type Options struct {
	ProbeTimeout     time.Duration
	FailureThreshold int
	// CheckInterval runs a background sweep of Tenant when positive. The
	// cron endpoint works either way.
	CheckInterval time.Duration
	Tenant        string
}

// Monitor tracks endpoint health per agent. Disabling is one-way: once the
// failure threshold trips, only ReEnable brings the agent back.
type Monitor struct {
	registry *registry.Registry
	client   *http.Client
	opts     Options

	// mu serializes read-check-save cycles so overlapping sweeps cannot
	// clobber each other's consecutiveFailures updates.
	mu sync.Mutex

	doneCh chan struct{}
	once   sync.Once
}

// SweepStats summarizes one sweep over a tenant's agents.
type SweepStats struct {
	Checked   int `json:"checked"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

// NewMonitor creates a Monitor over the registry.
func NewMonitor(reg *registry.Registry, opts Options) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	return &Monitor{
		registry: reg,
		client:   &http.Client{Timeout: opts.ProbeTimeout},
		opts:     opts,
		doneCh:   make(chan struct{}),
	}
}

// ── Checks ───────────────────────────────────────────────────

// CheckAgent probes one agent and persists the updated health status. The
// agent is probed even when inactive; skipping disabled agents is CheckAll's
// policy, not this one's.
func (m *Monitor) CheckAgent(ctx context.Context, tenantID, agentID string) (*models.HealthStatus, error) {
	_, status, err := m.checkAndSave(ctx, tenantID, agentID)
	return status, err
}

// CheckAll sweeps every agent of the tenant, skipping inactive ones.
func (m *Monitor) CheckAll(ctx context.Context, tenantID string) (SweepStats, error) {
	var stats SweepStats

	agents, err := m.registry.List(ctx, tenantID)
	if err != nil {
		return stats, fmt.Errorf("list agents: %w", err)
	}

	for i := range agents {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !agents[i].Active {
			stats.Disabled++
			continue
		}
		_, status, err := m.checkAndSave(ctx, tenantID, agents[i].ID)
		if err != nil {
			log.Error().Err(err).Str("agent", agents[i].ID).Msg("Health check failed to persist")
			continue
		}
		stats.Checked++
		if status.Healthy {
			stats.Healthy++
		} else {
			stats.Unhealthy++
		}
	}

	log.Info().
		Int("checked", stats.Checked).
		Int("healthy", stats.Healthy).
		Int("unhealthy", stats.Unhealthy).
		Int("disabled", stats.Disabled).
		Msg("Health sweep complete")
	return stats, nil
}

// ReEnable turns a disabled agent back on and resets its failure count so
// the breaker starts fresh. This is the only path back to active.
func (m *Monitor) ReEnable(ctx context.Context, tenantID, agentID string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, err := m.registry.Get(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	agent.Active = true
	if agent.Health != nil {
		agent.Health.ConsecutiveFailures = 0
	}
	if err := m.registry.Save(ctx, tenantID, agent); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}
	log.Info().Str("agent", agentID).Msg("Agent re-enabled")
	return agent, nil
}

// checkAndSave is one atomic read-check-save cycle for an agent. The mutex
// covers the whole cycle, so a concurrent cycle for the same agent always
// sees the previous one's counts.
func (m *Monitor) checkAndSave(ctx context.Context, tenantID, agentID string) (*models.Agent, *models.HealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, err := m.registry.Get(ctx, tenantID, agentID)
	if err != nil {
		return nil, nil, err
	}
	status := m.check(ctx, agent)
	if err := m.registry.Save(ctx, tenantID, agent); err != nil {
		return nil, nil, fmt.Errorf("save health status: %w", err)
	}
	return agent, status, nil
}

// check probes the agent and applies the outcome in place. An agent with no
// webhook URL is vacuously healthy, with no network call made.
func (m *Monitor) check(ctx context.Context, agent *models.Agent) *models.HealthStatus {
	now := time.Now().UTC()
	status := agent.Health
	if status == nil {
		status = &models.HealthStatus{}
		agent.Health = status
	}
	status.LastCheck = now

	if strings.TrimSpace(agent.WebhookURL) == "" {
		status.Healthy = true
		status.ConsecutiveFailures = 0
		status.LastError = ""
		status.ResponseTimeMs = 0
		ts := now
		status.LastSuccess = &ts
		return status
	}

	healthy, detail, elapsed := m.probe(ctx, agent.WebhookURL)
	status.ResponseTimeMs = elapsed.Milliseconds()

	if healthy {
		status.Healthy = true
		status.ConsecutiveFailures = 0
		status.LastError = ""
		ts := now
		status.LastSuccess = &ts
		return status
	}

	// lastSuccess keeps its previous value through failures.
	status.Healthy = false
	status.ConsecutiveFailures++
	status.LastError = detail

	if status.ConsecutiveFailures >= m.opts.FailureThreshold && agent.Active {
		agent.Active = false
		log.Warn().
			Str("agent", agent.ID).
			Int("consecutive_failures", status.ConsecutiveFailures).
			Str("last_error", detail).
			Msg("Agent auto-disabled after repeated failed health checks")
	}
	return status
}

// probe issues one HEAD request. 2xx is healthy, and so is 405: an endpoint
// that rejects HEAD is still an endpoint that is up.
func (m *Monitor) probe(ctx context.Context, webhookURL string) (bool, string, time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, webhookURL, nil)
	if err != nil {
		return false, fmt.Sprintf("invalid URL: %v", err), 0
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return false, probeErrorText(err), elapsed
	}
	resp.Body.Close()

	if (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusMethodNotAllowed {
		return true, "", elapsed
	}
	return false, fmt.Sprintf("HTTP %d", resp.StatusCode), elapsed
}

// probeErrorText normalizes timeouts to "Timeout"; other transport errors
// keep their own text.
func probeErrorText(err error) string {
	var uerr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
		return "Timeout"
	}
	return err.Error()
}

// ── Background loop ──────────────────────────────────────────

// Start launches the periodic sweep when CheckInterval is positive.
func (m *Monitor) Start() {
	if m.opts.CheckInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.opts.CheckInterval)
				if _, err := m.CheckAll(ctx, m.opts.Tenant); err != nil {
					log.Warn().Err(err).Msg("Health sweep failed")
				}
				cancel()
			case <-m.doneCh:
				return
			}
		}
	}()
}

// Stop halts the background sweep. Safe to call more than once.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.doneCh) })
}
