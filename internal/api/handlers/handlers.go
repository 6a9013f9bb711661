// Package handlers implements the HTTP handlers for the Moperator event
// plane: email-event submission, agent health operations, and retry-queue /
// dead-letter management. Agent and tenant CRUD live elsewhere in the
// platform; this API only reads the registry.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/internal/api/middleware"
	"github.com/raullenchai/moperator/internal/health"
	"github.com/raullenchai/moperator/internal/registry"
	"github.com/raullenchai/moperator/internal/retry"
	"github.com/raullenchai/moperator/internal/route"
	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry *registry.Registry
	Router   *route.Router
	Queue    *retry.Queue
	Monitor  *health.Monitor
}

// New creates a Handlers instance with all dependencies.
func New(reg *registry.Registry, r *route.Router, q *retry.Queue, m *health.Monitor) *Handlers {
	return &Handlers{
		Registry: reg,
		Router:   r,
		Queue:    q,
		Monitor:  m,
	}
}

// ── Email events ─────────────────────────────────────────────

// SubmitEmailEvent routes one email event and responds with the routing
// result, delivery outcomes included.
func (h *Handlers) SubmitEmailEvent(w http.ResponseWriter, r *http.Request) {
	var event models.EmailEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if event.Email.MessageID == "" {
		respondError(w, http.StatusBadRequest, "email.messageId is required")
		return
	}
	if event.TenantID == "" {
		event.TenantID = middleware.GetTenantID(r.Context())
	}

	result, err := h.Router.Route(r.Context(), event)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Agents ───────────────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	agents, err := h.Registry.List(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgentHealth(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	tenant := middleware.GetTenantID(r.Context())

	agent, err := h.Registry.Get(r.Context(), tenant, agentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	status := agent.Health
	if status == nil {
		// Never checked yet
		status = &models.HealthStatus{}
	}
	respondJSON(w, http.StatusOK, status)
}

// CheckAgent runs a single on-demand health check and responds with the
// resulting status.
func (h *Handlers) CheckAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	tenant := middleware.GetTenantID(r.Context())

	status, err := h.Monitor.CheckAgent(r.Context(), tenant, agentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// EnableAgent reactivates a disabled agent and resets its failure count.
// This is the only path back for an auto-disabled agent.
func (h *Handlers) EnableAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	tenant := middleware.GetTenantID(r.Context())

	agent, err := h.Monitor.ReEnable(r.Context(), tenant, agentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	log.Info().Str("agent_id", agentID).Str("tenant_id", tenant).Msg("Agent re-enabled via API")
	respondJSON(w, http.StatusOK, agent)
}

// ── Retry queue ──────────────────────────────────────────────

func (h *Handlers) ListRetries(w http.ResponseWriter, r *http.Request) {
	items, err := h.Queue.Pending(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.RetryItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

// DrainRetries redelivers every due retry item. External schedulers hit this
// endpoint; the built-in ticker calls the same drain.
func (h *Handlers) DrainRetries(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Drain(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// RunHealthSweep checks every active agent of the request tenant.
func (h *Handlers) RunHealthSweep(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())

	stats, err := h.Monitor.CheckAll(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ── Dead letters ─────────────────────────────────────────────

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.Queue.DeadLetters(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []models.DeadLetterItem{}
	}
	respondJSON(w, http.StatusOK, items)
}

func (h *Handlers) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	item, err := h.Queue.DeadLetter(r.Context(), itemID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// ReplayDeadLetter redispatches a dead letter immediately. Success removes
// it; failure moves it back to the pending queue for normal retrying.
func (h *Handlers) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	outcome, requeued, err := h.Queue.Replay(r.Context(), itemID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, struct {
		Outcome  *models.DispatchOutcome `json:"outcome"`
		Requeued *models.RetryItem       `json:"requeued,omitempty"`
	}{outcome, requeued})
}

func (h *Handlers) DeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	if err := h.Queue.DeleteDeadLetter(r.Context(), itemID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps missing records to 404 and everything else to 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
