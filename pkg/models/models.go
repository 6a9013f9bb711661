package models

import (
	"time"
)

// CurrentSchemaVersion is stamped into every persisted entity so future
// readers can migrate old blobs instead of guessing their shape.
const CurrentSchemaVersion = 1

// ── Agent ────────────────────────────────────────────────────

// Agent is a registered downstream endpoint that receives email deliveries
// for its subscribed labels. The record is owned by the tenant registry;
// the delivery core reads labels/active/webhookUrl and mutates only
// active and health as health-check side effects.
type Agent struct {
	ID            string        `json:"id"`
	SchemaVersion int           `json:"schemaVersion,omitempty"`
	TenantID      string        `json:"tenantId,omitempty"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	WebhookURL    string        `json:"webhookUrl,omitempty"`
	Labels        []string      `json:"labels"`
	Active        bool          `json:"active"`
	Health        *HealthStatus `json:"health,omitempty"`
	CreatedAt     time.Time     `json:"createdAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt,omitempty"`
}

// SubscribesTo reports whether the agent subscribes to the given label.
func (a *Agent) SubscribesTo(label string) bool {
	for _, l := range a.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ── Health ───────────────────────────────────────────────────

// HealthStatus is the rolling probe state for one agent endpoint.
// ConsecutiveFailures resets to 0 on any successful check; reaching the
// disable threshold flips the owning agent's Active flag off, a one-way
// transition undone only by an explicit re-enable.
type HealthStatus struct {
	Healthy             bool       `json:"healthy"`
	LastCheck           time.Time  `json:"lastCheck"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	ResponseTimeMs      int64      `json:"responseTimeMs,omitempty"`
}

// ── Email ────────────────────────────────────────────────────

// EmailSnapshot is the already-parsed summary of an inbound email.
// Parsing happens upstream; this is the shape that travels in webhook
// payloads and retry items.
type EmailSnapshot struct {
	MessageID  string    `json:"messageId"`
	ThreadID   string    `json:"threadId,omitempty"`
	From       string    `json:"from"`
	To         []string  `json:"to,omitempty"`
	Subject    string    `json:"subject"`
	Snippet    string    `json:"snippet,omitempty"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// EmailEvent is one inbound email event as submitted for routing.
// Labels may be pre-classified upstream; when empty the classifier runs.
type EmailEvent struct {
	TenantID string        `json:"tenantId"`
	Email    EmailSnapshot `json:"email"`
	Labels   []string      `json:"labels,omitempty"`
}

// ── Delivery ─────────────────────────────────────────────────

// WebhookPayload is the signed wire body POSTed to an agent. The signature
// covers the JSON encoding with the signature field removed, so receivers
// recompute the HMAC over the body minus "signature" and compare.
type WebhookPayload struct {
	Email         EmailSnapshot `json:"email"`
	Labels        []string      `json:"labels"`
	MatchedLabel  string        `json:"matchedLabel"`
	RoutingReason string        `json:"routingReason"`
	Timestamp     time.Time     `json:"timestamp"`
	Signature     string        `json:"signature,omitempty"`
}

// DispatchOutcome classifies one delivery attempt against one agent.
// Success with StatusCode for 2xx; failure with StatusCode for non-2xx;
// failure with Error and no StatusCode for transport errors. Skipped marks
// agents whose webhook URL was absent or a placeholder — those count
// neither as success nor failure and are never retried.
type DispatchOutcome struct {
	AgentID      string `json:"agentId"`
	MatchedLabel string `json:"matchedLabel"`
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	Error        string `json:"error,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
}

// ── Retry / Dead Letter ──────────────────────────────────────

// RetryItem is a failed delivery waiting for redispatch. Invariant:
// 1 <= Attempts <= MaxAttempts while pending; the item leaves the pending
// store the moment it succeeds or exhausts its attempts.
type RetryItem struct {
	ID            string        `json:"id"`
	SchemaVersion int           `json:"schemaVersion"`
	TenantID      string        `json:"tenantId,omitempty"`
	AgentID       string        `json:"agentId"`
	WebhookURL    string        `json:"webhookUrl"`
	Email         EmailSnapshot `json:"email"`
	Labels        []string      `json:"labels"`
	MatchedLabel  string        `json:"matchedLabel"`
	RoutingReason string        `json:"routingReason,omitempty"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"maxAttempts"`
	LastAttempt   time.Time     `json:"lastAttempt"`
	NextAttempt   time.Time     `json:"nextAttempt"`
	LastError     string        `json:"lastError,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Due reports whether the item is eligible for redispatch at now.
func (r *RetryItem) Due(now time.Time) bool {
	return !r.NextAttempt.After(now)
}

// DeadLetterItem is the terminal copy of a retry item that exhausted its
// attempts. Immutable once written; it never re-enters the pending queue.
type DeadLetterItem struct {
	RetryItem
	FinalError     string    `json:"finalError"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// ── Rate Limiting ────────────────────────────────────────────

// RateLimitEntry is a fixed-window counter keyed by client. A read after
// ResetAt always starts a fresh window rather than incrementing stale state.
type RateLimitEntry struct {
	Count   int64     `json:"count"`
	ResetAt time.Time `json:"resetAt"`
}

// TenantLimits carries per-tenant rate-limit overrides. Zero values mean
// "use the deployment default".
type TenantLimits struct {
	SchemaVersion    int    `json:"schemaVersion"`
	TenantID         string `json:"tenantId"`
	ReadMaxRequests  int    `json:"readMaxRequests,omitempty"`
	WriteMaxRequests int    `json:"writeMaxRequests,omitempty"`
}

// ── Routing ──────────────────────────────────────────────────

// RouteResult summarizes the fan-out of one email event: the labels it was
// routed under, the per-agent outcomes in registry order, and aggregate
// counters. Failed deliveries are enqueued for retry; skips are not.
type RouteResult struct {
	Labels     []string          `json:"labels"`
	Reason     string            `json:"routingReason,omitempty"`
	Outcomes   []DispatchOutcome `json:"outcomes"`
	Dispatched int               `json:"dispatched"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Enqueued   int               `json:"enqueued"`
}
