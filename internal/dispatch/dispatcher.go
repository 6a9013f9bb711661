// Package dispatch delivers signed webhook payloads to agent endpoints via
// HTTP POST. A delivery is one attempt; redelivery of failures is the retry
// queue's job, not the dispatcher's.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/raullenchai/moperator/internal/signing"
	"github.com/raullenchai/moperator/pkg/models"
)

const defaultTimeout = 15 * time.Second

var tracer = otel.Tracer("moperator")

// placeholderMarkers flag URLs copied from templates that were saved without
// a real endpoint. Deliveries to them are skipped, never retried.
var placeholderMarkers = []string{"your-webhook", "example.com", "placeholder"}

// Dispatcher posts webhook payloads to agents.
type Dispatcher struct {
	client *http.Client
	signer *signing.Signer
}

// New creates a Dispatcher. Every request is bounded by timeout so a dead
// endpoint cannot hold a fan-out slot open.
func New(signer *signing.Signer, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		signer: signer,
	}
}

// Deliver signs the payload and makes one POST attempt to webhookURL.
// Unusable URLs produce a skipped outcome: neither success nor failure, and
// not eligible for retry. A zero payload timestamp is stamped with the
// attempt time.
func (d *Dispatcher) Deliver(ctx context.Context, agentID, webhookURL string, payload models.WebhookPayload) models.DispatchOutcome {
	outcome := models.DispatchOutcome{AgentID: agentID, MatchedLabel: payload.MatchedLabel}

	if reason := invalidURLReason(webhookURL); reason != "" {
		outcome.Skipped = true
		outcome.Error = reason
		log.Debug().Str("agent", agentID).Str("reason", reason).Msg("Skipping webhook delivery")
		return outcome
	}

	ctx, span := tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("moperator.agent_id", agentID),
			attribute.String("moperator.matched_label", payload.MatchedLabel),
		),
	)
	defer span.End()

	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	sig, err := d.signer.SignPayload(payload)
	if err != nil {
		outcome.Error = fmt.Sprintf("sign payload: %v", err)
		return outcome
	}
	payload.Signature = sig

	body, err := json.Marshal(payload)
	if err != nil {
		outcome.Error = fmt.Sprintf("marshal payload: %v", err)
		return outcome
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		outcome.Error = fmt.Sprintf("build request: %v", err)
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Moperator-Webhook/1.0")
	req.Header.Set("X-Moperator-Signature", sig)
	req.Header.Set("X-Moperator-Timestamp", payload.Timestamp.UTC().Format(time.RFC3339))
	req.Header.Set("X-Moperator-Labels", strings.Join(payload.Labels, ","))

	start := time.Now()
	resp, err := d.client.Do(req)
	outcome.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		// Transport error: no HTTP status to record.
		outcome.Error = err.Error()
		span.SetAttributes(attribute.Bool("moperator.transport_error", true))
		log.Warn().Err(err).Str("agent", agentID).Msg("Webhook delivery failed")
		return outcome
	}
	// Only the status code matters; drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	outcome.StatusCode = resp.StatusCode
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome.Success = true
		log.Info().
			Str("agent", agentID).
			Int("status", resp.StatusCode).
			Str("label", payload.MatchedLabel).
			Int64("duration_ms", outcome.DurationMs).
			Msg("Webhook dispatched")
		return outcome
	}

	outcome.Error = fmt.Sprintf("HTTP %d from %s", resp.StatusCode, webhookURL)
	log.Warn().
		Str("agent", agentID).
		Int("status", resp.StatusCode).
		Msg("Webhook delivery rejected")
	return outcome
}

// invalidURLReason reports why a webhook URL can never be delivered to, or
// "" when it is usable.
func invalidURLReason(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "no webhook URL configured"
	}
	lower := strings.ToLower(raw)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Sprintf("placeholder URL (%s)", marker)
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "unparseable webhook URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Sprintf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "webhook URL has no host"
	}
	return ""
}
