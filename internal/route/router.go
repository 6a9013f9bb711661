// Package route fans an email event out to its subscribed agents: classify
// when the source provided no labels, match agents, deliver webhooks
// concurrently, and queue failed deliveries for retry.
package route

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/raullenchai/moperator/internal/registry"
	"github.com/raullenchai/moperator/internal/retry"
	"github.com/raullenchai/moperator/pkg/models"
)

const defaultMaxConcurrent = 8

// ReasonProvided is recorded when the event arrived with labels already set,
// so the classifier never ran.
const ReasonProvided = "labels provided by source"

var tracer = otel.Tracer("moperator")

// Deliverer makes one webhook delivery attempt. Satisfied by
// dispatch.Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, agentID, webhookURL string, payload models.WebhookPayload) models.DispatchOutcome
}

// Enqueuer records a failed delivery for redelivery. Satisfied by
// retry.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, f retry.Failure) (*models.RetryItem, error)
}

// Labeler assigns labels to an unlabeled email. Satisfied by
// classify.Service.
type Labeler interface {
	Labels(ctx context.Context, email models.EmailSnapshot, available []string) ([]string, string)
}

// Router routes email events to subscribed agents.
type Router struct {
	registry      *registry.Registry
	labeler       Labeler
	deliverer     Deliverer
	queue         Enqueuer
	maxConcurrent int
}

// New creates a Router. maxConcurrent bounds the parallel webhook fan-out;
// values below 1 take the default.
func New(reg *registry.Registry, labeler Labeler, d Deliverer, q Enqueuer, maxConcurrent int) *Router {
	if maxConcurrent < 1 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Router{
		registry:      reg,
		labeler:       labeler,
		deliverer:     d,
		queue:         q,
		maxConcurrent: maxConcurrent,
	}
}

// Route processes one email event end to end and reports the per-agent
// outcomes in match order. Failed deliveries are enqueued for retry before
// Route returns; skipped ones (unusable URLs) are not.
func (r *Router) Route(ctx context.Context, event models.EmailEvent) (*models.RouteResult, error) {
	ctx, span := tracer.Start(ctx, "email.route",
		trace.WithAttributes(
			attribute.String("moperator.tenant_id", event.TenantID),
			attribute.String("moperator.message_id", event.Email.MessageID),
		),
	)
	defer span.End()

	agents, err := r.registry.List(ctx, event.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	labels, reason := event.Labels, ReasonProvided
	if len(labels) == 0 {
		available, err := r.registry.Labels(ctx, event.TenantID)
		if err != nil {
			return nil, fmt.Errorf("list labels: %w", err)
		}
		labels, reason = r.labeler.Labels(ctx, event.Email, available)
	}

	matches := MatchAgents(labels, agents)
	result := &models.RouteResult{
		Labels:   labels,
		Reason:   reason,
		Outcomes: make([]models.DispatchOutcome, len(matches)),
	}
	span.SetAttributes(attribute.Int("moperator.matched_agents", len(matches)))

	if len(matches) == 0 {
		log.Info().
			Str("message_id", event.Email.MessageID).
			Strs("labels", labels).
			Msg("No subscribed agents, nothing to deliver")
		return result, nil
	}

	// Each delivery writes only its own slot, so the outcome slice needs no
	// lock and stays in match order.
	g := new(errgroup.Group)
	g.SetLimit(r.maxConcurrent)
	for i, m := range matches {
		g.Go(func() error {
			payload := models.WebhookPayload{
				Email:         event.Email,
				Labels:        labels,
				MatchedLabel:  m.MatchedLabel,
				RoutingReason: reason,
			}
			result.Outcomes[i] = r.deliverer.Deliver(ctx, m.Agent.ID, m.Agent.WebhookURL, payload)
			return nil
		})
	}
	g.Wait()

	for i := range result.Outcomes {
		out := result.Outcomes[i]
		switch {
		case out.Skipped:
			result.Skipped++
		case out.Success:
			result.Dispatched++
			result.Succeeded++
		default:
			result.Dispatched++
			result.Failed++
			r.enqueueFailure(ctx, event, matches[i], labels, reason, out, result)
		}
	}

	log.Info().
		Str("message_id", event.Email.MessageID).
		Strs("labels", labels).
		Int("agents", len(matches)).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Email routed")
	return result, nil
}

// enqueueFailure queues one failed delivery. Enqueue errors are logged, not
// returned: losing a retry must not fail the whole route.
func (r *Router) enqueueFailure(ctx context.Context, event models.EmailEvent, m Match, labels []string, reason string, out models.DispatchOutcome, result *models.RouteResult) {
	if r.queue == nil {
		return
	}
	_, err := r.queue.Enqueue(ctx, retry.Failure{
		TenantID:      event.TenantID,
		AgentID:       m.Agent.ID,
		WebhookURL:    m.Agent.WebhookURL,
		Email:         event.Email,
		Labels:        labels,
		MatchedLabel:  m.MatchedLabel,
		RoutingReason: reason,
		Err:           out.Error,
	})
	if err != nil {
		log.Error().Err(err).Str("agent", m.Agent.ID).Msg("Failed to enqueue retry")
		return
	}
	result.Enqueued++
}
