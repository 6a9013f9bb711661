package retry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/raullenchai/moperator/internal/store"
	"github.com/raullenchai/moperator/pkg/models"
)

// deadLetter moves an exhausted item out of the retry queue. The dead copy
// counts the final attempt and carries its error.
func (q *Queue) deadLetter(ctx context.Context, item *models.RetryItem, finalError string) {
	now := q.opts.Now().UTC()

	dead := models.DeadLetterItem{
		RetryItem:      *item,
		FinalError:     finalError,
		DeadLetteredAt: now,
	}
	dead.Attempts = item.Attempts + 1
	dead.LastAttempt = now
	dead.LastError = finalError

	raw, err := json.Marshal(dead)
	if err != nil {
		log.Error().Err(err).Str("retry", item.ID).Msg("Failed to encode dead letter")
		return
	}
	if err := q.store.Put(ctx, store.DeadKey(item.ID), raw, q.opts.DeadTTL); err != nil {
		// Keep the retry item rather than lose the event entirely.
		log.Error().Err(err).Str("retry", item.ID).Msg("Failed to store dead letter, keeping retry item")
		return
	}
	q.store.Delete(ctx, store.RetryKey(item.ID))

	log.Error().
		Str("retry", item.ID).
		Str("agent", item.AgentID).
		Int("attempts", dead.Attempts).
		Str("final_error", finalError).
		Msg("Delivery dead-lettered")
}

// DeadLetters returns all dead-lettered items.
func (q *Queue) DeadLetters(ctx context.Context) ([]models.DeadLetterItem, error) {
	keys, err := q.store.List(ctx, store.PrefixDead)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	items := make([]models.DeadLetterItem, 0, len(keys))
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var item models.DeadLetterItem
		if err := json.Unmarshal(raw, &item); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping unreadable dead letter")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// DeadLetter returns one dead-lettered item by ID.
func (q *Queue) DeadLetter(ctx context.Context, id string) (*models.DeadLetterItem, error) {
	raw, err := q.store.Get(ctx, store.DeadKey(id))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &store.ErrNotFound{Entity: "dead letter", Key: id}
		}
		return nil, fmt.Errorf("load dead letter %s: %w", id, err)
	}
	var item models.DeadLetterItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return &item, nil
}

// Replay makes an immediate delivery attempt for a dead letter. Success
// removes it for good; failure moves it back into the pending queue as a
// fresh item, same ID, full attempt budget. A dead letter whose URL is
// unusable stays where it is, since redelivery can never work.
func (q *Queue) Replay(ctx context.Context, id string) (*models.DispatchOutcome, *models.RetryItem, error) {
	dead, err := q.DeadLetter(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	payload := models.WebhookPayload{
		Email:         dead.Email,
		Labels:        dead.Labels,
		MatchedLabel:  dead.MatchedLabel,
		RoutingReason: dead.RoutingReason,
	}
	outcome := q.dispatcher.Deliver(ctx, dead.AgentID, dead.WebhookURL, payload)

	switch {
	case outcome.Skipped:
		log.Warn().
			Str("dead_letter", id).
			Str("reason", outcome.Error).
			Msg("Replay refused: unusable webhook URL")
		return &outcome, nil, nil

	case outcome.Success:
		if err := q.store.Delete(ctx, store.DeadKey(id)); err != nil {
			return &outcome, nil, fmt.Errorf("delete dead letter: %w", err)
		}
		log.Info().
			Str("dead_letter", id).
			Str("agent", dead.AgentID).
			Msg("Dead letter replayed and delivered")
		return &outcome, nil, nil
	}

	now := q.opts.Now().UTC()
	item := &models.RetryItem{
		ID:            dead.ID,
		SchemaVersion: models.CurrentSchemaVersion,
		TenantID:      dead.TenantID,
		AgentID:       dead.AgentID,
		WebhookURL:    dead.WebhookURL,
		Email:         dead.Email,
		Labels:        dead.Labels,
		MatchedLabel:  dead.MatchedLabel,
		RoutingReason: dead.RoutingReason,
		Attempts:      1,
		MaxAttempts:   q.opts.MaxAttempts,
		LastAttempt:   now,
		NextAttempt:   now.Add(q.opts.BaseDelay),
		LastError:     outcome.Error,
		CreatedAt:     now,
	}
	if err := q.put(ctx, item); err != nil {
		return &outcome, nil, err
	}
	if err := q.store.Delete(ctx, store.DeadKey(id)); err != nil {
		log.Warn().Err(err).Str("dead_letter", id).Msg("Requeued item still present in dead letters")
	}

	log.Info().
		Str("retry", item.ID).
		Str("agent", item.AgentID).
		Msg("Dead letter replay failed, requeued")
	return &outcome, item, nil
}

// DeleteDeadLetter removes a dead letter permanently.
func (q *Queue) DeleteDeadLetter(ctx context.Context, id string) error {
	if _, err := q.DeadLetter(ctx, id); err != nil {
		return err
	}
	return q.store.Delete(ctx, store.DeadKey(id))
}
