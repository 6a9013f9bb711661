// Package ingest consumes email events from Kafka and feeds them to the
// router. Offsets commit only after routing returns, so a crash mid-route
// redelivers the event rather than dropping it. Events that cannot be
// decoded are committed and skipped, so one poison message cannot wedge a
// partition.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/raullenchai/moperator/pkg/models"
)

var tracer = otel.Tracer("moperator")

// Router fans an email event out to its subscribed agents.
// Satisfied by route.Router.
type Router interface {
	Route(ctx context.Context, event models.EmailEvent) (*models.RouteResult, error)
}

// Source is the message feed the consumer drains. Satisfied by kafka.Reader;
// tests substitute a scripted feed.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures the Kafka reader.
type Options struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer pulls email events off a topic and routes them one at a time.
type Consumer struct {
	source Source
	router Router
	topic  string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumer creates a consumer reading from Kafka.
func NewConsumer(opts Options, r Router) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        opts.Brokers,
		Topic:          opts.Topic,
		GroupID:        opts.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // manual commits, after routing only
	})
	return &Consumer{source: reader, router: r, topic: opts.Topic}
}

// NewConsumerWithSource wires a custom message source in place of Kafka.
func NewConsumerWithSource(src Source, r Router) *Consumer {
	return &Consumer{source: src, router: r}
}

// Start begins consuming in a background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	log.Info().Str("topic", c.topic).Msg("Email ingest started")
}

// Stop cancels the consume loop, waits for it to finish, and closes the
// source.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.source.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				log.Info().Msg("Email ingest stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}
		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	ctx, span := tracer.Start(ctx, "email.ingest",
		trace.WithAttributes(
			attribute.String("messaging.kafka.topic", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	var event models.EmailEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		log.Error().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Skipping undecodable email event")
		c.commit(ctx, msg)
		return
	}
	if event.TenantID == "" {
		log.Error().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Skipping email event without tenant")
		c.commit(ctx, msg)
		return
	}

	if _, err := c.router.Route(ctx, event); err != nil {
		// No commit: the event is redelivered once routing can work again.
		log.Error().Err(err).
			Str("tenant_id", event.TenantID).
			Str("message_id", event.Email.MessageID).
			Msg("Failed to route email event, not committing")
		return
	}

	c.commit(ctx, msg)
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.source.CommitMessages(ctx, msg); err != nil {
		log.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit offset")
	}
}
