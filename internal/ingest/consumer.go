package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/finvault/notifier/internal/notification"
	"github.com/finvault/notifier/internal/telemetry"
)

// Router is the slice of the notification Router the consumer drives.
type Router interface {
	Route(ctx context.Context, req notification.Request) (*notification.RouteResult, error)
}

// Batch pull defaults. The drain window bounds how long a partially
// filled batch waits for more messages before processing starts.
const (
	defaultBatchSize        = 20
	defaultBatchConcurrency = 4
	batchDrainWindow        = 100 * time.Millisecond
)

// ConsumerConfig configures one topic consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// BatchSize caps how many messages one pull gathers; Concurrency
	// bounds in-flight handlers within a batch. Zero means default.
	BatchSize   int
	Concurrency int

	// Kinds maps the topic's event types to catalog kinds.
	Kinds map[string]notification.Kind
}

// messageReader is the slice of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic and routes its events. Each pull gathers a
// batch, handles its messages concurrently, and commits the batch only
// after every message finished; a message that can be neither routed
// nor dead-lettered halts the consumer without committing so the
// broker redelivers the batch after restart.
type Consumer struct {
	config ConsumerConfig
	reader messageReader
	router Router
	dlq    notification.DLQStore
}

// NewConsumer creates a consumer group reader for one topic.
func NewConsumer(config ConsumerConfig, router Router, dlq notification.DLQStore) *Consumer {
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultBatchConcurrency
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // explicit commits only
		StartOffset:    kafka.FirstOffset,
	})
	return &Consumer{
		config: config,
		reader: reader,
		router: router,
		dlq:    dlq,
	}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	log := telemetry.LogFromContext(ctx).WithField("topic", c.config.Topic)
	log.Info("ingest consumer started")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.WithError(err).Warn("failed to close kafka reader")
		}
	}()

	for {
		batch, err := c.fetchBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("ingest consumer stopped")
				return ctx.Err()
			}
			return fmt.Errorf("failed to fetch messages from %s: %w", c.config.Topic, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.config.Concurrency)
		for _, msg := range batch {
			msg := msg
			g.Go(func() error { return c.handle(gctx, msg) })
		}
		if err := g.Wait(); err != nil {
			// Some message was neither routed nor dead-lettered.
			// Committing now would lose it, so halt and let the broker
			// redeliver the batch.
			sentry.CaptureException(err)
			return err
		}

		if err := c.reader.CommitMessages(ctx, batch...); err != nil {
			return fmt.Errorf("failed to commit offsets on %s: %w", c.config.Topic, err)
		}
	}
}

// fetchBatch blocks for the first message, then drains whatever else
// is already buffered up to the batch size within a short window.
func (c *Consumer) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}

	drainCtx, cancel := context.WithTimeout(ctx, batchDrainWindow)
	defer cancel()
	for len(batch) < c.config.BatchSize {
		msg, err := c.reader.FetchMessage(drainCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Window elapsed or a transient fetch error: process what
			// we have; the next pull sees the rest.
			break
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// handle processes one message. A nil return means the offset is safe
// to commit: the event was routed, dropped by design, or captured in
// the DLQ.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	env, payload, err := DecodeEvent(msg.Value)
	if err != nil {
		return c.deadLetterRaw(ctx, msg, env, fmt.Sprintf("malformed event: %v", err))
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		// Synthetic id so even producer-less events stay traceable.
		correlationID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	ctx = telemetry.WithCorrelationID(ctx, correlationID)
	log := telemetry.LogFromContext(ctx).WithFields(logrus.Fields{
		"topic":      msg.Topic,
		"event_type": env.EventType,
		"user_id":    payload.UserID,
	})

	kind, ok := c.config.Kinds[env.EventType]
	if !ok {
		log.Debug("unmapped event type dropped")
		return nil
	}

	req := BuildRequest(kind, env, payload)
	req.CorrelationID = correlationID

	result, err := c.router.Route(ctx, req)
	if err != nil {
		if errors.Is(err, notification.ErrUnknownKind) {
			log.WithError(err).Warn("event mapped to unknown kind, dropped")
			return nil
		}
		log.WithError(err).Error("routing failed, dead-lettering event")
		sentry.CaptureException(err)
		return c.deadLetterRouted(ctx, req, correlationID, fmt.Sprintf("routing failed: %v", err))
	}

	log.WithFields(logrus.Fields{
		"notification_id": result.NotificationID,
		"attempts":        len(result.Attempts),
		"skips":           len(result.Skips),
		"digest_queued":   result.DigestQueued,
	}).Debug("event routed")
	return nil
}

// deadLetterRaw captures an undecodable message.
func (c *Consumer) deadLetterRaw(ctx context.Context, msg kafka.Message, env *Envelope, reason string) error {
	rec := &notification.DLQRecord{
		UserID:        "unknown",
		Kind:          notification.Kind("unparseable"),
		Reason:        reason,
		TotalAttempts: 1,
		CorrelationID: fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
		FailureHistory: notification.FailureHistory{{
			AttemptNumber: 1,
			Error:         reason,
			OccurredAt:    time.Now(),
		}},
	}
	if env != nil {
		if env.EventType != "" {
			rec.Kind = notification.Kind(env.EventType)
		}
		if env.CorrelationID != "" {
			rec.CorrelationID = env.CorrelationID
		}
	}

	if err := c.dlq.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to dead-letter malformed event: %w", err)
	}
	telemetry.LogFromContext(ctx).WithFields(logrus.Fields{
		"topic":  msg.Topic,
		"offset": msg.Offset,
		"reason": reason,
	}).Warn("malformed event dead-lettered")
	return nil
}

// deadLetterRouted captures a decodable event the Router could not
// process.
func (c *Consumer) deadLetterRouted(ctx context.Context, req notification.Request, correlationID, reason string) error {
	priority := notification.PriorityMedium
	if req.Priority != nil {
		priority = *req.Priority
	}

	rec := &notification.DLQRecord{
		UserID:        req.UserID,
		Kind:          req.Kind,
		SourceID:      req.SourceID,
		Priority:      priority,
		Title:         req.Title,
		Body:          req.Body,
		Reason:        reason,
		TotalAttempts: 1,
		CorrelationID: correlationID,
		FailureHistory: notification.FailureHistory{{
			AttemptNumber: 1,
			Error:         reason,
			OccurredAt:    time.Now(),
		}},
	}
	if err := c.dlq.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to dead-letter unroutable event: %w", err)
	}
	return nil
}
