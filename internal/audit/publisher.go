// Package audit ships routing decisions to the bank's audit trail
// topic. Events are keyed by user id so one user's trail stays in
// partition order.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/finvault/notifier/internal/notification"
	"github.com/finvault/notifier/internal/telemetry"
)

// eventVersion is bumped when the audit payload shape changes.
const eventVersion = "1"

// PublisherConfig configures the audit writer.
type PublisherConfig struct {
	Brokers []string
	Topic   string
	Source  string // source-service header value
}

// Publisher implements notification.AuditPublisher on a Kafka writer.
type Publisher struct {
	config PublisherConfig
	writer *kafka.Writer
}

// NewPublisher creates the audit publisher.
func NewPublisher(config PublisherConfig) *Publisher {
	if config.Source == "" {
		config.Source = "notifier"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		Compression:  kafka.Gzip,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 100 * time.Millisecond,
	}
	return &Publisher{config: config, writer: writer}
}

// Publish implements notification.AuditPublisher.
func (p *Publisher) Publish(ctx context.Context, event notification.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-version", Value: []byte(eventVersion)},
			{Key: "source-service", Value: []byte(p.config.Source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	telemetry.LogFromContext(ctx).WithField("type", event.Type).Debug("audit event published")
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
