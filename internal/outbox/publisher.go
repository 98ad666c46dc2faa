// Package outbox implements the transactional outbox relay: processing
// events are written to the database in the same unit of work as the state
// they describe, and a background relay publishes unpublished rows to Kafka
// with at-least-once delivery. Consumers deduplicate on event ID.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher delivers event messages to the external broker.
type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// KafkaPublisher publishes messages through a kafka-go writer. Messages are
// keyed by aggregate ID so all events of one paper land in one partition, in
// order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a Kafka publisher.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	if cfg.BatchSize > 0 {
		writer.BatchSize = cfg.BatchSize
	}
	if cfg.BatchTimeout > 0 {
		writer.BatchTimeout = cfg.BatchTimeout
	}
	return &KafkaPublisher{writer: writer}
}

// Publish writes the messages to the configured topic.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("outbox: writing %d message(s): %w", len(msgs), err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
