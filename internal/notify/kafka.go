package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds the settings of a KafkaPublisher.
type KafkaConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic receives the notifications.
	Topic string
	// BatchSize is the maximum number of messages per batch.
	BatchSize int
	// BatchTimeout is the maximum time to wait for a batch to fill.
	BatchTimeout time.Duration
}

// KafkaPublisher writes notifications to a Kafka topic, keyed by project id so the events
// of one project stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	metrics Recorder
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher with a hash-balanced writer.
func NewKafkaPublisher(cfg KafkaConfig, metrics Recorder) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, metrics: metrics}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(n.ProjectID),
		Value: data,
		Time:  n.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(n.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if p.metrics != nil {
			p.metrics.RecordNotificationDropped("kafka")
		}
		return fmt.Errorf("write notification: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordNotification(n.Type, "kafka")
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
