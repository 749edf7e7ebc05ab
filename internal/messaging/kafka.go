package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes outbox events to a topic keyed by event id.
type KafkaNotifier struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaNotifier(cfg KafkaConfig, logger *zap.Logger) *KafkaNotifier {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: batchTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		logger: logger.Named("kafka_notifier"),
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, event domain.OutboxEvent) error {
	body, err := json.Marshal(NewNotification(event))
	if err != nil {
		return fmt.Errorf("notification serialization error: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.ID.String()),
		Value: body,
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "service", Value: []byte(ServiceName)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write error: %w", err)
	}

	n.logger.Debug("event written", zap.String("event_id", event.ID.String()), zap.String("event_type", string(event.EventType)))
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
