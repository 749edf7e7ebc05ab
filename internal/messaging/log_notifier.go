package messaging

import (
	"context"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"go.uber.org/zap"
)

// LogNotifier only logs. It is the default for local runs.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, event domain.OutboxEvent) error {
	n.logger.Info("notification",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.String("recipient", event.Recipient),
		zap.ByteString("payload", event.Payload))
	return nil
}
