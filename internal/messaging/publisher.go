package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

type amqpPublisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQNotifier delivers outbox events to the topic exchange.
type RabbitMQNotifier struct {
	exchange string
	channel  func() (amqpPublisher, error)
	logger   *zap.Logger
}

func NewRabbitMQNotifier(client *RabbitMQClient, logger *zap.Logger) *RabbitMQNotifier {
	n := &RabbitMQNotifier{
		exchange: client.Exchange(),
		logger:   logger.Named("rabbitmq_notifier"),
	}
	n.channel = func() (amqpPublisher, error) {
		if !client.IsConnected() {
			return nil, ErrNotConnected
		}
		return client.Channel(), nil
	}
	return n
}

func (n *RabbitMQNotifier) Notify(ctx context.Context, event domain.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := n.channel()
	if err != nil {
		return err
	}

	body, err := json.Marshal(NewNotification(event))
	if err != nil {
		return fmt.Errorf("notification serialization error: %w", err)
	}

	routingKey := RoutingKey(event.EventType)
	err = ch.Publish(
		n.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID.String(),
			Timestamp:    event.CreatedAt,
			Headers: amqp.Table{
				"service":    ServiceName,
				"event_type": string(event.EventType),
				"recipient":  event.Recipient,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("event publish error: %w", err)
	}

	n.logger.Debug("event published", zap.String("routing_key", routingKey), zap.String("event_id", event.ID.String()))
	return nil
}
