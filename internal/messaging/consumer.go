package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// Handler processes one inbound notification. Returning a domain error
// dead-letters the message without retry.
type Handler func(ctx context.Context, n Notification) error

type Consumer struct {
	client     *RabbitMQClient
	queueName  string
	maxRetries int64
	retryDelay time.Duration
	republish  func(msg amqp.Delivery, headers amqp.Table) error
	subscribe  func(routingKeys []string) (<-chan amqp.Delivery, error)
	connected  func() bool
	done       <-chan struct{}
	ctx        context.Context
	logger     *zap.Logger
}

func NewConsumer(client *RabbitMQClient, queueName string, maxRetries int, retryDelay time.Duration, logger *zap.Logger) *Consumer {
	c := &Consumer{
		client:     client,
		queueName:  queueName,
		maxRetries: int64(maxRetries),
		retryDelay: retryDelay,
		connected:  client.IsConnected,
		done:       client.Done(),
		ctx:        client.ctx,
		logger:     logger.Named("consumer"),
	}
	c.republish = c.publishAgain
	c.subscribe = c.declareAndConsume
	return c
}

// Consume subscribes and starts delivering in the background. When the
// broker connection drops, the consumer resubscribes after the client has
// reconnected and keeps going until the client is closed.
func (c *Consumer) Consume(routingKeys []string, handler Handler) error {
	if !c.connected() {
		return ErrNotConnected
	}
	messages, err := c.subscribe(routingKeys)
	if err != nil {
		return err
	}
	go c.run(routingKeys, messages, handler)
	return nil
}

func (c *Consumer) run(routingKeys []string, messages <-chan amqp.Delivery, handler Handler) {
	for c.deliver(messages, handler) {
		if messages = c.resubscribe(routingKeys); messages == nil {
			return
		}
	}
}

// deliver drains messages until the channel closes. It reports false once
// the client is closed.
func (c *Consumer) deliver(messages <-chan amqp.Delivery, handler Handler) bool {
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				c.logger.Warn("delivery channel closed", zap.String("queue", c.queueName))
				return true
			}
			c.handleMessage(c.ctx, msg, handler)
		case <-c.done:
			c.logger.Info("consumer stopped", zap.String("queue", c.queueName))
			return false
		}
	}
}

func (c *Consumer) resubscribe(routingKeys []string) <-chan amqp.Delivery {
	delay := c.retryDelay
	if delay <= 0 {
		delay = time.Second
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.logger.Info("consumer stopped", zap.String("queue", c.queueName))
			return nil
		case <-ticker.C:
			if !c.connected() {
				continue
			}
			messages, err := c.subscribe(routingKeys)
			if err != nil {
				c.logger.Warn("resubscribe failed", zap.String("queue", c.queueName), zap.Error(err))
				continue
			}
			c.logger.Info("resubscribed", zap.String("queue", c.queueName))
			return messages
		}
	}
}

func (c *Consumer) declareAndConsume(routingKeys []string) (<-chan amqp.Delivery, error) {
	channel := c.client.Channel()
	if channel == nil {
		return nil, ErrNotConnected
	}

	queue, err := channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("queue declare error: %w", err)
	}

	for _, routingKey := range routingKeys {
		err = channel.QueueBind(
			queue.Name,
			routingKey,
			c.client.Exchange(),
			false,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("queue bind error (%s): %w", routingKey, err)
		}
		c.logger.Info("queue bound", zap.String("queue", queue.Name), zap.String("routing_key", routingKey))
	}

	messages, err := channel.Consume(
		queue.Name,  // queue
		ServiceName, // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume start error: %w", err)
	}

	c.logger.Info("consuming", zap.String("queue", queue.Name))
	return messages, nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery, handler Handler) {
	var n Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		c.logger.Error("message deserialize error", zap.Error(err), zap.String("routing_key", msg.RoutingKey))
		_ = msg.Nack(false, false)
		return
	}

	// Our own notifications share the exchange.
	if n.Service == ServiceName {
		_ = msg.Ack(false)
		return
	}

	log := c.logger.With(zap.String("event_type", string(n.EventType)), zap.String("from", n.Service))
	log.Debug("message received")

	if err := handler(ctx, n); err != nil {
		if domain.IsDomainError(err) {
			log.Warn("message rejected", zap.Error(err))
			_ = msg.Nack(false, false)
			return
		}
		count := retryCount(msg)
		if count >= c.maxRetries {
			log.Error("max retries reached, dead-lettering", zap.Error(err), zap.Int64("retries", count))
			_ = msg.Nack(false, false)
			return
		}
		log.Warn("message process error, retrying", zap.Error(err), zap.Int64("retries", count))
		headers := amqp.Table{}
		for k, v := range msg.Headers {
			headers[k] = v
		}
		headers[retryHeader] = count + 1
		if err := c.republish(msg, headers); err != nil {
			log.Error("retry publish error", zap.Error(err))
			_ = msg.Nack(false, false)
			return
		}
		_ = msg.Ack(false)
		return
	}

	_ = msg.Ack(false)
	log.Info("message processed")
}

func (c *Consumer) publishAgain(msg amqp.Delivery, headers amqp.Table) error {
	if c.retryDelay > 0 {
		time.Sleep(c.retryDelay)
	}
	return c.client.Channel().Publish(
		msg.Exchange,
		msg.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: msg.DeliveryMode,
			MessageId:    msg.MessageId,
			Headers:      headers,
		},
	)
}

// retryCount takes the larger of our own counter and the broker's x-death
// count so dead-letter exchanges and republishes agree.
func retryCount(msg amqp.Delivery) int64 {
	var count int64
	if v, ok := msg.Headers[retryHeader]; ok {
		switch n := v.(type) {
		case int64:
			count = n
		case int32:
			count = int64(n)
		case int:
			count = int64(n)
		}
	}
	if xDeath, ok := msg.Headers["x-death"]; ok {
		if deaths, ok := xDeath.([]interface{}); ok && len(deaths) > 0 {
			if death, ok := deaths[0].(amqp.Table); ok {
				if n, ok := death["count"].(int64); ok && n > count {
					count = n
				}
			}
		}
	}
	return count
}
