package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("there is no connection to RabbitMQ")
	ErrClosed       = errors.New("rabbitmq client is closed")
)

type RabbitMQClient struct {
	config     *RabbitMQConfig
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	isClosing  bool
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewRabbitMQClient(config *RabbitMQConfig, logger *zap.Logger) *RabbitMQClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RabbitMQClient{
		config: config,
		logger: logger.Named("rabbitmq"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the broker, making at least one attempt even when RetryCount
// is not positive.
func (r *RabbitMQClient) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosing {
		return ErrClosed
	}

	attempts := max(1, r.config.RetryCount)
	var err error
	for i := 0; i < attempts; i++ {
		r.connection, err = amqp.DialConfig(r.config.ConnectionURL(), amqp.Config{
			Dial: amqp.DefaultDial(r.config.ConnectionTimeout),
		})
		if err != nil {
			r.logger.Warn("connection error",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
			if i < attempts-1 {
				time.Sleep(r.config.RetryDelay)
				continue
			}
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}

		r.channel, err = r.connection.Channel()
		if err != nil {
			r.connection.Close()
			return fmt.Errorf("channel open error: %w", err)
		}

		err = r.channel.ExchangeDeclare(
			r.config.Exchange, // name
			"topic",           // type
			true,              // durable
			false,             // auto-deleted
			false,             // internal
			false,             // no-wait
			nil,               // arguments
		)
		if err != nil {
			r.channel.Close()
			r.connection.Close()
			return fmt.Errorf("failed to create exchange: %w", err)
		}

		r.logger.Info("connected", zap.String("host", r.config.Host), zap.String("exchange", r.config.Exchange))

		go r.handleReconnection(r.connection)

		return nil
	}

	return err
}

// handleReconnection keeps dialing after the connection drops until it
// succeeds or the client is closed. Consumers resubscribe on their own once
// IsConnected reports true again.
func (r *RabbitMQClient) handleReconnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notifyClose:
		// A graceful close delivers no error.
		if err == nil {
			return
		}
		r.logger.Warn("connection lost, reconnecting", zap.Error(err))
	case <-r.ctx.Done():
		return
	}

	for {
		select {
		case <-time.After(r.config.RetryDelay):
		case <-r.ctx.Done():
			return
		}
		err := r.Connect()
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		r.logger.Error("reconnect failed", zap.Error(err))
	}
}

func (r *RabbitMQClient) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQClient) Exchange() string {
	return r.config.Exchange
}

// Done is closed once Close has been called.
func (r *RabbitMQClient) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosing {
		return nil
	}

	r.isClosing = true
	r.cancel()

	var closeErr error
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			closeErr = fmt.Errorf("channel close error: %w", err)
		}
	}
	if r.connection != nil {
		if err := r.connection.Close(); err != nil {
			closeErr = multierr.Append(closeErr, fmt.Errorf("connection close error: %w", err))
		}
	}

	if closeErr != nil {
		r.logger.Error("close failed", zap.Error(closeErr))
	} else {
		r.logger.Info("connection closed")
	}
	return closeErr
}

func (r *RabbitMQClient) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.connection != nil && !r.connection.IsClosed()
}
