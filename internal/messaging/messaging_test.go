package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type ackRecorder struct {
	acked   int
	nacked  int
	requeue bool
}

func (a *ackRecorder) Ack(uint64, bool) error { a.acked++; return nil }
func (a *ackRecorder) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}
func (a *ackRecorder) Reject(_ uint64, requeue bool) error {
	a.nacked++
	a.requeue = requeue
	return nil
}

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { f.closed = true; return nil }

func sampleEvent(t *testing.T) domain.OutboxEvent {
	t.Helper()
	event, err := domain.NewOutboxEvent(domain.EventReservationReleased, "ana@example.com",
		domain.ReservationReleasedPayload{ReservationID: uuid.New(), Quantity: 2, Reason: "customer request"})
	require.NoError(t, err)
	return *event
}

func newTestConsumer(t *testing.T, republish func(amqp.Delivery, amqp.Table) error) *Consumer {
	c := &Consumer{maxRetries: 3, logger: zaptest.NewLogger(t)}
	c.republish = republish
	return c
}

func delivery(t *testing.T, n Notification, ack *ackRecorder, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(n)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: headers, RoutingKey: "orders.order.cancelled"}
}

func inbound() Notification {
	return Notification{ID: uuid.New(), EventType: domain.EventOrderCancelled, Service: "order-service",
		Payload: json.RawMessage(`{"order_id":"` + uuid.NewString() + `"}`)}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "rental-inventory.late_fee.charged", RoutingKey(domain.EventLateFeeCharged))
}

func TestRabbitMQConfigConnectionURL(t *testing.T) {
	cfg := RabbitMQConfig{Host: "mq", Port: 5672, Username: "guest", Password: "guest", VHost: "rentals"}
	assert.Equal(t, "amqp://guest:guest@mq:5672/rentals", cfg.ConnectionURL())

	cfg.VHost = "/"
	assert.Equal(t, "amqp://guest:guest@mq:5672/", cfg.ConnectionURL())
}

func TestRabbitMQNotifierPublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	n := &RabbitMQNotifier{exchange: "rentals", logger: zap.NewNop(),
		channel: func() (amqpPublisher, error) { return ch, nil }}
	event := sampleEvent(t)

	require.NoError(t, n.Notify(context.Background(), event))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "rental-inventory.reservation.released", ch.keys[0])
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, event.ID.String(), msg.MessageId)
	assert.Equal(t, "ana@example.com", msg.Headers["recipient"])

	var decoded Notification
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, ServiceName, decoded.Service)
	assert.JSONEq(t, string(event.Payload), string(decoded.Payload))
}

func TestRabbitMQNotifierErrors(t *testing.T) {
	n := &RabbitMQNotifier{logger: zap.NewNop(),
		channel: func() (amqpPublisher, error) { return nil, ErrNotConnected }}
	assert.ErrorIs(t, n.Notify(context.Background(), sampleEvent(t)), ErrNotConnected)

	boom := errors.New("channel closed")
	n.channel = func() (amqpPublisher, error) { return &fakeChannel{err: boom}, nil }
	assert.ErrorIs(t, n.Notify(context.Background(), sampleEvent(t)), boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Notify(ctx, sampleEvent(t)), context.Canceled)
}

func TestKafkaNotifierKeysByEventID(t *testing.T) {
	w := &fakeWriter{}
	n := &KafkaNotifier{writer: w, logger: zap.NewNop()}
	event := sampleEvent(t)

	require.NoError(t, n.Notify(context.Background(), event))
	require.Len(t, w.messages, 1)
	assert.Equal(t, event.ID.String(), string(w.messages[0].Key))
	assert.Contains(t, w.messages[0].Headers, kafka.Header{Key: "event_type", Value: []byte("reservation.released")})

	w.err = errors.New("leader not available")
	assert.ErrorIs(t, n.Notify(context.Background(), event), w.err)

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestLogNotifierNeverFails(t *testing.T) {
	assert.NoError(t, NewLogNotifier(zaptest.NewLogger(t)).Notify(context.Background(), sampleEvent(t)))
}

func TestConsumerAcksHandledMessage(t *testing.T) {
	c := newTestConsumer(t, nil)
	ack := &ackRecorder{}
	var got Notification

	c.handleMessage(context.Background(), delivery(t, inbound(), ack, nil), func(_ context.Context, n Notification) error {
		got = n
		return nil
	})

	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
	assert.Equal(t, domain.EventOrderCancelled, got.EventType)
}

func TestConsumerSkipsOwnNotifications(t *testing.T) {
	c := newTestConsumer(t, nil)
	ack := &ackRecorder{}
	n := inbound()
	n.Service = ServiceName
	called := false

	c.handleMessage(context.Background(), delivery(t, n, ack, nil), func(context.Context, Notification) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.Equal(t, 1, ack.acked)
}

func TestConsumerNacksMalformedBody(t *testing.T) {
	c := newTestConsumer(t, nil)
	ack := &ackRecorder{}

	c.handleMessage(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")},
		func(context.Context, Notification) error { return nil })

	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestConsumerDeadLettersDomainErrors(t *testing.T) {
	republished := false
	c := newTestConsumer(t, func(amqp.Delivery, amqp.Table) error { republished = true; return nil })
	ack := &ackRecorder{}

	c.handleMessage(context.Background(), delivery(t, inbound(), ack, nil), func(context.Context, Notification) error {
		return &domain.ValidationError{Field: "order_id", Reason: "returned orders cannot be cancelled"}
	})

	assert.False(t, republished)
	assert.Equal(t, 1, ack.nacked)
}

func TestConsumerRepublishesInfraErrors(t *testing.T) {
	var headers amqp.Table
	c := newTestConsumer(t, func(_ amqp.Delivery, h amqp.Table) error { headers = h; return nil })
	ack := &ackRecorder{}

	c.handleMessage(context.Background(), delivery(t, inbound(), ack, amqp.Table{retryHeader: int64(1)}),
		func(context.Context, Notification) error { return errors.New("db unavailable") })

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, int64(2), headers[retryHeader])
}

func TestConsumerStopsAfterMaxRetries(t *testing.T) {
	republished := false
	c := newTestConsumer(t, func(amqp.Delivery, amqp.Table) error { republished = true; return nil })
	ack := &ackRecorder{}
	headers := amqp.Table{"x-death": []interface{}{amqp.Table{"count": int64(3)}}}

	c.handleMessage(context.Background(), delivery(t, inbound(), ack, headers),
		func(context.Context, Notification) error { return errors.New("db unavailable") })

	assert.False(t, republished)
	assert.Equal(t, 1, ack.nacked)
}

func TestConsumerNacksWhenRepublishFails(t *testing.T) {
	c := newTestConsumer(t, func(amqp.Delivery, amqp.Table) error { return ErrNotConnected })
	ack := &ackRecorder{}

	c.handleMessage(context.Background(), delivery(t, inbound(), ack, nil),
		func(context.Context, Notification) error { return errors.New("timeout") })

	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.nacked)
}

func TestNewKafkaNotifierDefaults(t *testing.T) {
	n := NewKafkaNotifier(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "rental-events"}, zap.NewNop())
	w, ok := n.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "rental-events", w.Topic)
	assert.Equal(t, 10*time.Millisecond, w.BatchTimeout)
}

func TestConsumeRequiresConnection(t *testing.T) {
	c := newTestConsumer(t, nil)
	c.connected = func() bool { return false }
	err := c.Consume([]string{"orders.order.cancelled"}, func(context.Context, Notification) error { return nil })
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConsumerResubscribesAfterDeliveryChannelCloses(t *testing.T) {
	first := make(chan amqp.Delivery)
	second := make(chan amqp.Delivery, 1)
	channels := []chan amqp.Delivery{first, second}
	done := make(chan struct{})
	defer close(done)

	var (
		mu            sync.Mutex
		subscriptions int
		ticks         int
	)
	c := newTestConsumer(t, nil)
	c.retryDelay = time.Millisecond
	c.done = done
	c.ctx = context.Background()
	c.connected = func() bool {
		mu.Lock()
		defer mu.Unlock()
		ticks++
		// Broker comes back on the third check.
		return subscriptions == 0 || ticks >= 3
	}
	c.subscribe = func([]string) (<-chan amqp.Delivery, error) {
		mu.Lock()
		defer mu.Unlock()
		ch := channels[subscriptions]
		subscriptions++
		return ch, nil
	}

	handled := make(chan Notification, 1)
	require.NoError(t, c.Consume([]string{"orders.order.cancelled"}, func(_ context.Context, n Notification) error {
		handled <- n
		return nil
	}))

	close(first)
	n := inbound()
	second <- delivery(t, n, &ackRecorder{}, nil)

	select {
	case got := <-handled:
		assert.Equal(t, n.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after resubscribe")
	}
	mu.Lock()
	assert.Equal(t, 2, subscriptions)
	mu.Unlock()
}

func TestConsumerStopsWhenClientCloses(t *testing.T) {
	done := make(chan struct{})
	c := newTestConsumer(t, nil)
	c.done = done
	c.connected = func() bool { return true }
	c.subscribe = func([]string) (<-chan amqp.Delivery, error) { return make(chan amqp.Delivery), nil }

	stopped := make(chan struct{})
	go func() {
		c.run(nil, make(chan amqp.Delivery), func(context.Context, Notification) error { return nil })
		close(stopped)
	}()
	close(done)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept running after close")
	}
}

func TestConnectAttemptsOnceWithoutRetryCount(t *testing.T) {
	client := NewRabbitMQClient(&RabbitMQConfig{
		Host:              "127.0.0.1",
		Port:              1,
		Username:          "guest",
		Password:          "guest",
		VHost:             "/",
		Exchange:          "rental.events",
		RetryCount:        0,
		ConnectionTimeout: 200 * time.Millisecond,
	}, zaptest.NewLogger(t))

	err := client.Connect()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.False(t, client.IsConnected())
}

func TestConnectAfterCloseFails(t *testing.T) {
	client := NewRabbitMQClient(&RabbitMQConfig{RetryCount: 3}, zaptest.NewLogger(t))
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Connect(), ErrClosed)
}
