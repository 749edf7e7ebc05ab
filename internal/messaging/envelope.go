package messaging

import (
	"encoding/json"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/google/uuid"
)

const ServiceName = "rental-inventory"

// Notification is the wire form of an outbox event on every transport.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	EventType domain.EventType `json:"event_type"`
	Service   string           `json:"service"`
	Recipient string           `json:"recipient"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

func NewNotification(event domain.OutboxEvent) Notification {
	return Notification{
		ID:        event.ID,
		EventType: event.EventType,
		Service:   ServiceName,
		Recipient: event.Recipient,
		Payload:   event.Payload,
		Timestamp: event.CreatedAt,
	}
}

// RoutingKey follows the "<service>.<event type>" topic convention.
func RoutingKey(eventType domain.EventType) string {
	return ServiceName + "." + string(eventType)
}
