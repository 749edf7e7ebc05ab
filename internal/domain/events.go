package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventCheckoutConfirmed   EventType = "checkout.confirmed"
	EventReservationReleased EventType = "reservation.released"
	EventLateFeeCharged      EventType = "late_fee.charged"
	EventOrderCancelled      EventType = "order.cancelled"
)

// OutboxEvent is written in the same transaction as the change it announces
// and delivered after commit.
type OutboxEvent struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	EventType    EventType       `json:"event_type" db:"event_type"`
	Recipient    string          `json:"recipient" db:"recipient"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Attempts     int             `json:"attempts" db:"attempts"`
	LastError    string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty" db:"dispatched_at"`
}

func NewOutboxEvent(eventType EventType, recipient string, payload interface{}) (*OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event payload serialization error: %w", err)
	}
	return &OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Recipient: recipient,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type CheckoutConfirmedPayload struct {
	OrderID        uuid.UUID       `json:"order_id"`
	QuotationID    uuid.UUID       `json:"quotation_id"`
	CustomerID     uuid.UUID       `json:"customer_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	ReservationIDs []uuid.UUID     `json:"reservation_ids"`
}

type ReservationReleasedPayload struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	OrderID       uuid.UUID `json:"order_id"`
	ItemID        uuid.UUID `json:"item_id"`
	Quantity      int       `json:"quantity"`
	Reason        string    `json:"reason"`
}

type LateFeeChargedPayload struct {
	OrderID     uuid.UUID       `json:"order_id"`
	OrderLineID uuid.UUID       `json:"order_line_id"`
	InvoiceID   uuid.UUID       `json:"invoice_id"`
	DaysOverdue int             `json:"days_overdue"`
	DaysCharged int             `json:"days_charged"`
	Amount      decimal.Decimal `json:"amount"`
}

type OrderCancelledPayload struct {
	OrderID        uuid.UUID   `json:"order_id"`
	Reason         string      `json:"reason"`
	ReleasedIDs    []uuid.UUID `json:"released_ids"`
	FailedReleases int         `json:"failed_releases"`
}
