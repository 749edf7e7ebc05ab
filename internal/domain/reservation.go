package domain

import (
	"time"

	"github.com/google/uuid"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// OpenReservationStatuses are the statuses that count against availability.
var OpenReservationStatuses = []ReservationStatus{ReservationPending, ReservationActive}

func (s ReservationStatus) IsTerminal() bool {
	switch s {
	case ReservationCompleted, ReservationCancelled:
		return true
	case ReservationPending, ReservationActive:
		return false
	default:
		return false
	}
}

func (s ReservationStatus) CanTransitionTo(next ReservationStatus) bool {
	switch s {
	case ReservationPending:
		return next == ReservationActive || next == ReservationCancelled
	case ReservationActive:
		return next == ReservationCompleted || next == ReservationCancelled
	case ReservationCompleted, ReservationCancelled:
		return false
	default:
		return false
	}
}

// Window is a half-open rental interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: start.UTC(), End: end.UTC()}
	if !w.Start.Before(w.End) {
		return Window{}, &ValidationError{Field: "window", Reason: "start must be before end"}
	}
	return w, nil
}

// Overlaps uses half-open semantics: windows that only touch do not overlap.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && w.End.After(other.Start)
}

type Reservation struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	ItemID        uuid.UUID         `json:"item_id" db:"item_id"`
	OrderID       uuid.UUID         `json:"order_id" db:"order_id"`
	OrderLineID   uuid.NullUUID     `json:"order_line_id" db:"order_line_id"`
	Quantity      int               `json:"quantity" db:"quantity"`
	WindowStart   time.Time         `json:"window_start" db:"window_start"`
	WindowEnd     time.Time         `json:"window_end" db:"window_end"`
	Status        ReservationStatus `json:"status" db:"status"`
	CreatedBy     string            `json:"created_by" db:"created_by"`
	ReleaseReason string            `json:"release_reason,omitempty" db:"release_reason"`

	// CustodyQuantity is the quantity picked up and not yet returned. It can
	// outlive the hold when an ACTIVE reservation is cancelled.
	CustodyQuantity int       `json:"custody_quantity" db:"custody_quantity"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

func NewReservation(orderID, itemID uuid.UUID, orderLineID uuid.NullUUID, quantity int, window Window, actorID string) *Reservation {
	now := time.Now().UTC()
	return &Reservation{
		ID:          uuid.New(),
		ItemID:      itemID,
		OrderID:     orderID,
		OrderLineID: orderLineID,
		Quantity:    quantity,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		Status:      ReservationPending,
		CreatedBy:   actorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r *Reservation) Window() Window {
	return Window{Start: r.WindowStart, End: r.WindowEnd}
}

func (r *Reservation) IsOpen() bool {
	return r.Status == ReservationPending || r.Status == ReservationActive
}

// Occupies reports whether the reservation takes units out of its window,
// either through an open hold or through units still with the customer.
func (r *Reservation) Occupies() bool {
	return r.IsOpen() || r.CustodyQuantity > 0
}

func (r *Reservation) TransitionTo(next ReservationStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{ReservationID: r.ID, From: r.Status, To: next}
	}
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Reservation) PickUp() error {
	if err := r.TransitionTo(ReservationActive); err != nil {
		return err
	}
	r.CustodyQuantity = r.Quantity
	return nil
}

// Return settles custody. An ACTIVE reservation completes. A reservation
// cancelled after pickup keeps its CANCELLED status and only clears custody.
func (r *Reservation) Return() error {
	if r.Status == ReservationCancelled && r.CustodyQuantity > 0 {
		r.CustodyQuantity = 0
		r.UpdatedAt = time.Now().UTC()
		return nil
	}
	if err := r.TransitionTo(ReservationCompleted); err != nil {
		return err
	}
	r.CustodyQuantity = 0
	return nil
}

func (r *Reservation) Release(reason string) error {
	if r.Status.IsTerminal() {
		return &AlreadyReleasedError{ReservationID: r.ID, Status: r.Status}
	}
	if err := r.TransitionTo(ReservationCancelled); err != nil {
		return err
	}
	r.ReleaseReason = reason
	return nil
}
