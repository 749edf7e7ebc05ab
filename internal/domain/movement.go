package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type MovementType string

const (
	MovementInitialStock       MovementType = "INITIAL_STOCK"
	MovementStockIn            MovementType = "STOCK_IN"
	MovementStockOut           MovementType = "STOCK_OUT"
	MovementReserved           MovementType = "RESERVED"
	MovementReservationRelease MovementType = "RESERVATION_RELEASE"
	MovementWithCustomer       MovementType = "WITH_CUSTOMER"
	MovementReturned           MovementType = "RETURNED"
	MovementAdjustment         MovementType = "ADJUSTMENT"
)

// Account names the item balance a movement posts to. Every movement type
// posts to exactly one account.
type Account string

const (
	// AccountOnHand is physical stock owned, independent of reservations.
	AccountOnHand Account = "ON_HAND"
	// AccountHold is minus the quantity held by open reservations.
	AccountHold Account = "HOLD"
	// AccountCustody is minus the quantity out with customers.
	AccountCustody Account = "CUSTODY"
)

func ParseMovementType(s string) (MovementType, error) {
	t := MovementType(s)
	if _, err := t.Account(); err != nil {
		return "", err
	}
	return t, nil
}

func (t MovementType) Account() (Account, error) {
	switch t {
	case MovementInitialStock, MovementStockIn, MovementStockOut, MovementAdjustment:
		return AccountOnHand, nil
	case MovementReserved, MovementReservationRelease:
		return AccountHold, nil
	case MovementWithCustomer, MovementReturned:
		return AccountCustody, nil
	default:
		return "", &ValidationError{Field: "movement_type", Reason: fmt.Sprintf("unknown movement type %q", string(t))}
	}
}

// MayGoNegative reports whether the on-hand rule is waived for the type.
func (t MovementType) MayGoNegative() bool {
	switch t {
	case MovementAdjustment, MovementStockOut:
		return true
	default:
		return false
	}
}

// IsStockMovement reports whether the type may be recorded directly by an
// operator rather than as a side effect of a reservation transition.
func (t MovementType) IsStockMovement() bool {
	a, err := t.Account()
	return err == nil && a == AccountOnHand
}

type StockMovement struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	ItemID        uuid.UUID     `json:"item_id" db:"item_id"`
	Account       Account       `json:"account" db:"account"`
	MovementType  MovementType  `json:"movement_type" db:"movement_type"`
	QuantityDelta int           `json:"quantity_delta" db:"quantity_delta"`
	PreviousQty   int           `json:"previous_qty" db:"previous_qty"`
	NewQty        int           `json:"new_qty" db:"new_qty"`
	ReferenceID   uuid.NullUUID `json:"reference_id" db:"reference_id"`
	ActorID       string        `json:"actor_id" db:"actor_id"`
	Note          string        `json:"note" db:"note"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// MovementRequest is what callers hand to the ledger; snapshots are filled in
// by the ledger from the item's cached balance.
type MovementRequest struct {
	ItemID        uuid.UUID
	MovementType  MovementType
	QuantityDelta int
	ReferenceID   uuid.NullUUID
	ActorID       string
	Note          string
}

func Reference(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
