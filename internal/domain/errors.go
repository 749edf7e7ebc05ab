package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// LineShortage describes one checkout line that could not be covered.
type LineShortage struct {
	Line      int       `json:"line"`
	ItemID    uuid.UUID `json:"item_id"`
	Available int       `json:"available"`
	Requested int       `json:"requested"`
}

// InsufficientInventoryError is returned when a window cannot cover the
// requested quantity. Line is 1-based and zero outside checkout.
type InsufficientInventoryError struct {
	ItemID    uuid.UUID
	Line      int
	Available int
	Requested int
	Shortages []LineShortage
}

func (e *InsufficientInventoryError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("insufficient inventory on line %d (item %s): available=%d, requested=%d",
			e.Line, e.ItemID, e.Available, e.Requested)
	}
	return fmt.Sprintf("insufficient inventory for item %s: available=%d, requested=%d",
		e.ItemID, e.Available, e.Requested)
}

type InvalidQuotationError struct {
	QuotationID uuid.UUID
	Reason      string
}

func (e *InvalidQuotationError) Error() string {
	return fmt.Sprintf("invalid quotation %s: %s", e.QuotationID, e.Reason)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func NewNotFound(entity string, id uuid.UUID) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id.String()}
}

type AlreadyReleasedError struct {
	ReservationID uuid.UUID
	Status        ReservationStatus
}

func (e *AlreadyReleasedError) Error() string {
	return fmt.Sprintf("reservation %s already %s", e.ReservationID, e.Status)
}

// TransientTransactionError wraps serialization failures and deadlocks. Only
// these are retried.
type TransientTransactionError struct {
	Err error
}

func (e *TransientTransactionError) Error() string {
	return fmt.Sprintf("transient transaction failure: %v", e.Err)
}

func (e *TransientTransactionError) Unwrap() error {
	return e.Err
}

type InsufficientStockError struct {
	ItemID       uuid.UUID
	MovementType MovementType
	Current      int
	Delta        int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: %s of %d would leave %d",
		e.ItemID, e.MovementType, e.Delta, e.Current+e.Delta)
}

// LedgerImbalanceError is returned when a contra account would cross zero,
// e.g. releasing more than is held.
type LedgerImbalanceError struct {
	ItemID       uuid.UUID
	Account      Account
	MovementType MovementType
	Current      int
	Delta        int
}

func (e *LedgerImbalanceError) Error() string {
	return fmt.Sprintf("ledger imbalance on %s account of item %s: %s of %d from %d",
		e.Account, e.ItemID, e.MovementType, e.Delta, e.Current)
}

type InvalidTransitionError struct {
	ReservationID uuid.UUID
	From          ReservationStatus
	To            ReservationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("reservation %s cannot move from %s to %s", e.ReservationID, e.From, e.To)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsTransient(err error) bool {
	var t *TransientTransactionError
	return errors.As(err, &t)
}

// IsDomainError reports errors that describe a business outcome rather than
// an infrastructure fault.
func IsDomainError(err error) bool {
	var (
		inv   *InsufficientInventoryError
		quote *InvalidQuotationError
		nf    *NotFoundError
		rel   *AlreadyReleasedError
		stock *InsufficientStockError
		imb   *LedgerImbalanceError
		tr    *InvalidTransitionError
		val   *ValidationError
	)
	return errors.As(err, &inv) || errors.As(err, &quote) || errors.As(err, &nf) ||
		errors.As(err, &rel) || errors.As(err, &stock) || errors.As(err, &imb) ||
		errors.As(err, &tr) || errors.As(err, &val)
}
