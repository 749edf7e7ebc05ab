package domain

import (
	"time"

	"github.com/google/uuid"
)

// Item is a rentable product or variant. Balances are cached projections of
// the stock movement log and are only written by the ledger.
type Item struct {
	ID             uuid.UUID `json:"id" db:"id"`
	SKU            string    `json:"sku" db:"sku"`
	Name           string    `json:"name" db:"name"`
	OnHandQuantity int       `json:"on_hand_quantity" db:"on_hand_quantity"`
	HoldBalance    int       `json:"hold_balance" db:"hold_balance"`
	CustodyBalance int       `json:"custody_balance" db:"custody_balance"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

func NewItem(sku, name string) *Item {
	now := time.Now().UTC()
	return &Item{
		ID:        uuid.New(),
		SKU:       sku,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (i *Item) Balance(account Account) int {
	switch account {
	case AccountOnHand:
		return i.OnHandQuantity
	case AccountHold:
		return i.HoldBalance
	case AccountCustody:
		return i.CustodyBalance
	default:
		return 0
	}
}

func (i *Item) SetBalance(account Account, qty int) {
	switch account {
	case AccountOnHand:
		i.OnHandQuantity = qty
	case AccountHold:
		i.HoldBalance = qty
	case AccountCustody:
		i.CustodyBalance = qty
	}
	i.UpdatedAt = time.Now().UTC()
}

// HeldQuantity is the total quantity held by open reservations in any window.
func (i *Item) HeldQuantity() int {
	return -i.HoldBalance
}

// OutWithCustomers is the quantity currently picked up and not yet returned.
func (i *Item) OutWithCustomers() int {
	return -i.CustodyBalance
}
