package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type QuotationStatus string

const (
	QuotationDraft     QuotationStatus = "DRAFT"
	QuotationSent      QuotationStatus = "SENT"
	QuotationConfirmed QuotationStatus = "CONFIRMED"
	QuotationCancelled QuotationStatus = "CANCELLED"
	QuotationExpired   QuotationStatus = "EXPIRED"
)

// CanCheckout reports whether the quotation has not been consumed yet.
func (s QuotationStatus) CanCheckout() bool {
	switch s {
	case QuotationDraft, QuotationSent:
		return true
	case QuotationConfirmed, QuotationCancelled, QuotationExpired:
		return false
	default:
		return false
	}
}

type Quotation struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	CustomerID    uuid.UUID       `json:"customer_id" db:"customer_id"`
	CustomerEmail string          `json:"customer_email" db:"customer_email"`
	Status        QuotationStatus `json:"status" db:"status"`
	Lines         []QuotationLine `json:"lines" db:"-"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// QuotationLine is already priced; pricing happens outside this service.
type QuotationLine struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	QuotationID    uuid.UUID       `json:"quotation_id" db:"quotation_id"`
	Position       int             `json:"position" db:"position"`
	ItemID         uuid.UUID       `json:"item_id" db:"item_id"`
	Quantity       int             `json:"quantity" db:"quantity"`
	UnitRentalRate decimal.Decimal `json:"unit_rental_rate" db:"unit_rental_rate"`
	ItemSalePrice  decimal.Decimal `json:"item_sale_price" db:"item_sale_price"`
	LineTotal      decimal.Decimal `json:"line_total" db:"line_total"`
	RentalStart    time.Time       `json:"rental_start" db:"rental_start"`
	RentalEnd      time.Time       `json:"rental_end" db:"rental_end"`
}

func (l QuotationLine) Window() Window {
	return Window{Start: l.RentalStart.UTC(), End: l.RentalEnd.UTC()}
}

type OrderStatus string

const (
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderPickedUp  OrderStatus = "PICKED_UP"
	OrderActive    OrderStatus = "ACTIVE"
	OrderReturned  OrderStatus = "RETURNED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// AccruesLateFees lists the order statuses the overdue sweep looks at.
var AccruesLateFees = []OrderStatus{OrderActive, OrderPickedUp, OrderConfirmed}

type Order struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	QuotationID   uuid.UUID       `json:"quotation_id" db:"quotation_id"`
	CustomerID    uuid.UUID       `json:"customer_id" db:"customer_id"`
	CustomerEmail string          `json:"customer_email" db:"customer_email"`
	Status        OrderStatus     `json:"status" db:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount" db:"total_amount"`
	BalanceAmount decimal.Decimal `json:"balance_amount" db:"balance_amount"`
	LateReturnFee decimal.Decimal `json:"late_return_fee" db:"late_return_fee"`
	Lines         []OrderLine     `json:"lines" db:"-"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

type OrderLine struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	OrderID          uuid.UUID       `json:"order_id" db:"order_id"`
	Position         int             `json:"position" db:"position"`
	ItemID           uuid.UUID       `json:"item_id" db:"item_id"`
	Quantity         int             `json:"quantity" db:"quantity"`
	UnitRentalRate   decimal.Decimal `json:"unit_rental_rate" db:"unit_rental_rate"`
	ItemSalePrice    decimal.Decimal `json:"item_sale_price" db:"item_sale_price"`
	LineTotal        decimal.Decimal `json:"line_total" db:"line_total"`
	RentalStart      time.Time       `json:"rental_start" db:"rental_start"`
	RentalEnd        time.Time       `json:"rental_end" db:"rental_end"`
	ActualReturnDate *time.Time      `json:"actual_return_date,omitempty" db:"actual_return_date"`
	LateReturnDays   int             `json:"late_return_days" db:"late_return_days"`
	LateReturnFee    decimal.Decimal `json:"late_return_fee" db:"late_return_fee"`
	ReservationID    uuid.NullUUID   `json:"reservation_id" db:"reservation_id"`
}

// NewOrderFromQuotation builds a confirmed order whose lines mirror the
// quotation lines one to one.
func NewOrderFromQuotation(q *Quotation) *Order {
	now := time.Now().UTC()
	order := &Order{
		ID:            uuid.New(),
		QuotationID:   q.ID,
		CustomerID:    q.CustomerID,
		CustomerEmail: q.CustomerEmail,
		Status:        OrderConfirmed,
		TotalAmount:   decimal.Zero,
		LateReturnFee: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for i, ql := range q.Lines {
		order.Lines = append(order.Lines, OrderLine{
			ID:             uuid.New(),
			OrderID:        order.ID,
			Position:       i + 1,
			ItemID:         ql.ItemID,
			Quantity:       ql.Quantity,
			UnitRentalRate: ql.UnitRentalRate,
			ItemSalePrice:  ql.ItemSalePrice,
			LineTotal:      ql.LineTotal,
			RentalStart:    ql.RentalStart.UTC(),
			RentalEnd:      ql.RentalEnd.UTC(),
			LateReturnFee:  decimal.Zero,
		})
		order.TotalAmount = order.TotalAmount.Add(ql.LineTotal)
	}
	order.BalanceAmount = order.TotalAmount

	return order
}

func (o *Order) UpdateStatus(status OrderStatus) {
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
}

// ApplyLateFee adds an accrued fee to the order's running totals.
func (o *Order) ApplyLateFee(fee decimal.Decimal) {
	o.LateReturnFee = o.LateReturnFee.Add(fee)
	o.TotalAmount = o.TotalAmount.Add(fee)
	o.BalanceAmount = o.BalanceAmount.Add(fee)
	o.UpdatedAt = time.Now().UTC()
}

type InvoiceKind string

const InvoiceLateFee InvoiceKind = "LATE_FEE"

type Invoice struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	OrderID     uuid.UUID       `json:"order_id" db:"order_id"`
	OrderLineID uuid.UUID       `json:"order_line_id" db:"order_line_id"`
	Kind        InvoiceKind     `json:"kind" db:"kind"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	DaysCharged int             `json:"days_charged" db:"days_charged"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// OverdueLine is a sweep candidate: an unreturned line past its end date.
type OverdueLine struct {
	OrderLine
	OrderStatus   OrderStatus `db:"order_status"`
	CustomerEmail string      `db:"customer_email"`
}
