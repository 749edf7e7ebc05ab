package repository

import (
	"context"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/google/uuid"
)

// Reader is the read side shared by advisory snapshots and serializable
// transactions. Lookups of missing rows return *domain.NotFoundError.
type Reader interface {
	GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error)
	SumOverlappingReservations(ctx context.Context, itemID uuid.UUID, window domain.Window) (int, error)
	ListMovements(ctx context.Context, itemID uuid.UUID) ([]domain.StockMovement, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

// Tx is one unit of work. Every write of a logical operation goes through
// the same Tx and commits or rolls back together.
type Tx interface {
	Reader

	InsertItem(ctx context.Context, item *domain.Item) error
	UpdateItemBalances(ctx context.Context, item *domain.Item) error
	InsertMovement(ctx context.Context, movement *domain.StockMovement) error

	InsertReservation(ctx context.Context, reservation *domain.Reservation) error
	UpdateReservation(ctx context.Context, reservation *domain.Reservation) error
	ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.Reservation, error)

	InsertQuotation(ctx context.Context, quotation *domain.Quotation) error
	GetQuotation(ctx context.Context, id uuid.UUID) (*domain.Quotation, error)
	UpdateQuotationStatus(ctx context.Context, id uuid.UUID, status domain.QuotationStatus) error

	InsertOrder(ctx context.Context, order *domain.Order) error
	UpdateOrder(ctx context.Context, order *domain.Order) error
	GetOrderLine(ctx context.Context, id uuid.UUID) (*domain.OrderLine, error)
	UpdateOrderLine(ctx context.Context, line *domain.OrderLine) error

	InsertInvoice(ctx context.Context, invoice *domain.Invoice) error
	InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

// Store is the injected persistence dependency of every engine component.
type Store interface {
	// WithinTx runs fn in a SERIALIZABLE transaction. Serialization failures
	// and deadlocks surface as *domain.TransientTransactionError.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Snapshot runs fn on a read-only, read-committed view. Results are
	// advisory and must not drive writes.
	Snapshot(ctx context.Context, fn func(r Reader) error) error

	ListOverdueLines(ctx context.Context, asOf time.Time) ([]domain.OverdueLine, error)

	ListPendingOutbox(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error
}
