package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	itemColumns = `id, sku, name, on_hand_quantity, hold_balance, custody_balance, created_at, updated_at`

	movementColumns = `id, item_id, account, movement_type, quantity_delta, previous_qty, new_qty,
		reference_id, actor_id, note, created_at`

	reservationColumns = `id, item_id, order_id, order_line_id, quantity, window_start, window_end,
		status, created_by, release_reason, custody_quantity, created_at, updated_at`

	orderColumns = `id, quotation_id, customer_id, customer_email, status, total_amount,
		balance_amount, late_return_fee, created_at, updated_at`

	orderLineColumns = `id, order_id, position, item_id, quantity, unit_rental_rate, item_sale_price,
		line_total, rental_start, rental_end, actual_return_date, late_return_days, late_return_fee,
		reservation_id`

	orderLineColumnsQualified = `l.id, l.order_id, l.position, l.item_id, l.quantity, l.unit_rental_rate,
		l.item_sale_price, l.line_total, l.rental_start, l.rental_end, l.actual_return_date,
		l.late_return_days, l.late_return_fee, l.reservation_id`

	quotationLineColumns = `id, quotation_id, position, item_id, quantity, unit_rental_rate,
		item_sale_price, line_total, rental_start, rental_end`
)

type postgresTx struct {
	tx *sqlx.Tx
}

var _ Tx = (*postgresTx)(nil)

func (t *postgresTx) get(ctx context.Context, dest interface{}, entity string, id uuid.UUID, query string, args ...interface{}) error {
	if err := t.tx.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewNotFound(entity, id)
		}
		return fmt.Errorf("%s receive error: %w", entity, err)
	}
	return nil
}

func (t *postgresTx) GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	item := &domain.Item{}
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`
	if err := t.get(ctx, item, "item", id, query, id); err != nil {
		return nil, err
	}
	return item, nil
}

func (t *postgresTx) InsertItem(ctx context.Context, item *domain.Item) error {
	query := `
		INSERT INTO items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.tx.ExecContext(ctx, query,
		item.ID,
		item.SKU,
		item.Name,
		item.OnHandQuantity,
		item.HoldBalance,
		item.CustodyBalance,
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("item creation error: %w", err)
	}
	return nil
}

func (t *postgresTx) UpdateItemBalances(ctx context.Context, item *domain.Item) error {
	query := `
		UPDATE items
		SET on_hand_quantity = $2, hold_balance = $3, custody_balance = $4, updated_at = $5
		WHERE id = $1
	`
	return execOne(ctx, t.tx, "item", item.ID, query,
		item.ID, item.OnHandQuantity, item.HoldBalance, item.CustodyBalance, item.UpdatedAt)
}

func (t *postgresTx) InsertMovement(ctx context.Context, m *domain.StockMovement) error {
	query := `
		INSERT INTO stock_movements (` + movementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := t.tx.ExecContext(ctx, query,
		m.ID,
		m.ItemID,
		m.Account,
		m.MovementType,
		m.QuantityDelta,
		m.PreviousQty,
		m.NewQty,
		m.ReferenceID,
		m.ActorID,
		m.Note,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("stock movement insert error: %w", err)
	}
	return nil
}

func (t *postgresTx) ListMovements(ctx context.Context, itemID uuid.UUID) ([]domain.StockMovement, error) {
	query := `
		SELECT ` + movementColumns + `
		FROM stock_movements
		WHERE item_id = $1
		ORDER BY seq
	`
	var movements []domain.StockMovement
	if err := t.tx.SelectContext(ctx, &movements, query, itemID); err != nil {
		return nil, fmt.Errorf("stock movements receive error: %w", err)
	}
	return movements, nil
}

func (t *postgresTx) SumOverlappingReservations(ctx context.Context, itemID uuid.UUID, window domain.Window) (int, error) {
	// Half-open overlap: touching windows do not count. A cancelled
	// reservation still occupies its window while units are out.
	query := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM reservations
		WHERE item_id = $1
		  AND (status = ANY($2) OR custody_quantity > 0)
		  AND window_start < $4
		  AND window_end > $3
	`
	statuses := make([]string, 0, len(domain.OpenReservationStatuses))
	for _, st := range domain.OpenReservationStatuses {
		statuses = append(statuses, string(st))
	}

	var reserved int
	if err := t.tx.GetContext(ctx, &reserved, query, itemID, pq.Array(statuses), window.Start, window.End); err != nil {
		return 0, fmt.Errorf("overlapping reservations query error: %w", err)
	}
	return reserved, nil
}

func (t *postgresTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	query := `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := t.tx.ExecContext(ctx, query,
		r.ID,
		r.ItemID,
		r.OrderID,
		r.OrderLineID,
		r.Quantity,
		r.WindowStart,
		r.WindowEnd,
		r.Status,
		r.CreatedBy,
		r.ReleaseReason,
		r.CustodyQuantity,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("reservation creation error: %w", err)
	}
	return nil
}

func (t *postgresTx) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	r := &domain.Reservation{}
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	if err := t.get(ctx, r, "reservation", id, query, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *postgresTx) UpdateReservation(ctx context.Context, r *domain.Reservation) error {
	query := `
		UPDATE reservations
		SET status = $2, release_reason = $3, custody_quantity = $4, updated_at = $5
		WHERE id = $1
	`
	return execOne(ctx, t.tx, "reservation", r.ID, query, r.ID, r.Status, r.ReleaseReason, r.CustodyQuantity, r.UpdatedAt)
}

func (t *postgresTx) ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE order_id = $1
		ORDER BY created_at, id
	`
	var reservations []*domain.Reservation
	if err := t.tx.SelectContext(ctx, &reservations, query, orderID); err != nil {
		return nil, fmt.Errorf("reservations receive error: %w", err)
	}
	return reservations, nil
}

func (t *postgresTx) InsertQuotation(ctx context.Context, q *domain.Quotation) error {
	query := `
		INSERT INTO quotations (id, customer_id, customer_email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := t.tx.ExecContext(ctx, query,
		q.ID, q.CustomerID, q.CustomerEmail, q.Status, q.CreatedAt, q.UpdatedAt); err != nil {
		return fmt.Errorf("quotation creation error: %w", err)
	}

	lineQuery := `
		INSERT INTO quotation_lines (` + quotationLineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, l := range q.Lines {
		if _, err := t.tx.ExecContext(ctx, lineQuery,
			l.ID, q.ID, l.Position, l.ItemID, l.Quantity, l.UnitRentalRate,
			l.ItemSalePrice, l.LineTotal, l.RentalStart, l.RentalEnd); err != nil {
			return fmt.Errorf("quotation line creation error: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) GetQuotation(ctx context.Context, id uuid.UUID) (*domain.Quotation, error) {
	q := &domain.Quotation{}
	query := `
		SELECT id, customer_id, customer_email, status, created_at, updated_at
		FROM quotations
		WHERE id = $1
	`
	if err := t.get(ctx, q, "quotation", id, query, id); err != nil {
		return nil, err
	}

	lineQuery := `
		SELECT ` + quotationLineColumns + `
		FROM quotation_lines
		WHERE quotation_id = $1
		ORDER BY position
	`
	if err := t.tx.SelectContext(ctx, &q.Lines, lineQuery, id); err != nil {
		return nil, fmt.Errorf("quotation lines receive error: %w", err)
	}
	return q, nil
}

func (t *postgresTx) UpdateQuotationStatus(ctx context.Context, id uuid.UUID, status domain.QuotationStatus) error {
	query := `
		UPDATE quotations
		SET status = $2, updated_at = now()
		WHERE id = $1
	`
	return execOne(ctx, t.tx, "quotation", id, query, id, status)
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := t.tx.ExecContext(ctx, query,
		o.ID,
		o.QuotationID,
		o.CustomerID,
		o.CustomerEmail,
		o.Status,
		o.TotalAmount,
		o.BalanceAmount,
		o.LateReturnFee,
		o.CreatedAt,
		o.UpdatedAt,
	); err != nil {
		return fmt.Errorf("order creation error: %w", err)
	}

	lineQuery := `
		INSERT INTO order_lines (` + orderLineColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	for _, l := range o.Lines {
		if _, err := t.tx.ExecContext(ctx, lineQuery,
			l.ID, o.ID, l.Position, l.ItemID, l.Quantity, l.UnitRentalRate, l.ItemSalePrice,
			l.LineTotal, l.RentalStart, l.RentalEnd, l.ActualReturnDate, l.LateReturnDays,
			l.LateReturnFee, l.ReservationID); err != nil {
			return fmt.Errorf("order line creation error: %w", err)
		}
	}
	return nil
}

func (t *postgresTx) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o := &domain.Order{}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if err := t.get(ctx, o, "order", id, query, id); err != nil {
		return nil, err
	}

	lineQuery := `
		SELECT ` + orderLineColumns + `
		FROM order_lines
		WHERE order_id = $1
		ORDER BY position
	`
	if err := t.tx.SelectContext(ctx, &o.Lines, lineQuery, id); err != nil {
		return nil, fmt.Errorf("order lines receive error: %w", err)
	}
	return o, nil
}

func (t *postgresTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	query := `
		UPDATE orders
		SET status = $2, total_amount = $3, balance_amount = $4, late_return_fee = $5, updated_at = $6
		WHERE id = $1
	`
	return execOne(ctx, t.tx, "order", o.ID, query,
		o.ID, o.Status, o.TotalAmount, o.BalanceAmount, o.LateReturnFee, o.UpdatedAt)
}

func (t *postgresTx) GetOrderLine(ctx context.Context, id uuid.UUID) (*domain.OrderLine, error) {
	l := &domain.OrderLine{}
	query := `SELECT ` + orderLineColumns + ` FROM order_lines WHERE id = $1`
	if err := t.get(ctx, l, "order line", id, query, id); err != nil {
		return nil, err
	}
	return l, nil
}

func (t *postgresTx) UpdateOrderLine(ctx context.Context, l *domain.OrderLine) error {
	query := `
		UPDATE order_lines
		SET actual_return_date = $2, late_return_days = $3, late_return_fee = $4, reservation_id = $5
		WHERE id = $1
	`
	return execOne(ctx, t.tx, "order line", l.ID, query,
		l.ID, l.ActualReturnDate, l.LateReturnDays, l.LateReturnFee, l.ReservationID)
}

func (t *postgresTx) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	query := `
		INSERT INTO invoices (id, order_id, order_line_id, kind, amount, days_charged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := t.tx.ExecContext(ctx, query,
		inv.ID, inv.OrderID, inv.OrderLineID, inv.Kind, inv.Amount, inv.DaysCharged, inv.CreatedAt); err != nil {
		return fmt.Errorf("invoice creation error: %w", err)
	}
	return nil
}

func (t *postgresTx) InsertOutboxEvent(ctx context.Context, e *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, event_type, recipient, payload, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := t.tx.ExecContext(ctx, query,
		e.ID, e.EventType, e.Recipient, []byte(e.Payload), e.Attempts, e.LastError, e.CreatedAt); err != nil {
		return fmt.Errorf("outbox event insert error: %w", err)
	}
	return nil
}
