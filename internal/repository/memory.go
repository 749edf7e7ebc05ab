package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/google/uuid"
)

// errInjectedAbort stands in for a serialization failure in tests.
var errInjectedAbort = errors.New("injected serialization failure")

type memoryState struct {
	items        map[uuid.UUID]domain.Item
	movements    []domain.StockMovement
	reservations map[uuid.UUID]domain.Reservation
	quotations   map[uuid.UUID]domain.Quotation
	orders       map[uuid.UUID]domain.Order
	orderLines   map[uuid.UUID]domain.OrderLine
	invoices     []domain.Invoice
	outbox       map[uuid.UUID]domain.OutboxEvent
}

func newMemoryState() *memoryState {
	return &memoryState{
		items:        make(map[uuid.UUID]domain.Item),
		reservations: make(map[uuid.UUID]domain.Reservation),
		quotations:   make(map[uuid.UUID]domain.Quotation),
		orders:       make(map[uuid.UUID]domain.Order),
		orderLines:   make(map[uuid.UUID]domain.OrderLine),
		outbox:       make(map[uuid.UUID]domain.OutboxEvent),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		items:        make(map[uuid.UUID]domain.Item, len(s.items)),
		movements:    s.movements[:len(s.movements):len(s.movements)],
		reservations: make(map[uuid.UUID]domain.Reservation, len(s.reservations)),
		quotations:   make(map[uuid.UUID]domain.Quotation, len(s.quotations)),
		orders:       make(map[uuid.UUID]domain.Order, len(s.orders)),
		orderLines:   make(map[uuid.UUID]domain.OrderLine, len(s.orderLines)),
		invoices:     s.invoices[:len(s.invoices):len(s.invoices)],
		outbox:       make(map[uuid.UUID]domain.OutboxEvent, len(s.outbox)),
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.quotations {
		c.quotations[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderLines {
		c.orderLines[k] = v
	}
	for k, v := range s.outbox {
		c.outbox[k] = v
	}
	return c
}

// MemoryStore is an in-process Store. Transactions are serialised by a
// single mutex and work on a copy of the state that replaces the committed
// state only when fn succeeds, so a failed unit of work leaves no trace.
type MemoryStore struct {
	mu             sync.RWMutex
	state          *memoryState
	failNextCommit int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// InjectTransientFailures makes the next n commits fail with a
// *domain.TransientTransactionError after fn has run.
func (s *MemoryStore) InjectTransientFailures(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextCommit = n
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memoryTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failNextCommit > 0 {
		s.failNextCommit--
		return &domain.TransientTransactionError{Err: errInjectedAbort}
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memoryTx{state: s.state, readOnly: true})
}

func (s *MemoryStore) ListOverdueLines(ctx context.Context, asOf time.Time) ([]domain.OverdueLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.OverdueLine
	for _, l := range s.state.orderLines {
		if !l.RentalEnd.Before(asOf) || l.ActualReturnDate != nil {
			continue
		}
		o, ok := s.state.orders[l.OrderID]
		if !ok || !accruesLateFees(o.Status) {
			continue
		}
		result = append(result, domain.OverdueLine{
			OrderLine:     l,
			OrderStatus:   o.Status,
			CustomerEmail: o.CustomerEmail,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RentalEnd.Equal(result[j].RentalEnd) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].RentalEnd.Before(result[j].RentalEnd)
	})
	return result, nil
}

func (s *MemoryStore) ListPendingOutbox(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.OutboxEvent
	for _, e := range s.state.outbox {
		if e.DispatchedAt == nil && e.Attempts < maxAttempts {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) MarkOutboxDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.outbox[id]
	if !ok {
		return domain.NewNotFound("outbox event", id)
	}
	e.Attempts++
	e.DispatchedAt = &at
	s.state.outbox[id] = e
	return nil
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.state.outbox[id]
	if !ok {
		return domain.NewNotFound("outbox event", id)
	}
	e.Attempts++
	e.LastError = reason
	s.state.outbox[id] = e
	return nil
}

// Invoices returns every invoice written so far.
func (s *MemoryStore) Invoices() []domain.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Invoice(nil), s.state.invoices...)
}

// OutboxEvents returns every outbox event, dispatched or not.
func (s *MemoryStore) OutboxEvents() []domain.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.OutboxEvent, 0, len(s.state.outbox))
	for _, e := range s.state.outbox {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Counts reports the number of orders and reservations stored.
func (s *MemoryStore) Counts() (orders, reservations int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.orders), len(s.state.reservations)
}

func accruesLateFees(status domain.OrderStatus) bool {
	for _, st := range domain.AccruesLateFees {
		if st == status {
			return true
		}
	}
	return false
}

type memoryTx struct {
	state    *memoryState
	readOnly bool
}

var _ Tx = (*memoryTx)(nil)

var errReadOnly = errors.New("write attempted on read-only snapshot")

func (t *memoryTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memoryTx) GetItem(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	item, ok := t.state.items[id]
	if !ok {
		return nil, domain.NewNotFound("item", id)
	}
	return &item, nil
}

func (t *memoryTx) InsertItem(ctx context.Context, item *domain.Item) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, existing := range t.state.items {
		if existing.SKU == item.SKU {
			return &domain.ValidationError{Field: "sku", Reason: "already exists"}
		}
	}
	t.state.items[item.ID] = *item
	return nil
}

func (t *memoryTx) UpdateItemBalances(ctx context.Context, item *domain.Item) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.state.items[item.ID]
	if !ok {
		return domain.NewNotFound("item", item.ID)
	}
	existing.OnHandQuantity = item.OnHandQuantity
	existing.HoldBalance = item.HoldBalance
	existing.CustodyBalance = item.CustodyBalance
	existing.UpdatedAt = item.UpdatedAt
	t.state.items[item.ID] = existing
	return nil
}

func (t *memoryTx) InsertMovement(ctx context.Context, m *domain.StockMovement) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.items[m.ItemID]; !ok {
		return domain.NewNotFound("item", m.ItemID)
	}
	t.state.movements = append(t.state.movements, *m)
	return nil
}

func (t *memoryTx) ListMovements(ctx context.Context, itemID uuid.UUID) ([]domain.StockMovement, error) {
	var result []domain.StockMovement
	for _, m := range t.state.movements {
		if m.ItemID == itemID {
			result = append(result, m)
		}
	}
	return result, nil
}

func (t *memoryTx) SumOverlappingReservations(ctx context.Context, itemID uuid.UUID, window domain.Window) (int, error) {
	total := 0
	for _, r := range t.state.reservations {
		if r.ItemID != itemID || !r.Occupies() {
			continue
		}
		if r.Window().Overlaps(window) {
			total += r.Quantity
		}
	}
	return total, nil
}

func (t *memoryTx) InsertReservation(ctx context.Context, r *domain.Reservation) error {
	if err := t.writable(); err != nil {
		return err
	}
	if r.OrderLineID.Valid {
		for _, existing := range t.state.reservations {
			if existing.OrderLineID.Valid && existing.OrderLineID.UUID == r.OrderLineID.UUID {
				return &domain.ValidationError{Field: "order_line_id", Reason: "line already has a reservation"}
			}
		}
	}
	t.state.reservations[r.ID] = *r
	return nil
}

func (t *memoryTx) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	r, ok := t.state.reservations[id]
	if !ok {
		return nil, domain.NewNotFound("reservation", id)
	}
	return &r, nil
}

func (t *memoryTx) UpdateReservation(ctx context.Context, r *domain.Reservation) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.reservations[r.ID]; !ok {
		return domain.NewNotFound("reservation", r.ID)
	}
	t.state.reservations[r.ID] = *r
	return nil
}

func (t *memoryTx) ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.Reservation, error) {
	var result []*domain.Reservation
	for _, r := range t.state.reservations {
		if r.OrderID == orderID {
			r := r
			result = append(result, &r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (t *memoryTx) InsertQuotation(ctx context.Context, q *domain.Quotation) error {
	if err := t.writable(); err != nil {
		return err
	}
	stored := *q
	stored.Lines = append([]domain.QuotationLine(nil), q.Lines...)
	t.state.quotations[q.ID] = stored
	return nil
}

func (t *memoryTx) GetQuotation(ctx context.Context, id uuid.UUID) (*domain.Quotation, error) {
	q, ok := t.state.quotations[id]
	if !ok {
		return nil, domain.NewNotFound("quotation", id)
	}
	q.Lines = append([]domain.QuotationLine(nil), q.Lines...)
	return &q, nil
}

func (t *memoryTx) UpdateQuotationStatus(ctx context.Context, id uuid.UUID, status domain.QuotationStatus) error {
	if err := t.writable(); err != nil {
		return err
	}
	q, ok := t.state.quotations[id]
	if !ok {
		return domain.NewNotFound("quotation", id)
	}
	q.Status = status
	q.UpdatedAt = time.Now().UTC()
	t.state.quotations[id] = q
	return nil
}

func (t *memoryTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, existing := range t.state.orders {
		if existing.QuotationID == o.QuotationID {
			return &domain.ValidationError{Field: "quotation_id", Reason: "quotation already has an order"}
		}
	}
	stored := *o
	stored.Lines = nil
	t.state.orders[o.ID] = stored
	for _, l := range o.Lines {
		t.state.orderLines[l.ID] = l
	}
	return nil
}

func (t *memoryTx) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, ok := t.state.orders[id]
	if !ok {
		return nil, domain.NewNotFound("order", id)
	}
	o.Lines = nil
	for _, l := range t.state.orderLines {
		if l.OrderID == id {
			o.Lines = append(o.Lines, l)
		}
	}
	sort.Slice(o.Lines, func(i, j int) bool { return o.Lines[i].Position < o.Lines[j].Position })
	return &o, nil
}

func (t *memoryTx) UpdateOrder(ctx context.Context, o *domain.Order) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.state.orders[o.ID]
	if !ok {
		return domain.NewNotFound("order", o.ID)
	}
	existing.Status = o.Status
	existing.TotalAmount = o.TotalAmount
	existing.BalanceAmount = o.BalanceAmount
	existing.LateReturnFee = o.LateReturnFee
	existing.UpdatedAt = o.UpdatedAt
	t.state.orders[o.ID] = existing
	return nil
}

func (t *memoryTx) GetOrderLine(ctx context.Context, id uuid.UUID) (*domain.OrderLine, error) {
	l, ok := t.state.orderLines[id]
	if !ok {
		return nil, domain.NewNotFound("order line", id)
	}
	return &l, nil
}

func (t *memoryTx) UpdateOrderLine(ctx context.Context, l *domain.OrderLine) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.state.orderLines[l.ID]
	if !ok {
		return domain.NewNotFound("order line", l.ID)
	}
	existing.ActualReturnDate = l.ActualReturnDate
	existing.LateReturnDays = l.LateReturnDays
	existing.LateReturnFee = l.LateReturnFee
	existing.ReservationID = l.ReservationID
	t.state.orderLines[l.ID] = existing
	return nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.invoices = append(t.state.invoices, *inv)
	return nil
}

func (t *memoryTx) InsertOutboxEvent(ctx context.Context, e *domain.OutboxEvent) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.outbox[e.ID] = *e
	return nil
}
