package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	store        *repository.MemoryStore
	ledger       *StockLedger
	availability *AvailabilityCalculator
	reservations *ReservationManager
	checkout     *CheckoutService
	overdue      *OverdueService
	cancellation *CancellationService
	now          time.Time
}

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithLogger(zaptest.NewLogger(t))
}

// newQuietEnv is used by tests that spawn many goroutines.
func newQuietEnv() *testEnv {
	return newTestEnvWithLogger(zap.NewNop())
}

func newTestEnvWithLogger(logger *zap.Logger) *testEnv {
	env := &testEnv{
		store: repository.NewMemoryStore(),
		now:   jan(1),
	}
	policy := testPolicy()
	env.ledger = NewStockLedger(env.store, policy, logger)
	env.availability = NewAvailabilityCalculator(env.store, nil, logger)
	env.reservations = NewReservationManager(env.store, env.ledger, policy, logger)
	env.checkout = NewCheckoutService(env.store, env.reservations, policy, logger)
	env.overdue = NewOverdueService(env.store, policy, func() time.Time { return env.now }, logger)
	env.cancellation = NewCancellationService(env.store, env.reservations, policy, logger)
	return env
}

func jan(d int) time.Time {
	return time.Date(2026, time.January, d, 0, 0, 0, 0, time.UTC)
}

func (e *testEnv) seedItem(t *testing.T, qty int) *domain.Item {
	t.Helper()
	item, err := e.ledger.CreateItem(context.Background(), "SKU-"+uuid.NewString()[:8], "Camera", qty, "seed")
	require.NoError(t, err)
	return item
}

// seedOrder stores a bare confirmed order for reservations created outside
// checkout.
func (e *testEnv) seedOrder(t *testing.T) *domain.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &domain.Order{
		ID:            uuid.New(),
		QuotationID:   uuid.New(),
		CustomerID:    uuid.New(),
		CustomerEmail: "renter@example.com",
		Status:        domain.OrderConfirmed,
		TotalAmount:   decimal.Zero,
		BalanceAmount: decimal.Zero,
		LateReturnFee: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := e.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertOrder(context.Background(), order)
	})
	require.NoError(t, err)
	return order
}

type quoteLine struct {
	item  *domain.Item
	qty   int
	rate  string
	sale  string
	start time.Time
	end   time.Time
}

func (e *testEnv) seedQuotation(t *testing.T, customerID uuid.UUID, lines ...quoteLine) *domain.Quotation {
	t.Helper()
	now := time.Now().UTC()
	q := &domain.Quotation{
		ID:            uuid.New(),
		CustomerID:    customerID,
		CustomerEmail: fmt.Sprintf("%s@example.com", customerID.String()[:8]),
		Status:        domain.QuotationSent,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, l := range lines {
		rate := decimal.RequireFromString(l.rate)
		days := decimal.NewFromInt(int64(l.end.Sub(l.start) / day))
		q.Lines = append(q.Lines, domain.QuotationLine{
			ID:             uuid.New(),
			QuotationID:    q.ID,
			Position:       i + 1,
			ItemID:         l.item.ID,
			Quantity:       l.qty,
			UnitRentalRate: rate,
			ItemSalePrice:  decimal.RequireFromString(l.sale),
			LineTotal:      rate.Mul(days).Mul(decimal.NewFromInt(int64(l.qty))),
			RentalStart:    l.start,
			RentalEnd:      l.end,
		})
	}
	err := e.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertQuotation(context.Background(), q)
	})
	require.NoError(t, err)
	return q
}

func (e *testEnv) item(t *testing.T, id uuid.UUID) *domain.Item {
	t.Helper()
	var item *domain.Item
	err := e.store.Snapshot(context.Background(), func(r repository.Reader) error {
		var err error
		item, err = r.GetItem(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return item
}

func (e *testEnv) order(t *testing.T, id uuid.UUID) *domain.Order {
	t.Helper()
	var order *domain.Order
	err := e.store.Snapshot(context.Background(), func(r repository.Reader) error {
		var err error
		order, err = r.GetOrder(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return order
}

func (e *testEnv) reservation(t *testing.T, id uuid.UUID) *domain.Reservation {
	t.Helper()
	var r *domain.Reservation
	err := e.store.Snapshot(context.Background(), func(rd repository.Reader) error {
		var err error
		r, err = rd.GetReservation(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return r
}

func (e *testEnv) available(t *testing.T, itemID uuid.UUID, start, end time.Time) int {
	t.Helper()
	w, err := domain.NewWindow(start, end)
	require.NoError(t, err)
	qty, err := e.availability.AdvisoryQuantity(context.Background(), itemID, &w)
	require.NoError(t, err)
	return qty
}

func (e *testEnv) reserve(t *testing.T, order *domain.Order, item *domain.Item, qty int, start, end time.Time) *domain.Reservation {
	t.Helper()
	r, err := e.reservations.CreateReservation(context.Background(), CreateReservationRequest{
		OrderID:     order.ID,
		ItemID:      item.ID,
		Quantity:    qty,
		WindowStart: start,
		WindowEnd:   end,
		ActorID:     "staff-1",
	})
	require.NoError(t, err)
	return r
}

// requireLedgerConsistent checks that the cached balances equal the replay
// of the item's movement history.
func (e *testEnv) requireLedgerConsistent(t *testing.T, itemID uuid.UUID) {
	t.Helper()
	history, err := e.ledger.History(context.Background(), itemID)
	require.NoError(t, err)
	balances, err := Replay(history)
	require.NoError(t, err)

	item := e.item(t, itemID)
	require.Equal(t, item.OnHandQuantity, balances.OnHand, "on-hand balance")
	require.Equal(t, item.HoldBalance, balances.Hold, "hold balance")
	require.Equal(t, item.CustodyBalance, balances.Custody, "custody balance")
}
