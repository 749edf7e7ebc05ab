package repository_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openIntegrationStore(t *testing.T) *repository.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := repository.OpenPostgres(context.Background(), repository.PostgresConfig{DSN: dsn, MaxOpenConns: 10, MaxIdleConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.Migrate(db.DB))
	return repository.NewPostgresStore(db)
}

func insertQuotation(t *testing.T, store repository.Store, customer uuid.UUID, itemID uuid.UUID, qty int, start, end time.Time) *domain.Quotation {
	t.Helper()
	rate := decimal.RequireFromString("12.50")
	days := int64(end.Sub(start).Hours() / 24)
	quotation := &domain.Quotation{
		ID:            uuid.New(),
		CustomerID:    customer,
		CustomerEmail: "integration@example.com",
		Status:        domain.QuotationDraft,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	quotation.Lines = []domain.QuotationLine{{
		ID:             uuid.New(),
		QuotationID:    quotation.ID,
		Position:       1,
		ItemID:         itemID,
		Quantity:       qty,
		UnitRentalRate: rate,
		ItemSalePrice:  decimal.RequireFromString("400.00"),
		LineTotal:      rate.Mul(decimal.NewFromInt(days * int64(qty))),
		RentalStart:    start,
		RentalEnd:      end,
	}}
	require.NoError(t, store.WithinTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertQuotation(context.Background(), quotation)
	}))
	return quotation
}

func TestPostgresStoreIntegration(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	policy := service.DefaultRetryPolicy()
	ledger := service.NewStockLedger(store, policy, logger)
	reservations := service.NewReservationManager(store, ledger, policy, logger)
	checkout := service.NewCheckoutService(store, reservations, policy, logger)
	availability := service.NewAvailabilityCalculator(store, nil, logger)

	item, err := ledger.CreateItem(ctx, "IT-"+uuid.NewString()[:8], "Projector", 2, "integration")
	require.NoError(t, err)

	start := time.Date(2030, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(72 * time.Hour)
	customer := uuid.New()
	quotation := insertQuotation(t, store, customer, item.ID, 2, start, end)

	order, err := checkout.Checkout(ctx, customer, quotation.ID)
	require.NoError(t, err)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("75.00")))

	window, err := domain.NewWindow(start.Add(24*time.Hour), end.Add(24*time.Hour))
	require.NoError(t, err)
	qty, err := availability.AdvisoryQuantity(ctx, item.ID, &window)
	require.NoError(t, err)
	assert.Equal(t, 0, qty)

	touching, err := domain.NewWindow(end, end.Add(24*time.Hour))
	require.NoError(t, err)
	qty, err = availability.AdvisoryQuantity(ctx, item.ID, &touching)
	require.NoError(t, err)
	assert.Equal(t, 2, qty)

	history, err := ledger.History(ctx, item.ID)
	require.NoError(t, err)
	balances, err := service.Replay(history)
	require.NoError(t, err)
	assert.Equal(t, service.Balances{OnHand: 2, Hold: -2}, balances)
}

func TestPostgresConcurrentCheckoutForLastUnit(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	policy := service.RetryPolicy{MaxAttempts: 10, InitialInterval: 5 * time.Millisecond, MaxInterval: 100 * time.Millisecond}
	ledger := service.NewStockLedger(store, policy, logger)
	reservations := service.NewReservationManager(store, ledger, policy, logger)
	checkout := service.NewCheckoutService(store, reservations, policy, logger)
	availability := service.NewAvailabilityCalculator(store, nil, logger)

	item, err := ledger.CreateItem(ctx, "RACE-"+uuid.NewString()[:8], "Drone", 1, "integration")
	require.NoError(t, err)

	start := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	const racers = 8
	type attempt struct {
		customer  uuid.UUID
		quotation uuid.UUID
	}
	attempts := make([]attempt, racers)
	for i := range attempts {
		customer := uuid.New()
		q := insertQuotation(t, store, customer, item.ID, 1, start, end)
		attempts[i] = attempt{customer: customer, quotation: q.ID}
	}

	var (
		wg      sync.WaitGroup
		release = make(chan struct{})
		errs    = make([]error, racers)
	)
	for i, a := range attempts {
		wg.Add(1)
		go func(i int, a attempt) {
			defer wg.Done()
			<-release
			_, errs[i] = checkout.Checkout(ctx, a.customer, a.quotation)
		}(i, a)
	}
	close(release)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var short *domain.InsufficientInventoryError
		assert.True(t, errors.As(err, &short) || domain.IsTransient(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	window, err := domain.NewWindow(start, end)
	require.NoError(t, err)
	qty, err := availability.AdvisoryQuantity(ctx, item.ID, &window)
	require.NoError(t, err)
	assert.Equal(t, 0, qty)

	history, err := ledger.History(ctx, item.ID)
	require.NoError(t, err)
	balances, err := service.Replay(history)
	require.NoError(t, err)
	assert.Equal(t, service.Balances{OnHand: 1, Hold: -1}, balances)
}

func TestPostgresReturnAfterCancelledPickup(t *testing.T) {
	store := openIntegrationStore(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	policy := service.DefaultRetryPolicy()
	ledger := service.NewStockLedger(store, policy, logger)
	reservations := service.NewReservationManager(store, ledger, policy, logger)
	checkout := service.NewCheckoutService(store, reservations, policy, logger)
	availability := service.NewAvailabilityCalculator(store, nil, logger)

	item, err := ledger.CreateItem(ctx, "RET-"+uuid.NewString()[:8], "Tent", 1, "integration")
	require.NoError(t, err)

	start := time.Date(2030, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	customer := uuid.New()
	quotation := insertQuotation(t, store, customer, item.ID, 1, start, end)
	order, err := checkout.Checkout(ctx, customer, quotation.ID)
	require.NoError(t, err)
	require.Len(t, order.Lines, 1)
	require.True(t, order.Lines[0].ReservationID.Valid)
	reservationID := order.Lines[0].ReservationID.UUID

	_, err = reservations.MarkPickedUp(ctx, reservationID, "counter")
	require.NoError(t, err)
	_, err = reservations.ReleaseReservation(ctx, reservationID, "counter", "cancelled after pickup")
	require.NoError(t, err)

	window, err := domain.NewWindow(start, end)
	require.NoError(t, err)
	qty, err := availability.AdvisoryQuantity(ctx, item.ID, &window)
	require.NoError(t, err)
	assert.Equal(t, 0, qty)

	returned, err := reservations.MarkReturned(ctx, reservationID, "counter", start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, returned.Status)

	qty, err = availability.AdvisoryQuantity(ctx, item.ID, &window)
	require.NoError(t, err)
	assert.Equal(t, 1, qty)

	history, err := ledger.History(ctx, item.ID)
	require.NoError(t, err)
	balances, err := service.Replay(history)
	require.NoError(t, err)
	assert.Equal(t, service.Balances{OnHand: 1}, balances)
}
