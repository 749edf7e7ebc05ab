package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type CheckoutTestSuite struct {
	suite.Suite
	env      *testEnv
	customer uuid.UUID
	camera   *domain.Item
	tripod   *domain.Item
	lens     *domain.Item
}

func (s *CheckoutTestSuite) SetupTest() {
	s.env = newTestEnv(s.T())
	s.customer = uuid.New()
	s.camera = s.env.seedItem(s.T(), 3)
	s.tripod = s.env.seedItem(s.T(), 1)
	s.lens = s.env.seedItem(s.T(), 2)
}

func (s *CheckoutTestSuite) quotation(lines ...quoteLine) *domain.Quotation {
	return s.env.seedQuotation(s.T(), s.customer, lines...)
}

func (s *CheckoutTestSuite) quotationStatus(id uuid.UUID) domain.QuotationStatus {
	var status domain.QuotationStatus
	err := s.env.store.WithinTx(context.Background(), func(tx repository.Tx) error {
		q, err := tx.GetQuotation(context.Background(), id)
		if err != nil {
			return err
		}
		status = q.Status
		return nil
	})
	s.Require().NoError(err)
	return status
}

func (s *CheckoutTestSuite) requireNothingWritten() {
	orders, reservations := s.env.store.Counts()
	s.Zero(orders)
	s.Zero(reservations)
	s.Empty(s.env.store.OutboxEvents())
	for _, item := range []*domain.Item{s.camera, s.tripod, s.lens} {
		s.Zero(s.env.item(s.T(), item.ID).HeldQuantity())
	}
}

func (s *CheckoutTestSuite) TestSuccessfulCheckout() {
	q := s.quotation(
		quoteLine{item: s.camera, qty: 2, rate: "25.00", sale: "900.00", start: jan(1), end: jan(4)},
		quoteLine{item: s.tripod, qty: 1, rate: "5.50", sale: "80.00", start: jan(1), end: jan(4)},
	)

	order, err := s.env.checkout.Checkout(context.Background(), s.customer, q.ID)
	s.Require().NoError(err)

	s.Equal(domain.OrderConfirmed, order.Status)
	s.True(order.TotalAmount.Equal(decimal.RequireFromString("166.50")), "total %s", order.TotalAmount)
	s.True(order.BalanceAmount.Equal(order.TotalAmount))
	s.Require().Len(order.Lines, 2)

	stored := s.env.order(s.T(), order.ID)
	for _, line := range stored.Lines {
		s.Require().True(line.ReservationID.Valid, "line %d has no reservation", line.Position)
		r := s.env.reservation(s.T(), line.ReservationID.UUID)
		s.Equal(line.ID, r.OrderLineID.UUID)
		s.Equal(line.Quantity, r.Quantity)
		s.Equal(domain.ReservationPending, r.Status)
	}

	s.Equal(domain.QuotationConfirmed, s.quotationStatus(q.ID))
	s.Equal(1, s.env.available(s.T(), s.camera.ID, jan(2), jan(3)))
	s.Equal(0, s.env.available(s.T(), s.tripod.ID, jan(2), jan(3)))

	events := s.env.store.OutboxEvents()
	s.Require().Len(events, 1)
	s.Equal(domain.EventCheckoutConfirmed, events[0].EventType)
	var payload domain.CheckoutConfirmedPayload
	s.Require().NoError(json.Unmarshal(events[0].Payload, &payload))
	s.Equal(order.ID, payload.OrderID)
	s.Len(payload.ReservationIDs, 2)
}

func (s *CheckoutTestSuite) TestMiddleLineShortWritesNothing() {
	q := s.quotation(
		quoteLine{item: s.camera, qty: 1, rate: "25.00", sale: "900.00", start: jan(1), end: jan(4)},
		quoteLine{item: s.tripod, qty: 2, rate: "5.50", sale: "80.00", start: jan(1), end: jan(4)},
		quoteLine{item: s.lens, qty: 1, rate: "10.00", sale: "300.00", start: jan(1), end: jan(4)},
	)

	_, err := s.env.checkout.Checkout(context.Background(), s.customer, q.ID)

	var short *domain.InsufficientInventoryError
	s.Require().ErrorAs(err, &short)
	s.Equal(2, short.Line)
	s.Equal(s.tripod.ID, short.ItemID)
	s.Equal(1, short.Available)
	s.Equal(2, short.Requested)
	s.Len(short.Shortages, 1)

	s.requireNothingWritten()
	s.Equal(domain.QuotationSent, s.quotationStatus(q.ID))
}

func (s *CheckoutTestSuite) TestEveryShortLineIsReported() {
	q := s.quotation(
		quoteLine{item: s.camera, qty: 4, rate: "25.00", sale: "900.00", start: jan(1), end: jan(4)},
		quoteLine{item: s.tripod, qty: 1, rate: "5.50", sale: "80.00", start: jan(1), end: jan(4)},
		quoteLine{item: s.lens, qty: 3, rate: "10.00", sale: "300.00", start: jan(1), end: jan(4)},
	)

	_, err := s.env.checkout.Checkout(context.Background(), s.customer, q.ID)

	var short *domain.InsufficientInventoryError
	s.Require().ErrorAs(err, &short)
	s.Equal(1, short.Line)
	s.Require().Len(short.Shortages, 2)
	s.Equal(1, short.Shortages[0].Line)
	s.Equal(3, short.Shortages[1].Line)
	s.requireNothingWritten()
}

func (s *CheckoutTestSuite) TestLinesCompetingForSameItem() {
	q := s.quotation(
		quoteLine{item: s.camera, qty: 2, rate: "25.00", sale: "900.00", start: jan(1), end: jan(4)},
		quoteLine{item: s.camera, qty: 2, rate: "25.00", sale: "900.00", start: jan(2), end: jan(6)},
	)

	_, err := s.env.checkout.Checkout(context.Background(), s.customer, q.ID)

	var short *domain.InsufficientInventoryError
	s.Require().ErrorAs(err, &short)
	s.Equal(2, short.Line)
	s.Equal(1, short.Available)
	s.requireNothingWritten()
}

func (s *CheckoutTestSuite) TestQuotationChecks() {
	other := uuid.New()
	q := s.quotation(quoteLine{item: s.lens, qty: 1, rate: "10.00", sale: "300.00", start: jan(1), end: jan(2)})

	var invalid *domain.InvalidQuotationError
	_, err := s.env.checkout.Checkout(context.Background(), other, q.ID)
	s.ErrorAs(err, &invalid)

	var nf *domain.NotFoundError
	_, err = s.env.checkout.Checkout(context.Background(), s.customer, uuid.New())
	s.ErrorAs(err, &nf)

	empty := s.quotation()
	_, err = s.env.checkout.Checkout(context.Background(), s.customer, empty.ID)
	s.ErrorAs(err, &invalid)

	_, err = s.env.checkout.Checkout(context.Background(), s.customer, q.ID)
	s.Require().NoError(err)

	// a confirmed quotation cannot be checked out twice
	_, err = s.env.checkout.Checkout(context.Background(), s.customer, q.ID)
	s.ErrorAs(err, &invalid)

	orders, _ := s.env.store.Counts()
	s.Equal(1, orders)
}

func (s *CheckoutTestSuite) TestConcurrentCheckoutsForLastUnit() {
	quiet := newQuietEnv()
	tripod := quiet.seedItem(s.T(), 1)

	const buyers = 8
	quotes := make([]*domain.Quotation, buyers)
	customers := make([]uuid.UUID, buyers)
	for i := range quotes {
		customers[i] = uuid.New()
		quotes[i] = quiet.seedQuotation(s.T(), customers[i],
			quoteLine{item: tripod, qty: 1, rate: "5.50", sale: "80.00", start: jan(10), end: jan(12)})
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		shortages int
	)
	start := make(chan struct{})
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := quiet.checkout.Checkout(context.Background(), customers[i], quotes[i].ID)
			mu.Lock()
			defer mu.Unlock()
			var short *domain.InsufficientInventoryError
			if err == nil {
				successes++
			} else if errors.As(err, &short) {
				shortages++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	s.Equal(1, successes)
	s.Equal(buyers-1, shortages)
	orders, reservations := quiet.store.Counts()
	s.Equal(1, orders)
	s.Equal(1, reservations)
}

func (s *CheckoutTestSuite) TestTransientAbortsAreRetried() {
	q := s.quotation(quoteLine{item: s.lens, qty: 1, rate: "10.00", sale: "300.00", start: jan(1), end: jan(2)})

	s.env.store.InjectTransientFailures(2)
	order, err := s.env.checkout.Checkout(context.Background(), s.customer, q.ID)
	s.Require().NoError(err)

	orders, reservations := s.env.store.Counts()
	s.Equal(1, orders)
	s.Equal(1, reservations)
	s.Len(s.env.store.OutboxEvents(), 1)
	s.Equal(1, s.env.item(s.T(), s.lens.ID).HeldQuantity())
	s.Equal(order.ID, s.env.order(s.T(), order.ID).ID)
}

func (s *CheckoutTestSuite) TestExhaustedRetriesSurfaceTransientError() {
	q := s.quotation(quoteLine{item: s.lens, qty: 1, rate: "10.00", sale: "300.00", start: jan(1), end: jan(2)})

	s.env.store.InjectTransientFailures(3)
	_, err := s.env.checkout.Checkout(context.Background(), s.customer, q.ID)

	var transient *domain.TransientTransactionError
	s.Require().ErrorAs(err, &transient)
	s.requireNothingWritten()
	s.Equal(domain.QuotationSent, s.quotationStatus(q.ID))
}

func TestCheckoutTestSuite(t *testing.T) {
	suite.Run(t, new(CheckoutTestSuite))
}
