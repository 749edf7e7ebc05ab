package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/metrics"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckoutService turns a priced quotation into a confirmed order with one
// reservation per line, all or nothing.
type CheckoutService struct {
	store        repository.Store
	reservations *ReservationManager
	policy       RetryPolicy
	logger       *zap.Logger
}

func NewCheckoutService(store repository.Store, reservations *ReservationManager, policy RetryPolicy, logger *zap.Logger) *CheckoutService {
	return &CheckoutService{
		store:        store,
		reservations: reservations,
		policy:       policy,
		logger:       logger.Named("checkout"),
	}
}

func (s *CheckoutService) Checkout(ctx context.Context, customerID, quotationID uuid.UUID) (*domain.Order, error) {
	s.logger.Info("checkout started",
		zap.String("customer_id", customerID.String()),
		zap.String("quotation_id", quotationID.String()))

	var order *domain.Order
	err := runInTx(ctx, s.store, s.policy, s.logger, "checkout", func(tx repository.Tx) error {
		o, err := s.checkoutInTx(ctx, tx, customerID, quotationID)
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		metrics.RecordCheckout(checkoutResult(err))
		s.logger.Warn("checkout failed",
			zap.String("quotation_id", quotationID.String()),
			zap.Error(err))
		return nil, err
	}

	metrics.RecordCheckout("confirmed")
	s.logger.Info("checkout confirmed",
		zap.String("order_id", order.ID.String()),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(order.Lines)))
	return order, nil
}

func (s *CheckoutService) checkoutInTx(ctx context.Context, tx repository.Tx, customerID, quotationID uuid.UUID) (*domain.Order, error) {
	quotation, err := tx.GetQuotation(ctx, quotationID)
	if err != nil {
		return nil, err
	}
	if quotation.CustomerID != customerID {
		return nil, &domain.InvalidQuotationError{QuotationID: quotationID, Reason: "quotation belongs to another customer"}
	}
	if !quotation.Status.CanCheckout() {
		return nil, &domain.InvalidQuotationError{
			QuotationID: quotationID,
			Reason:      fmt.Sprintf("quotation is %s", quotation.Status),
		}
	}
	if len(quotation.Lines) == 0 {
		return nil, &domain.InvalidQuotationError{QuotationID: quotationID, Reason: "quotation has no lines"}
	}

	if err := s.checkLines(ctx, tx, quotation); err != nil {
		return nil, err
	}

	order := domain.NewOrderFromQuotation(quotation)
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	reservationIDs := make([]uuid.UUID, 0, len(order.Lines))
	for i := range order.Lines {
		line := &order.Lines[i]
		r, err := s.reservations.CreateInTx(ctx, tx, CreateReservationRequest{
			OrderID:     order.ID,
			OrderLineID: domain.Reference(line.ID),
			ItemID:      line.ItemID,
			Quantity:    line.Quantity,
			WindowStart: line.RentalStart,
			WindowEnd:   line.RentalEnd,
			ActorID:     customerID.String(),
		})
		if err != nil {
			var short *domain.InsufficientInventoryError
			if errors.As(err, &short) {
				short.Line = line.Position
				short.Shortages = []domain.LineShortage{{
					Line:      line.Position,
					ItemID:    line.ItemID,
					Available: short.Available,
					Requested: short.Requested,
				}}
			}
			return nil, err
		}

		line.ReservationID = domain.Reference(r.ID)
		if err := tx.UpdateOrderLine(ctx, line); err != nil {
			return nil, err
		}
		reservationIDs = append(reservationIDs, r.ID)
	}

	if err := tx.UpdateQuotationStatus(ctx, quotation.ID, domain.QuotationConfirmed); err != nil {
		return nil, err
	}

	event, err := domain.NewOutboxEvent(domain.EventCheckoutConfirmed, order.CustomerEmail, domain.CheckoutConfirmedPayload{
		OrderID:        order.ID,
		QuotationID:    quotation.ID,
		CustomerID:     order.CustomerID,
		TotalAmount:    order.TotalAmount,
		ReservationIDs: reservationIDs,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.InsertOutboxEvent(ctx, event); err != nil {
		return nil, err
	}

	return order, nil
}

// checkLines checks every line against current availability before anything
// is written and reports all short lines at once.
func (s *CheckoutService) checkLines(ctx context.Context, tx repository.Tx, q *domain.Quotation) error {
	var shortages []domain.LineShortage
	for i, line := range q.Lines {
		position := i + 1
		if line.Quantity <= 0 {
			return &domain.InvalidQuotationError{
				QuotationID: q.ID,
				Reason:      fmt.Sprintf("line %d has non-positive quantity %d", position, line.Quantity),
			}
		}
		window, err := domain.NewWindow(line.RentalStart, line.RentalEnd)
		if err != nil {
			return &domain.InvalidQuotationError{
				QuotationID: q.ID,
				Reason:      fmt.Sprintf("line %d: %v", position, err),
			}
		}

		available, err := AvailableQuantity(ctx, tx, line.ItemID, &window)
		if err != nil {
			return err
		}
		if available < line.Quantity {
			shortages = append(shortages, domain.LineShortage{
				Line:      position,
				ItemID:    line.ItemID,
				Available: available,
				Requested: line.Quantity,
			})
		}
	}

	if len(shortages) == 0 {
		return nil
	}
	first := shortages[0]
	return &domain.InsufficientInventoryError{
		ItemID:    first.ItemID,
		Line:      first.Line,
		Available: first.Available,
		Requested: first.Requested,
		Shortages: shortages,
	}
}

func checkoutResult(err error) string {
	var (
		short *domain.InsufficientInventoryError
		quote *domain.InvalidQuotationError
		nf    *domain.NotFoundError
	)
	switch {
	case errors.As(err, &short):
		return "insufficient_inventory"
	case errors.As(err, &quote):
		return "invalid_quotation"
	case errors.As(err, &nf):
		return "not_found"
	case domain.IsTransient(err):
		return "contention"
	default:
		return "error"
	}
}
