package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type CancellationResult struct {
	OrderID          uuid.UUID   `json:"order_id"`
	Released         []uuid.UUID `json:"released"`
	AlreadyReleased  int         `json:"already_released"`
	Failed           int         `json:"failed"`
	AlreadyCancelled bool        `json:"already_cancelled"`
	ReleaseErrors    error       `json:"-"`
}

// CancellationService cancels whole orders. Each reservation is released in
// its own transaction so one stuck hold cannot keep the others in place.
type CancellationService struct {
	store        repository.Store
	reservations *ReservationManager
	policy       RetryPolicy
	logger       *zap.Logger
}

func NewCancellationService(store repository.Store, reservations *ReservationManager, policy RetryPolicy, logger *zap.Logger) *CancellationService {
	return &CancellationService{
		store:        store,
		reservations: reservations,
		policy:       policy,
		logger:       logger.Named("cancellation"),
	}
}

func (s *CancellationService) CancelOrder(ctx context.Context, orderID uuid.UUID, actorID, reason string) (*CancellationResult, error) {
	result := &CancellationResult{OrderID: orderID}

	var open []*domain.Reservation
	err := runInTx(ctx, s.store, s.policy, s.logger, "load_order", func(tx repository.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		switch order.Status {
		case domain.OrderCancelled:
			result.AlreadyCancelled = true
			return nil
		case domain.OrderReturned:
			return &domain.ValidationError{Field: "order", Reason: "returned orders cannot be cancelled"}
		}

		reservations, err := tx.ListReservationsByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		open = open[:0]
		for _, r := range reservations {
			if r.IsOpen() {
				open = append(open, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.AlreadyCancelled {
		s.logger.Info("order already cancelled", zap.String("order_id", orderID.String()))
		return result, nil
	}

	for _, r := range open {
		_, err := s.reservations.ReleaseReservation(ctx, r.ID, actorID, reason)
		var already *domain.AlreadyReleasedError
		switch {
		case err == nil:
			result.Released = append(result.Released, r.ID)
		case errors.As(err, &already):
			result.AlreadyReleased++
		default:
			result.Failed++
			result.ReleaseErrors = multierr.Append(result.ReleaseErrors,
				fmt.Errorf("reservation %s: %w", r.ID, err))
		}
	}

	if result.ReleaseErrors != nil {
		s.logger.Error("order cancellation left reservations unreleased",
			zap.String("order_id", orderID.String()),
			zap.Int("failed", result.Failed),
			zap.Errors("errors", multierr.Errors(result.ReleaseErrors)))
	}

	err = runInTx(ctx, s.store, s.policy, s.logger, "cancel_order", func(tx repository.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		order.UpdateStatus(domain.OrderCancelled)
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		event, err := domain.NewOutboxEvent(domain.EventOrderCancelled, order.CustomerEmail, domain.OrderCancelledPayload{
			OrderID:        order.ID,
			Reason:         reason,
			ReleasedIDs:    result.Released,
			FailedReleases: result.Failed,
		})
		if err != nil {
			return err
		}
		return tx.InsertOutboxEvent(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order cancelled",
		zap.String("order_id", orderID.String()),
		zap.Int("released", len(result.Released)),
		zap.Int("already_released", result.AlreadyReleased),
		zap.Int("failed", result.Failed))
	return result, nil
}
