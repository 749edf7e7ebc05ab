package service

import (
	"context"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/metrics"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateReservationRequest struct {
	OrderID     uuid.UUID     `json:"order_id"`
	OrderLineID uuid.NullUUID `json:"order_line_id"`
	ItemID      uuid.UUID     `json:"item_id"`
	Quantity    int           `json:"quantity"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	ActorID     string        `json:"actor_id"`
}

type ReservationManager struct {
	store  repository.Store
	ledger *StockLedger
	policy RetryPolicy
	logger *zap.Logger
}

func NewReservationManager(store repository.Store, ledger *StockLedger, policy RetryPolicy, logger *zap.Logger) *ReservationManager {
	return &ReservationManager{
		store:  store,
		ledger: ledger,
		policy: policy,
		logger: logger.Named("reservations"),
	}
}

// CreateReservation places a hold for an existing order in its own
// serializable transaction.
func (m *ReservationManager) CreateReservation(ctx context.Context, req CreateReservationRequest) (*domain.Reservation, error) {
	var created *domain.Reservation
	err := runInTx(ctx, m.store, m.policy, m.logger, "create_reservation", func(tx repository.Tx) error {
		if _, err := tx.GetOrder(ctx, req.OrderID); err != nil {
			return err
		}
		r, err := m.CreateInTx(ctx, tx, req)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordReservation(string(domain.ReservationPending))
	m.logger.Info("reservation created",
		zap.String("reservation_id", created.ID.String()),
		zap.String("item_id", created.ItemID.String()),
		zap.Int("quantity", created.Quantity))
	return created, nil
}

// CreateInTx is CreateReservation inside a caller's unit of work. The
// availability check runs on tx, so two holds in the same transaction see
// each other.
func (m *ReservationManager) CreateInTx(ctx context.Context, tx repository.Tx, req CreateReservationRequest) (*domain.Reservation, error) {
	if req.Quantity <= 0 {
		return nil, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	window, err := domain.NewWindow(req.WindowStart, req.WindowEnd)
	if err != nil {
		return nil, err
	}

	available, err := AvailableQuantity(ctx, tx, req.ItemID, &window)
	if err != nil {
		return nil, err
	}
	if available < req.Quantity {
		return nil, &domain.InsufficientInventoryError{
			ItemID:    req.ItemID,
			Available: available,
			Requested: req.Quantity,
		}
	}

	reservation := domain.NewReservation(req.OrderID, req.ItemID, req.OrderLineID, req.Quantity, window, req.ActorID)
	if err := tx.InsertReservation(ctx, reservation); err != nil {
		return nil, err
	}

	if _, err := m.ledger.Append(ctx, tx, domain.MovementRequest{
		ItemID:        req.ItemID,
		MovementType:  domain.MovementReserved,
		QuantityDelta: -req.Quantity,
		ReferenceID:   domain.Reference(reservation.ID),
		ActorID:       req.ActorID,
	}); err != nil {
		return nil, err
	}

	return reservation, nil
}

// ReleaseReservation cancels a PENDING or ACTIVE reservation and returns its
// quantity to the pool. Releasing twice yields *domain.AlreadyReleasedError.
func (m *ReservationManager) ReleaseReservation(ctx context.Context, id uuid.UUID, actorID, reason string) (*domain.Reservation, error) {
	var released *domain.Reservation
	err := runInTx(ctx, m.store, m.policy, m.logger, "release_reservation", func(tx repository.Tx) error {
		r, err := m.releaseInTx(ctx, tx, id, actorID, reason)
		if err != nil {
			return err
		}
		released = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordReservation(string(domain.ReservationCancelled))
	m.logger.Info("reservation released",
		zap.String("reservation_id", released.ID.String()),
		zap.String("actor_id", actorID),
		zap.String("reason", reason))
	return released, nil
}

// releaseInTx lifts the hold only. Units already with the customer stay on
// the custody account, and keep occupying the window, until MarkReturned
// settles them.
func (m *ReservationManager) releaseInTx(ctx context.Context, tx repository.Tx, id uuid.UUID, actorID, reason string) (*domain.Reservation, error) {
	r, err := tx.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.Release(reason); err != nil {
		return nil, err
	}
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return nil, err
	}

	if _, err := m.ledger.Append(ctx, tx, domain.MovementRequest{
		ItemID:        r.ItemID,
		MovementType:  domain.MovementReservationRelease,
		QuantityDelta: r.Quantity,
		ReferenceID:   domain.Reference(r.ID),
		ActorID:       actorID,
		Note:          reason,
	}); err != nil {
		return nil, err
	}

	order, err := tx.GetOrder(ctx, r.OrderID)
	if err != nil {
		return nil, err
	}
	event, err := domain.NewOutboxEvent(domain.EventReservationReleased, order.CustomerEmail, domain.ReservationReleasedPayload{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		ItemID:        r.ItemID,
		Quantity:      r.Quantity,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.InsertOutboxEvent(ctx, event); err != nil {
		return nil, err
	}

	return r, nil
}

// MarkPickedUp hands a PENDING reservation's units to the customer.
func (m *ReservationManager) MarkPickedUp(ctx context.Context, id uuid.UUID, actorID string) (*domain.Reservation, error) {
	var picked *domain.Reservation
	err := runInTx(ctx, m.store, m.policy, m.logger, "pickup_reservation", func(tx repository.Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if err := r.PickUp(); err != nil {
			return err
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}

		if _, err := m.ledger.Append(ctx, tx, domain.MovementRequest{
			ItemID:        r.ItemID,
			MovementType:  domain.MovementWithCustomer,
			QuantityDelta: -r.Quantity,
			ReferenceID:   domain.Reference(r.ID),
			ActorID:       actorID,
		}); err != nil {
			return err
		}

		order, err := tx.GetOrder(ctx, r.OrderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderConfirmed {
			order.UpdateStatus(domain.OrderPickedUp)
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}

		picked = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordReservation(string(domain.ReservationActive))
	m.logger.Info("reservation picked up",
		zap.String("reservation_id", picked.ID.String()),
		zap.String("actor_id", actorID))
	return picked, nil
}

// MarkReturned completes an ACTIVE reservation: the units come back from the
// customer, the hold is lifted and the order line records the return. A
// reservation cancelled after pickup only settles custody, since its hold was
// already released.
func (m *ReservationManager) MarkReturned(ctx context.Context, id uuid.UUID, actorID string, returnedAt time.Time) (*domain.Reservation, error) {
	returnedAt = returnedAt.UTC()

	var completed *domain.Reservation
	err := runInTx(ctx, m.store, m.policy, m.logger, "return_reservation", func(tx repository.Tx) error {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		custody := r.CustodyQuantity
		if r.Status == domain.ReservationActive {
			custody = r.Quantity
		}
		holdOpen := r.IsOpen()
		if err := r.Return(); err != nil {
			return err
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}

		movements := []domain.MovementRequest{
			{ItemID: r.ItemID, MovementType: domain.MovementReturned, QuantityDelta: custody},
		}
		if holdOpen {
			movements = append(movements, domain.MovementRequest{
				ItemID: r.ItemID, MovementType: domain.MovementReservationRelease, QuantityDelta: r.Quantity,
			})
		}
		for _, mv := range movements {
			mv.ReferenceID = domain.Reference(r.ID)
			mv.ActorID = actorID
			if _, err := m.ledger.Append(ctx, tx, mv); err != nil {
				return err
			}
		}

		if r.OrderLineID.Valid {
			line, err := tx.GetOrderLine(ctx, r.OrderLineID.UUID)
			if err != nil {
				return err
			}
			line.ActualReturnDate = &returnedAt
			if err := tx.UpdateOrderLine(ctx, line); err != nil {
				return err
			}
		}

		order, err := tx.GetOrder(ctx, r.OrderID)
		if err != nil {
			return err
		}
		if allReturned(order) && order.Status != domain.OrderReturned && order.Status != domain.OrderCancelled {
			order.UpdateStatus(domain.OrderReturned)
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return err
			}
		}

		completed = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed.Status == domain.ReservationCompleted {
		metrics.RecordReservation(string(domain.ReservationCompleted))
	}
	m.logger.Info("reservation returned",
		zap.String("reservation_id", completed.ID.String()),
		zap.String("status", string(completed.Status)),
		zap.Time("returned_at", returnedAt))
	return completed, nil
}

func allReturned(order *domain.Order) bool {
	if len(order.Lines) == 0 {
		return false
	}
	for _, l := range order.Lines {
		if l.ActualReturnDate == nil {
			return false
		}
	}
	return true
}
