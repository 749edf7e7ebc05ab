package service

import (
	"context"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StockLedger owns the append-only movement log and the cached item
// balances derived from it.
type StockLedger struct {
	store  repository.Store
	policy RetryPolicy
	logger *zap.Logger
}

func NewStockLedger(store repository.Store, policy RetryPolicy, logger *zap.Logger) *StockLedger {
	return &StockLedger{
		store:  store,
		policy: policy,
		logger: logger.Named("stock_ledger"),
	}
}

// Append records one movement inside tx and moves the item's cached balance
// for the movement's account by the same delta.
func (l *StockLedger) Append(ctx context.Context, tx repository.Tx, req domain.MovementRequest) (*domain.StockMovement, error) {
	account, err := req.MovementType.Account()
	if err != nil {
		return nil, err
	}
	if req.QuantityDelta == 0 {
		return nil, &domain.ValidationError{Field: "quantity_delta", Reason: "must not be zero"}
	}
	if err := checkDirection(req.MovementType, req.QuantityDelta); err != nil {
		return nil, err
	}

	item, err := tx.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}

	previous := item.Balance(account)
	next := previous + req.QuantityDelta

	switch account {
	case domain.AccountOnHand:
		if next < 0 && !req.MovementType.MayGoNegative() {
			return nil, &domain.InsufficientStockError{
				ItemID:       item.ID,
				MovementType: req.MovementType,
				Current:      previous,
				Delta:        req.QuantityDelta,
			}
		}
	case domain.AccountHold, domain.AccountCustody:
		if next > 0 {
			return nil, &domain.LedgerImbalanceError{
				ItemID:       item.ID,
				Account:      account,
				MovementType: req.MovementType,
				Current:      previous,
				Delta:        req.QuantityDelta,
			}
		}
	}

	movement := &domain.StockMovement{
		ID:            uuid.New(),
		ItemID:        item.ID,
		Account:       account,
		MovementType:  req.MovementType,
		QuantityDelta: req.QuantityDelta,
		PreviousQty:   previous,
		NewQty:        next,
		ReferenceID:   req.ReferenceID,
		ActorID:       req.ActorID,
		Note:          req.Note,
		CreatedAt:     time.Now().UTC(),
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return nil, err
	}

	item.SetBalance(account, next)
	if err := tx.UpdateItemBalances(ctx, item); err != nil {
		return nil, err
	}

	l.logger.Debug("stock movement appended",
		zap.String("item_id", item.ID.String()),
		zap.String("movement_type", string(req.MovementType)),
		zap.Int("delta", req.QuantityDelta),
		zap.Int("new_qty", next))

	return movement, nil
}

// RecordStockMovement applies an operator stock movement (stock-in,
// write-off, correction) in its own transaction.
func (l *StockLedger) RecordStockMovement(ctx context.Context, req domain.MovementRequest) (*domain.StockMovement, error) {
	if !req.MovementType.IsStockMovement() {
		return nil, &domain.ValidationError{
			Field:  "movement_type",
			Reason: fmt.Sprintf("%s is recorded by reservation transitions only", req.MovementType),
		}
	}

	var movement *domain.StockMovement
	err := runInTx(ctx, l.store, l.policy, l.logger, "stock_movement", func(tx repository.Tx) error {
		m, err := l.Append(ctx, tx, req)
		if err != nil {
			return err
		}
		movement = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("stock movement recorded",
		zap.String("item_id", movement.ItemID.String()),
		zap.String("movement_type", string(movement.MovementType)),
		zap.Int("delta", movement.QuantityDelta),
		zap.String("actor_id", movement.ActorID))

	return movement, nil
}

// CreateItem registers an item and optionally books its opening stock.
func (l *StockLedger) CreateItem(ctx context.Context, sku, name string, initialStock int, actorID string) (*domain.Item, error) {
	if sku == "" {
		return nil, &domain.ValidationError{Field: "sku", Reason: "is required"}
	}
	if initialStock < 0 {
		return nil, &domain.ValidationError{Field: "initial_stock", Reason: "must not be negative"}
	}

	var created *domain.Item
	err := runInTx(ctx, l.store, l.policy, l.logger, "create_item", func(tx repository.Tx) error {
		item := domain.NewItem(sku, name)
		if err := tx.InsertItem(ctx, item); err != nil {
			return err
		}
		if initialStock > 0 {
			if _, err := l.Append(ctx, tx, domain.MovementRequest{
				ItemID:        item.ID,
				MovementType:  domain.MovementInitialStock,
				QuantityDelta: initialStock,
				ActorID:       actorID,
			}); err != nil {
				return err
			}
		}
		stored, err := tx.GetItem(ctx, item.ID)
		if err != nil {
			return err
		}
		created = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (l *StockLedger) History(ctx context.Context, itemID uuid.UUID) ([]domain.StockMovement, error) {
	var movements []domain.StockMovement
	err := l.store.Snapshot(ctx, func(r repository.Reader) error {
		if _, err := r.GetItem(ctx, itemID); err != nil {
			return err
		}
		ms, err := r.ListMovements(ctx, itemID)
		if err != nil {
			return err
		}
		movements = ms
		return nil
	})
	if err != nil {
		return nil, err
	}
	return movements, nil
}

// Balances is the per-account result of replaying a movement history.
type Balances struct {
	OnHand  int
	Hold    int
	Custody int
}

// Replay folds a movement history into account balances. A consistent item
// has cached balances equal to the replay of its own history, and every
// movement's snapshot chains onto the previous one on the same account.
func Replay(movements []domain.StockMovement) (Balances, error) {
	var b Balances
	for i, m := range movements {
		var current *int
		switch m.Account {
		case domain.AccountOnHand:
			current = &b.OnHand
		case domain.AccountHold:
			current = &b.Hold
		case domain.AccountCustody:
			current = &b.Custody
		default:
			return Balances{}, fmt.Errorf("movement %d has unknown account %q", i, m.Account)
		}
		if m.PreviousQty != *current || m.NewQty != m.PreviousQty+m.QuantityDelta {
			return Balances{}, fmt.Errorf("movement %d (%s) breaks the %s chain: previous=%d expected=%d",
				i, m.MovementType, m.Account, m.PreviousQty, *current)
		}
		*current = m.NewQty
	}
	return b, nil
}

// checkDirection pins the sign of movements whose direction is implied by
// their type. Stock-in corrections may be negative and are then bound by the
// on-hand rule.
func checkDirection(t domain.MovementType, delta int) error {
	var ok bool
	switch t {
	case domain.MovementReservationRelease, domain.MovementReturned:
		ok = delta > 0
	case domain.MovementStockOut, domain.MovementReserved, domain.MovementWithCustomer:
		ok = delta < 0
	default:
		ok = true
	}
	if !ok {
		return &domain.ValidationError{
			Field:  "quantity_delta",
			Reason: fmt.Sprintf("%d has the wrong sign for %s", delta, t),
		}
	}
	return nil
}
