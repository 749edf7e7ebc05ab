package service

import (
	"context"
	"fmt"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AvailabilityCache stores advisory availability figures. Implementations
// may drop entries at any time.
type AvailabilityCache interface {
	GetAvailability(ctx context.Context, itemID uuid.UUID, window *domain.Window) (int, bool, error)
	SetAvailability(ctx context.Context, itemID uuid.UUID, window *domain.Window, qty int) error
}

type AvailabilityCalculator struct {
	store  repository.Store
	cache  AvailabilityCache
	logger *zap.Logger
}

// NewAvailabilityCalculator builds a calculator. cache may be nil.
func NewAvailabilityCalculator(store repository.Store, cache AvailabilityCache, logger *zap.Logger) *AvailabilityCalculator {
	return &AvailabilityCalculator{
		store:  store,
		cache:  cache,
		logger: logger.Named("availability"),
	}
}

// AvailableQuantity answers from r, which must be the caller's transaction
// when the answer guards a write. Without a window it returns on-hand stock.
// With a window it subtracts every open reservation overlapping it, clamped
// at zero.
func AvailableQuantity(ctx context.Context, r repository.Reader, itemID uuid.UUID, window *domain.Window) (int, error) {
	item, err := r.GetItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if window == nil {
		return max(0, item.OnHandQuantity), nil
	}
	reserved, err := r.SumOverlappingReservations(ctx, itemID, *window)
	if err != nil {
		return 0, fmt.Errorf("overlapping reservations error: %w", err)
	}
	return max(0, item.OnHandQuantity-reserved), nil
}

// AdvisoryQuantity is for display only. It reads a read-committed snapshot,
// possibly through the cache, and never feeds a reservation decision.
func (c *AvailabilityCalculator) AdvisoryQuantity(ctx context.Context, itemID uuid.UUID, window *domain.Window) (int, error) {
	if c.cache != nil {
		qty, ok, err := c.cache.GetAvailability(ctx, itemID, window)
		if err != nil {
			c.logger.Warn("availability cache read failed", zap.String("item_id", itemID.String()), zap.Error(err))
		} else if ok {
			return qty, nil
		}
	}

	var qty int
	err := c.store.Snapshot(ctx, func(r repository.Reader) error {
		q, err := AvailableQuantity(ctx, r, itemID, window)
		if err != nil {
			return err
		}
		qty = q
		return nil
	})
	if err != nil {
		return 0, err
	}

	if c.cache != nil {
		if err := c.cache.SetAvailability(ctx, itemID, window, qty); err != nil {
			c.logger.Warn("availability cache write failed", zap.String("item_id", itemID.String()), zap.Error(err))
		}
	}
	return qty, nil
}

// legacyOverlaps is the three-clause predicate older deployments used: the
// reservation starts inside the window, ends inside it, or covers it, all
// with inclusive bounds. It agrees with Window.Overlaps except when the two
// intervals only touch. Kept for the regression suite.
func legacyOverlaps(res, query domain.Window) bool {
	startInside := !res.Start.Before(query.Start) && !res.Start.After(query.End)
	endInside := !res.End.Before(query.Start) && !res.End.After(query.End)
	covers := !res.Start.After(query.Start) && !res.End.Before(query.End)
	return startInside || endInside || covers
}
