package service

import (
	"context"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/metrics"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// lateFeeSaleShare is the share of the item's sale price added to the daily
// rental rate for every overdue day.
var lateFeeSaleShare = decimal.New(10, -2)

const day = 24 * time.Hour

// Clock returns the current time. Sweeps take it as a dependency so tests
// can pin "now".
type Clock func() time.Time

// SweepSummary reports one overdue run. LineErrors aggregates the per-line
// failures that were logged and skipped.
type SweepSummary struct {
	AsOf       time.Time       `json:"as_of"`
	Candidates int             `json:"candidates"`
	Charged    int             `json:"charged"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	TotalFees  decimal.Decimal `json:"total_fees"`
	LineErrors error           `json:"-"`
}

type OverdueService struct {
	store  repository.Store
	policy RetryPolicy
	clock  Clock
	logger *zap.Logger
}

func NewOverdueService(store repository.Store, policy RetryPolicy, clock Clock, logger *zap.Logger) *OverdueService {
	if clock == nil {
		clock = time.Now
	}
	return &OverdueService{
		store:  store,
		policy: policy,
		clock:  clock,
		logger: logger.Named("overdue"),
	}
}

// ProcessOverdueOrders charges every unreturned line past its rental end for
// the overdue days not yet billed. Each line is its own transaction, so a
// failing line never blocks the rest and a rerun at the same instant charges
// nothing new.
func (s *OverdueService) ProcessOverdueOrders(ctx context.Context) (SweepSummary, error) {
	started := time.Now()
	now := s.clock().UTC()
	summary := SweepSummary{AsOf: now, TotalFees: decimal.Zero}

	candidates, err := s.store.ListOverdueLines(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("overdue candidates error: %w", err)
	}
	summary.Candidates = len(candidates)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		var fee decimal.Decimal
		var charged bool
		err := runInTx(ctx, s.store, s.policy, s.logger, "overdue_accrual", func(tx repository.Tx) error {
			f, ok, err := s.chargeLine(ctx, tx, c.ID, now)
			if err != nil {
				return err
			}
			fee, charged = f, ok
			return nil
		})
		switch {
		case err != nil:
			summary.Failed++
			summary.LineErrors = multierr.Append(summary.LineErrors, fmt.Errorf("line %s: %w", c.ID, err))
			s.logger.Error("late fee accrual failed",
				zap.String("order_id", c.OrderID.String()),
				zap.String("order_line_id", c.ID.String()),
				zap.Error(err))
		case charged:
			summary.Charged++
			summary.TotalFees = summary.TotalFees.Add(fee)
		default:
			summary.Skipped++
		}
	}

	metrics.RecordSweep(summary.Charged, summary.Failed, time.Since(started))
	s.logger.Info("overdue sweep finished",
		zap.Time("as_of", now),
		zap.Int("candidates", summary.Candidates),
		zap.Int("charged", summary.Charged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.String("total_fees", summary.TotalFees.StringFixed(2)))

	return summary, nil
}

// chargeLine re-reads the line inside tx so that a concurrent return or an
// earlier charge in the same day is respected.
func (s *OverdueService) chargeLine(ctx context.Context, tx repository.Tx, lineID uuid.UUID, now time.Time) (decimal.Decimal, bool, error) {
	line, err := tx.GetOrderLine(ctx, lineID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if line.ActualReturnDate != nil || !line.RentalEnd.Before(now) {
		return decimal.Zero, false, nil
	}

	order, err := tx.GetOrder(ctx, line.OrderID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !accruesLateFees(order.Status) {
		return decimal.Zero, false, nil
	}

	daysOverdue := DaysOverdue(line.RentalEnd, now)
	daysToCharge := daysOverdue - line.LateReturnDays
	if daysToCharge <= 0 {
		return decimal.Zero, false, nil
	}

	fee := LateFee(line.UnitRentalRate, line.ItemSalePrice, daysToCharge, line.Quantity)

	line.LateReturnFee = line.LateReturnFee.Add(fee)
	line.LateReturnDays = daysOverdue
	if err := tx.UpdateOrderLine(ctx, line); err != nil {
		return decimal.Zero, false, err
	}

	order.ApplyLateFee(fee)
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return decimal.Zero, false, err
	}

	invoice := &domain.Invoice{
		ID:          uuid.New(),
		OrderID:     order.ID,
		OrderLineID: line.ID,
		Kind:        domain.InvoiceLateFee,
		Amount:      fee,
		DaysCharged: daysToCharge,
		CreatedAt:   now,
	}
	if err := tx.InsertInvoice(ctx, invoice); err != nil {
		return decimal.Zero, false, err
	}

	event, err := domain.NewOutboxEvent(domain.EventLateFeeCharged, order.CustomerEmail, domain.LateFeeChargedPayload{
		OrderID:     order.ID,
		OrderLineID: line.ID,
		InvoiceID:   invoice.ID,
		DaysOverdue: daysOverdue,
		DaysCharged: daysToCharge,
		Amount:      fee,
	})
	if err != nil {
		return decimal.Zero, false, err
	}
	if err := tx.InsertOutboxEvent(ctx, event); err != nil {
		return decimal.Zero, false, err
	}

	s.logger.Info("late fee charged",
		zap.String("order_id", order.ID.String()),
		zap.String("order_line_id", line.ID.String()),
		zap.Int("days_overdue", daysOverdue),
		zap.Int("days_charged", daysToCharge),
		zap.String("fee", fee.StringFixed(2)))

	return fee, true, nil
}

// DaysOverdue counts started 24-hour periods since end. A line one minute
// late is one day overdue.
func DaysOverdue(end, now time.Time) int {
	if !now.After(end) {
		return 0
	}
	elapsed := now.Sub(end)
	days := int(elapsed / day)
	if elapsed%day != 0 {
		days++
	}
	return days
}

// LateFee is (rate + 10% of sale price) per day per unit, rounded to cents.
func LateFee(unitRentalRate, itemSalePrice decimal.Decimal, days, quantity int) decimal.Decimal {
	perDay := unitRentalRate.Add(itemSalePrice.Mul(lateFeeSaleShare))
	return perDay.Mul(decimal.NewFromInt(int64(days))).Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

func accruesLateFees(status domain.OrderStatus) bool {
	for _, st := range domain.AccruesLateFees {
		if st == status {
			return true
		}
	}
	return false
}
