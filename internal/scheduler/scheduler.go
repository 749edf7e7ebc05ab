package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// OverdueSweeper is the part of the overdue engine the scheduler drives.
type OverdueSweeper interface {
	ProcessOverdueOrders(ctx context.Context) (service.SweepSummary, error)
}

type Scheduler struct {
	cron    *cron.Cron
	sweeper OverdueSweeper
	timeout time.Duration
	logger  *zap.Logger
}

// New registers the overdue sweep on spec, a standard five-field cron
// expression evaluated in UTC. Overlapping runs are skipped.
func New(spec string, sweeper OverdueSweeper, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	s := &Scheduler{cron: c, sweeper: sweeper, timeout: timeout, logger: logger}
	if _, err := c.AddFunc(spec, s.runSweep); err != nil {
		return nil, fmt.Errorf("invalid overdue schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("overdue sweep scheduled", zap.Time("next_run", e.Next))
	}
}

// Stop prevents new runs and returns a context that is done once a running
// sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	summary, err := s.sweeper.ProcessOverdueOrders(ctx)
	if err != nil {
		s.logger.Error("overdue sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("overdue sweep finished",
		zap.Int("candidates", summary.Candidates),
		zap.Int("charged", summary.Charged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.String("total_fees", summary.TotalFees.StringFixed(2)))
}

type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
