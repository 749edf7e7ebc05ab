// Package outbox delivers notification events written by the engine's
// transactions. Delivery is at-least-once; consumers dedupe on event id.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/metrics"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Notifier interface {
	Notify(ctx context.Context, event domain.OutboxEvent) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// RatePerSecond caps notifier calls. Zero disables throttling.
	RatePerSecond float64
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type DispatchResult struct {
	Dispatched int
	Failed     int
}

type Dispatcher struct {
	store    repository.Store
	notifier Notifier
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

func NewDispatcher(store repository.Store, notifier Notifier, cfg Config, logger *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		cfg:      cfg,
		logger:   logger.Named("outbox"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DispatchPending sends one batch of undelivered events in creation order.
func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	events, err := d.store.ListPendingOutbox(ctx, d.cfg.MaxAttempts, d.cfg.BatchSize)
	if err != nil {
		return result, err
	}

	for _, event := range events {
		if err := d.limiter.Wait(ctx); err != nil {
			return result, err
		}

		log := d.logger.With(zap.String("event_id", event.ID.String()), zap.String("event_type", string(event.EventType)))

		notifyErr := d.notifier.Notify(ctx, event)
		metrics.RecordOutboxDispatch(string(event.EventType), notifyErr)
		if notifyErr != nil {
			if errors.Is(notifyErr, context.Canceled) || errors.Is(notifyErr, context.DeadlineExceeded) {
				return result, notifyErr
			}
			result.Failed++
			if event.Attempts+1 >= d.cfg.MaxAttempts {
				log.Error("notification abandoned", zap.Error(notifyErr), zap.Int("attempts", event.Attempts+1))
			} else {
				log.Warn("notification failed", zap.Error(notifyErr), zap.Int("attempts", event.Attempts+1))
			}
			if err := d.store.MarkOutboxFailed(ctx, event.ID, notifyErr.Error()); err != nil {
				return result, err
			}
			continue
		}

		if err := d.store.MarkOutboxDispatched(ctx, event.ID, d.now()); err != nil {
			return result, err
		}
		result.Dispatched++
		log.Debug("notification dispatched")
	}

	return result, nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("outbox dispatcher already running")
	}
	d.running = true
	d.done = make(chan struct{})
	d.stopped = make(chan struct{})

	d.logger.Info("starting", zap.Duration("interval", d.cfg.PollInterval), zap.Int("batch_size", d.cfg.BatchSize))
	go d.loop(ctx, d.done, d.stopped)
	return nil
}

// Stop halts the loop and waits for an in-flight batch to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.done)
	stopped := d.stopped
	d.mu.Unlock()

	<-stopped
	d.logger.Info("stopped")
}

func (d *Dispatcher) loop(ctx context.Context, done, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			result, err := d.DispatchPending(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch failed", zap.Error(err))
			}
			if result.Dispatched > 0 || result.Failed > 0 {
				d.logger.Info("batch dispatched", zap.Int("dispatched", result.Dispatched), zap.Int("failed", result.Failed))
			}
		}
	}
}
