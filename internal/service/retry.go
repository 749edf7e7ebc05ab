package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/metrics"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"go.uber.org/zap"
)

// RetryPolicy bounds how often a serializable unit of work is re-run after
// a serialization failure or deadlock.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// runInTx runs fn in its own serializable transaction, re-running the whole
// unit of work on transient aborts only. Domain and infrastructure errors
// are returned on the first occurrence.
func runInTx(ctx context.Context, store repository.Store, policy RetryPolicy, logger *zap.Logger,
	operation string, fn func(tx repository.Tx) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := store.WithinTx(ctx, fn)
		switch {
		case err == nil:
			metrics.RecordTxAttempt(operation, "committed")
			return nil
		case domain.IsTransient(err):
			metrics.RecordTxAttempt(operation, "retried")
			logger.Warn("transaction aborted, retrying",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		default:
			metrics.RecordTxAttempt(operation, "failed")
			return backoff.Permanent(err)
		}
	}

	err := backoff.Retry(op, policy.backOff(ctx))
	if err != nil && domain.IsTransient(err) {
		metrics.RecordTxAttempt(operation, "exhausted")
		return fmt.Errorf("%s gave up after %d attempts: %w", operation, attempt, err)
	}
	return err
}
