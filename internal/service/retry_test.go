package service

import (
	"context"
	"errors"
	"testing"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/distributed-ecommerce-saga/rental-inventory/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingStore struct {
	*repository.MemoryStore
	calls int
}

func (s *countingStore) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.calls++
	return s.MemoryStore.WithinTx(ctx, fn)
}

func TestRunInTxRetriesTransientAborts(t *testing.T) {
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	store.InjectTransientFailures(2)

	err := runInTx(context.Background(), store, testPolicy(), zap.NewNop(), "test", func(tx repository.Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestRunInTxGivesUpAfterMaxAttempts(t *testing.T) {
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	store.InjectTransientFailures(10)

	err := runInTx(context.Background(), store, testPolicy(), zap.NewNop(), "test", func(tx repository.Tx) error {
		return nil
	})
	assert.True(t, domain.IsTransient(err))
	assert.ErrorContains(t, err, "gave up after 3 attempts")
	assert.Equal(t, 3, store.calls)
}

func TestRunInTxNeverRetriesDomainErrors(t *testing.T) {
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	want := &domain.InsufficientInventoryError{Available: 0, Requested: 1}

	err := runInTx(context.Background(), store, testPolicy(), zap.NewNop(), "test", func(tx repository.Tx) error {
		return want
	})

	var short *domain.InsufficientInventoryError
	require.ErrorAs(t, err, &short)
	assert.Same(t, want, short)
	assert.Equal(t, 1, store.calls)
}

func TestRunInTxNeverRetriesInfrastructureErrors(t *testing.T) {
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	boom := errors.New("connection reset")

	err := runInTx(context.Background(), store, testPolicy(), zap.NewNop(), "test", func(tx repository.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.calls)
}

func TestRunInTxSingleAttemptPolicy(t *testing.T) {
	store := &countingStore{MemoryStore: repository.NewMemoryStore()}
	store.InjectTransientFailures(1)

	err := runInTx(context.Background(), store, RetryPolicy{MaxAttempts: 1}, zap.NewNop(), "test", func(tx repository.Tx) error {
		return nil
	})
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 1, store.calls)
}
