package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/distributed-ecommerce-saga/rental-inventory/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// OpenPostgres opens and pings a pool using the lib/pq driver.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database open error: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping error: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source error: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration init error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration apply error: %w", err)
	}
	return nil
}

type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translateError(fmt.Errorf("begin transaction error: %w", err))
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return translateError(fmt.Errorf("%w (rollback error: %v)", err, rbErr))
		}
		return translateError(err)
	}

	if err := tx.Commit(); err != nil {
		return translateError(fmt.Errorf("commit error: %w", err))
	}
	return nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, fn func(r Reader) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin snapshot error: %w", err)
	}
	defer tx.Rollback()

	return fn(&postgresTx{tx: tx})
}

func (s *PostgresStore) ListOverdueLines(ctx context.Context, asOf time.Time) ([]domain.OverdueLine, error) {
	query := `
		SELECT ` + orderLineColumnsQualified + `, o.status AS order_status, o.customer_email
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE l.rental_end < $1
		  AND l.actual_return_date IS NULL
		  AND o.status = ANY($2)
		ORDER BY l.rental_end, l.id
	`

	statuses := make([]string, 0, len(domain.AccruesLateFees))
	for _, st := range domain.AccruesLateFees {
		statuses = append(statuses, string(st))
	}

	var lines []domain.OverdueLine
	if err := s.db.SelectContext(ctx, &lines, query, asOf, pq.Array(statuses)); err != nil {
		return nil, fmt.Errorf("overdue lines query error: %w", err)
	}
	return lines, nil
}

func (s *PostgresStore) ListPendingOutbox(ctx context.Context, maxAttempts, limit int) ([]domain.OutboxEvent, error) {
	query := `
		SELECT id, event_type, recipient, payload, attempts, last_error, created_at, dispatched_at
		FROM outbox_events
		WHERE dispatched_at IS NULL AND attempts < $1
		ORDER BY created_at
		LIMIT $2
	`

	var events []domain.OutboxEvent
	if err := s.db.SelectContext(ctx, &events, query, maxAttempts, limit); err != nil {
		return nil, fmt.Errorf("outbox query error: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) MarkOutboxDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE outbox_events
		SET dispatched_at = $2, attempts = attempts + 1
		WHERE id = $1
	`
	return execOne(ctx, s.db, "outbox event", id, query, id, at)
}

func (s *PostgresStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`
	return execOne(ctx, s.db, "outbox event", id, query, id, reason)
}

// translateError maps Postgres serialization failures and deadlocks to the
// retryable domain error and leaves everything else untouched.
func translateError(err error) error {
	if err == nil || domain.IsTransient(err) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return &domain.TransientTransactionError{Err: err}
		}
	}
	return err
}

func execOne(ctx context.Context, ex sqlx.ExecerContext, entity string, id uuid.UUID, query string, args ...interface{}) error {
	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s update error: %w", entity, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.NewNotFound(entity, id)
	}
	return nil
}
