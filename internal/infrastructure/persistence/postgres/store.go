package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rezkam/conductor/internal/engine/batch"
	"github.com/rezkam/conductor/internal/engine/job"
	"github.com/rezkam/conductor/internal/engine/stats"
	"github.com/rezkam/conductor/internal/engine/subscription"
	"github.com/rezkam/conductor/internal/engine/timer"
)

// dbtx is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so every
// query method works both directly on the pool and inside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides the PostgreSQL implementation of every engine repository.
// It is the persistence gateway and, through its conditional updates, the
// lock arbiter all engines share.
type Store struct {
	pool *pgxpool.Pool
	db   dbtx
}

// Compile-time verification that Store implements all repository
// interfaces.
var (
	_ job.Repository          = (*Store)(nil)
	_ timer.Repository        = (*Store)(nil)
	_ batch.Repository        = (*Store)(nil)
	_ subscription.Repository = (*Store)(nil)
	_ stats.Repository        = (*Store)(nil)
)

// NewStore creates a store over the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// finalizeTx handles transaction cleanup for normal error/success cases.
// Rolls back on error, commits on success.
func finalizeTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		slog.ErrorContext(ctx, "transaction failed, rolling back",
			"error", *err)
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed",
				"original_error", *err,
				"rollback_error", rbErr)
			*err = fmt.Errorf("transaction failed: %w (rollback error: %v)", *err, rbErr)
		}
	} else {
		*err = tx.Commit(ctx)
		if *err != nil {
			slog.ErrorContext(ctx, "transaction commit failed",
				"error", *err)
		}
	}
}

// executeInTransaction runs a callback within a transaction with logging
// and panic-safe rollback. The callback receives a tx-scoped store.
func (s *Store) executeInTransaction(ctx context.Context, operationName string, fn func(txStore *Store) error) (err error) {
	start := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to begin transaction",
			"operation", operationName,
			"error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "transaction panic, rolling back",
				"operation", operationName,
				"panic", p)
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed",
					"operation", operationName,
					"panic", p,
					"rollback_error", rbErr)
			}
			panic(p)
		}

		finalizeTx(ctx, tx, &err)
		if err == nil {
			slog.DebugContext(ctx, "transaction completed",
				"operation", operationName,
				"duration_ms", time.Since(start).Milliseconds())
		}
	}()

	err = fn(&Store{pool: s.pool, db: tx})
	return
}
