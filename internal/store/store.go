// Package store provides the data access layer for queues and tasks.
// All queries go through *pgxpool.Pool with pgx native transactions; the
// claim path relies on FOR UPDATE SKIP LOCKED and the completion path on a
// row lock plus compare-and-swap of queues.completed_at.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when the addressed queue or task does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a task is not in the state an update requires.
	ErrConflict = errors.New("store: conflict")

	// ErrDuplicateTaskID is returned when a submission reuses a task_id already
	// present in the queue.
	ErrDuplicateTaskID = errors.New("store: duplicate task_id in queue")
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for health checks and test fixtures.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// withTx runs fn inside a pgx native transaction. The transaction is committed
// if fn returns nil and rolled back on every other path, including panics.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
