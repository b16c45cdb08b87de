// Package engine implements the task lifecycle on top of the store: queue
// registration, batched ingestion, lease-based claiming, result recording and
// exactly-once completion callbacks.
//
// The engine keeps no task state in memory. Every operation is one or more
// store transactions; mutual exclusion between workers and between engine
// instances comes from Postgres row locks.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/store"
)

const (
	// DefaultBatchSize bounds the number of rows per insert statement.
	DefaultBatchSize = 4096

	// DefaultLease is the lease duration when neither the submission nor the
	// queue sets expiryTime.
	DefaultLease = 2 * time.Minute

	// DefaultCallbackTimeout bounds one completion callback delivery.
	DefaultCallbackTimeout = 10 * time.Second
)

// Store is the persistence the engine runs on. *store.Store implements it.
type Store interface {
	CreateQueue(ctx context.Context, q store.NewQueue) (uuid.UUID, error)
	GetQueue(ctx context.Context, id uuid.UUID) (*store.Queue, error)
	DeleteQueue(ctx context.Context, id uuid.UUID) error
	InsertTasks(ctx context.Context, in store.TaskInsert) (int, error)
	ClaimTask(ctx context.Context, f store.ClaimFilter, token uuid.UUID) (*store.Task, error)
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	CompleteTask(ctx context.Context, o store.TaskOutcome) (*store.Completion, error)
	QueueStatus(ctx context.Context, id uuid.UUID) (store.QueueStatus, error)
	QueueResults(ctx context.Context, id uuid.UUID) (map[string]json.RawMessage, error)
}

// Notifier delivers a completion callback. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, url string, payload []byte) error
}

// Config holds engine tuning parameters (sourced from config.Config).
type Config struct {
	BatchSize       int
	DefaultLease    time.Duration
	CallbackTimeout time.Duration
}

// Engine coordinates queues and tasks. It is safe for concurrent use.
type Engine struct {
	store     Store
	notifier  Notifier
	cfg       Config
	log       *slog.Logger
	callbacks sync.WaitGroup
}

// New creates an Engine. notifier may be nil, in which case completion is
// still recorded but no callback is sent.
func New(st Store, notifier Notifier, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = DefaultLease
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		cfg:      cfg,
		log:      slog.Default(),
	}
}

// WithLogger replaces the engine's logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.log = l
	return e
}

// Wait blocks until every in-flight completion callback has finished.
func (e *Engine) Wait() {
	e.callbacks.Wait()
}
