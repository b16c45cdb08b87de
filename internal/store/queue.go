// ABOUTME: Store methods for the queues relation: create, read, delete.
// ABOUTME: Tasks are removed with their queue through ON DELETE CASCADE.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Queue is a row of the queues relation.
type Queue struct {
	ID          uuid.UUID
	Type        string
	Tags        []string
	Options     json.RawMessage
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewQueue holds the caller-supplied columns of a queue row.
type NewQueue struct {
	Type    string
	Tags    []string
	Options json.RawMessage // nil stores '{}'
}

const insertQueueSQL = `
INSERT INTO queues (type, tags, options)
VALUES ($1, $2::text[], coalesce($3::jsonb, '{}'::jsonb))
RETURNING id`

// CreateQueue inserts a queue row and returns its id.
func (s *Store) CreateQueue(ctx context.Context, q NewQueue) (uuid.UUID, error) {
	tags := q.Tags
	if tags == nil {
		tags = []string{}
	}
	var opts *string
	if len(q.Options) > 0 {
		o := string(q.Options)
		opts = &o
	}

	var id uuid.UUID
	if err := s.pool.QueryRow(ctx, insertQueueSQL, q.Type, tags, opts).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("create queue: %w", err)
	}
	return id, nil
}

// GetQueue returns the queue with the given id, or (nil, nil) if none exists.
func (s *Store) GetQueue(ctx context.Context, id uuid.UUID) (*Queue, error) {
	var (
		q    Queue
		opts string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, type, tags, options::text, created_at, completed_at
		FROM queues
		WHERE id = $1`, id,
	).Scan(&q.ID, &q.Type, &q.Tags, &opts, &q.CreatedAt, &q.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get queue %s: %w", id, err)
	}
	q.Options = json.RawMessage(opts)
	if q.Tags == nil {
		q.Tags = []string{}
	}
	return &q, nil
}

// DeleteQueue removes the queue row and, by cascade, all of its tasks.
// Returns ErrNotFound if no queue has the given id.
func (s *Store) DeleteQueue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queues WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete queue %s: %w", id, ErrNotFound)
	}
	return nil
}
