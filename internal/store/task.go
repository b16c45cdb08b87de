// ABOUTME: Store methods for the tasks relation: batched ingestion and SKIP LOCKED claiming.
// ABOUTME: Every statement binds caller values as parameters; no SQL is built from input.
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

// Status is the lifecycle state of a task.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions can occur from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Task is a row of the tasks relation joined with its queue's type.
type Task struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"task_id"`
	QueueID    uuid.UUID       `json:"queue_id"`
	QueueType  string          `json:"queue_type"`
	Params     json.RawMessage `json:"params"`
	Priority   *int32          `json:"priority,omitempty"`
	Status     Status          `json:"status"`
	LeaseToken *uuid.UUID      `json:"lease_token,omitempty"`
	StartTime  *time.Time      `json:"start_time,omitempty"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	ExpiryTime time.Time       `json:"expiry_time"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// NewTask is one caller-supplied task of a submission.
type NewTask struct {
	TaskID string
	Params json.RawMessage
}

// TaskInsert describes one submission: every batch shares the queue, the
// priority and the lease duration.
type TaskInsert struct {
	QueueID  uuid.UUID
	Priority *int32
	Lease    time.Duration
	Batches  [][]NewTask
}

// reopenQueueSQL locks the queue row for the rest of the ingestion
// transaction and clears the completion flag so the queue can drain again.
const reopenQueueSQL = `
UPDATE queues
SET completed_at = NULL
WHERE id = $1
RETURNING id`

// insertTaskBatchSQL inserts one batch in submission order. now() is the
// transaction start time, so every batch of a submission gets the same
// expiry_time.
const insertTaskBatchSQL = `
INSERT INTO tasks (task_id, queue_id, params, priority, lease_ms, expiry_time)
SELECT u.task_id, $1::uuid, u.params::jsonb, $4::int, $5::bigint,
       now() + $5::bigint * interval '1 millisecond'
FROM unnest($2::text[], $3::text[]) WITH ORDINALITY AS u(task_id, params, ord)
ORDER BY u.ord`

// InsertTasks persists all batches of in inside a single transaction and
// returns the number of rows written. If any batch fails nothing is
// persisted. Returns ErrNotFound if the queue does not exist and
// ErrDuplicateTaskID if a task_id is already present in the queue.
func (s *Store) InsertTasks(ctx context.Context, in TaskInsert) (int, error) {
	leaseMS := in.Lease.Milliseconds()
	total := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		if err := tx.QueryRow(ctx, reopenQueueSQL, in.QueueID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("queue %s: %w", in.QueueID, ErrNotFound)
			}
			return fmt.Errorf("lock queue %s: %w", in.QueueID, err)
		}

		for i, batch := range in.Batches {
			taskIDs := make([]string, len(batch))
			params := make([]string, len(batch))
			for j, t := range batch {
				taskIDs[j] = t.TaskID
				params[j] = string(t.Params)
			}
			tag, err := tx.Exec(ctx, insertTaskBatchSQL, in.QueueID, taskIDs, params, in.Priority, leaseMS)
			if err != nil {
				if isUniqueViolation(err) {
					err = ErrDuplicateTaskID
				}
				return fmt.Errorf("insert batch %d/%d: %w", i+1, len(in.Batches), err)
			}
			total += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert tasks: %w", err)
	}
	return total, nil
}

// ClaimFilter selects the tasks a claim may take. Zero-valued fields do not
// constrain the selection; set fields are ANDed.
type ClaimFilter struct {
	QueueID  *uuid.UUID
	Type     string
	Tags     []string
	Priority *int32
}

// claimTaskSQL picks the first eligible task in claim order, skipping rows
// locked by concurrent claimers, and leases it in the same statement.
const claimTaskSQL = `
WITH next AS (
    SELECT t.id
    FROM tasks t
    JOIN queues q ON q.id = t.queue_id
    WHERE (t.status = 'available'
           OR (t.status = 'processing' AND t.expiry_time < now()))
      AND ($1::uuid   IS NULL OR t.queue_id = $1::uuid)
      AND ($2::text   IS NULL OR q.type = $2::text)
      AND ($3::text[] IS NULL OR q.tags @> $3::text[])
      AND ($4::int    IS NULL OR t.priority = $4::int)
    ORDER BY t.priority DESC NULLS LAST, t.id
    LIMIT 1
    FOR UPDATE OF t SKIP LOCKED
)
UPDATE tasks
SET status      = 'processing',
    start_time  = now(),
    expiry_time = now() + tasks.lease_ms * interval '1 millisecond',
    lease_token = $5::uuid
FROM next, queues q
WHERE tasks.id = next.id
  AND q.id = tasks.queue_id
RETURNING tasks.id, tasks.task_id, tasks.queue_id, q.type, tasks.params::text,
          tasks.priority, tasks.status::text, tasks.lease_token,
          tasks.start_time, tasks.end_time, tasks.expiry_time`

// ClaimTask atomically leases one eligible task matching f for token.
// Returns (nil, nil) when no task is currently eligible.
func (s *Store) ClaimTask(ctx context.Context, f ClaimFilter, token uuid.UUID) (*Task, error) {
	var (
		typ  *string
		tags any
	)
	if f.Type != "" {
		typ = &f.Type
	}
	if len(f.Tags) > 0 {
		tags = f.Tags
	}

	var t Task
	err := scanTask(s.pool.QueryRow(ctx, claimTaskSQL, f.QueueID, typ, tags, f.Priority, token), &t, false)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return &t, nil
}

// GetTask returns the task with the given store id, or (nil, nil) if none exists.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := scanTask(s.pool.QueryRow(ctx, `
		SELECT t.id, t.task_id, t.queue_id, q.type, t.params::text,
		       t.priority, t.status::text, t.lease_token,
		       t.start_time, t.end_time, t.expiry_time, t.result::text
		FROM tasks t
		JOIN queues q ON q.id = t.queue_id
		WHERE t.id = $1`, id), &t, true)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return &t, nil
}

// CountExpiredLeases returns the number of processing tasks whose lease has
// lapsed and which are therefore claimable again.
func (s *Store) CountExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM tasks
		WHERE status = 'processing' AND expiry_time < now()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expired leases: %w", err)
	}
	return n, nil
}

func scanTask(row pgx.Row, t *Task, withResult bool) error {
	var (
		params *string
		status string
		result *string
	)
	dest := []any{
		&t.ID, &t.TaskID, &t.QueueID, &t.QueueType, &params,
		&t.Priority, &status, &t.LeaseToken,
		&t.StartTime, &t.EndTime, &t.ExpiryTime,
	}
	if withResult {
		dest = append(dest, &result)
	}
	if err := row.Scan(dest...); err != nil {
		return err
	}
	t.Status = Status(status)
	if params != nil {
		t.Params = json.RawMessage(*params)
	}
	if result != nil {
		t.Result = json.RawMessage(*result)
	}
	return nil
}
