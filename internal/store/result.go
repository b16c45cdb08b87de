// ABOUTME: Store methods for finishing tasks and reading queue progress.
// ABOUTME: CompleteTask decides queue completion inside the same transaction as the status write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TaskOutcome is a worker's report for a claimed task.
type TaskOutcome struct {
	ID int64
	// LeaseToken must match the token written by the claim the worker holds;
	// a reclaimed task has a different token.
	LeaseToken uuid.UUID
	// Status is StatusCompleted or StatusError.
	Status Status
	// Payload is the JSON document stored in tasks.result.
	Payload json.RawMessage
}

// Completion is what CompleteTask observed while finishing a task.
type Completion struct {
	QueueID     uuid.UUID
	TaskID      string
	CallbackURL string
	// Fired is true only for the single transaction that moved the queue
	// from incomplete to complete.
	Fired   bool
	Results map[string]json.RawMessage // populated only when Fired
}

// QueueStatus is the aggregate progress of a queue. CompletedCount counts
// both terminal states; ErrorCount counts the error state only.
type QueueStatus struct {
	Total          int64 `json:"total_jobs"`
	CompletedCount int64 `json:"completed_count"`
	ErrorCount     int64 `json:"error_count"`
}

// Complete reports whether every task of the queue is terminal.
func (s QueueStatus) Complete() bool {
	return s.Total == s.CompletedCount
}

const finishTaskSQL = `
UPDATE tasks
SET status   = $2::task_status,
    end_time = now(),
    result   = $3::jsonb
WHERE id = $1
  AND status = 'processing'
  AND lease_token = $4::uuid
RETURNING queue_id, task_id`

// lockQueueSQL serializes completion checks of one queue. FOR NO KEY UPDATE
// does not conflict with the KEY SHARE locks taken by task inserts.
const lockQueueSQL = `
SELECT coalesce(options->>'callback', '')
FROM queues
WHERE id = $1
FOR NO KEY UPDATE`

const queueCountsSQL = `
SELECT count(*),
       count(*) FILTER (WHERE status IN ('completed', 'error')),
       count(*) FILTER (WHERE status = 'error')
FROM tasks
WHERE queue_id = $1`

const markQueueCompleteSQL = `
UPDATE queues
SET completed_at = now()
WHERE id = $1
  AND completed_at IS NULL`

const queueResultsSQL = `
SELECT task_id, result::text
FROM tasks
WHERE queue_id = $1
  AND status IN ('completed', 'error')
ORDER BY id`

// CompleteTask moves a processing task to its terminal state and, in the same
// transaction, checks whether the owning queue is now drained. Returns
// ErrNotFound for an unknown task and ErrConflict when the task is not
// processing or its lease token does not match.
func (s *Store) CompleteTask(ctx context.Context, o TaskOutcome) (*Completion, error) {
	var c Completion
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, finishTaskSQL, o.ID, string(o.Status), string(o.Payload), o.LeaseToken).
			Scan(&c.QueueID, &c.TaskID)
		if errors.Is(err, pgx.ErrNoRows) {
			return classifyUnfinished(ctx, tx, o.ID)
		}
		if err != nil {
			return fmt.Errorf("finish task: %w", err)
		}

		if err := tx.QueryRow(ctx, lockQueueSQL, c.QueueID).Scan(&c.CallbackURL); err != nil {
			return fmt.Errorf("lock queue %s: %w", c.QueueID, err)
		}

		// The lock above was granted after any concurrent finisher of this
		// queue committed, so this statement sees its write.
		st, err := queueCounts(ctx, tx, c.QueueID)
		if err != nil {
			return err
		}
		if !st.Complete() {
			return nil
		}

		tag, err := tx.Exec(ctx, markQueueCompleteSQL, c.QueueID)
		if err != nil {
			return fmt.Errorf("mark queue complete: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		c.Fired = true
		c.Results, err = queueResults(ctx, tx, c.QueueID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("complete task %d: %w", o.ID, err)
	}
	return &c, nil
}

func classifyUnfinished(ctx context.Context, tx pgx.Tx, id int64) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status::text FROM tasks WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	return fmt.Errorf("task is %s: %w", status, ErrConflict)
}

// QueueStatus returns the task counts of a queue. Returns ErrNotFound if the
// queue does not exist.
func (s *Store) QueueStatus(ctx context.Context, queueID uuid.UUID) (QueueStatus, error) {
	var st QueueStatus
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := queueExists(ctx, tx, queueID); err != nil {
			return err
		}
		var err error
		st, err = queueCounts(ctx, tx, queueID)
		return err
	})
	if err != nil {
		return QueueStatus{}, fmt.Errorf("queue status %s: %w", queueID, err)
	}
	return st, nil
}

// QueueResults returns the result payload of every terminal task of the
// queue, keyed by task_id. Returns ErrNotFound if the queue does not exist.
func (s *Store) QueueResults(ctx context.Context, queueID uuid.UUID) (map[string]json.RawMessage, error) {
	var results map[string]json.RawMessage
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := queueExists(ctx, tx, queueID); err != nil {
			return err
		}
		var err error
		results, err = queueResults(ctx, tx, queueID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("queue results %s: %w", queueID, err)
	}
	return results, nil
}

func queueExists(ctx context.Context, tx pgx.Tx, queueID uuid.UUID) error {
	var ok bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queues WHERE id = $1)`, queueID).Scan(&ok); err != nil {
		return fmt.Errorf("queue exists: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func queueCounts(ctx context.Context, tx pgx.Tx, queueID uuid.UUID) (QueueStatus, error) {
	var st QueueStatus
	if err := tx.QueryRow(ctx, queueCountsSQL, queueID).Scan(&st.Total, &st.CompletedCount, &st.ErrorCount); err != nil {
		return QueueStatus{}, fmt.Errorf("count tasks: %w", err)
	}
	return st, nil
}

func queueResults(ctx context.Context, tx pgx.Tx, queueID uuid.UUID) (map[string]json.RawMessage, error) {
	rows, err := tx.Query(ctx, queueResultsSQL, queueID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	results := make(map[string]json.RawMessage)
	for rows.Next() {
		var (
			taskID  string
			payload *string
		)
		if err := rows.Scan(&taskID, &payload); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if payload == nil {
			results[taskID] = json.RawMessage("null")
			continue
		}
		results[taskID] = json.RawMessage(*payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}
