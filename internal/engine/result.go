package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/metrics"
	"github.com/scarson/batchq/internal/store"
	"github.com/scarson/batchq/internal/tracing"
)

// Result is a worker's outcome for a claimed task.
type Result struct {
	// ID is the store id of the task returned by ClaimNext.
	ID int64
	// LeaseToken is the token returned by ClaimNext. Required; the result is
	// rejected if the task has since been reclaimed by another worker.
	LeaseToken *uuid.UUID
	// Result is the success payload.
	Result json.RawMessage
	// Error is the failure payload. A non-null Error takes precedence over
	// Result and moves the task to the error state.
	Error json.RawMessage
}

// failed reports whether r carries an error payload.
func (r Result) failed() bool {
	e := bytes.TrimSpace(r.Error)
	return len(e) > 0 && !bytes.Equal(e, []byte("null"))
}

// payload builds the stored result document: {"error": ...} or {"result": ...}.
func (r Result) payload() (store.Status, json.RawMessage, error) {
	if r.failed() {
		if !json.Valid(r.Error) {
			return "", nil, invalid("error", "not valid JSON")
		}
		b, err := json.Marshal(struct {
			Error json.RawMessage `json:"error"`
		}{r.Error})
		return store.StatusError, b, err
	}
	res := r.Result
	if len(bytes.TrimSpace(res)) == 0 {
		res = json.RawMessage("null")
	} else if !json.Valid(res) {
		return "", nil, invalid("result", "not valid JSON")
	}
	b, err := json.Marshal(struct {
		Result json.RawMessage `json:"result"`
	}{res})
	return store.StatusCompleted, b, err
}

// SubmitResult records the outcome of a processing task. The status write
// and the completion check run in one transaction; if this submission drains
// the queue the queue's callback is dispatched exactly once.
//
// Submitting for a task that is not processing, or with a stale lease token,
// returns ErrResultConflict and changes nothing.
func (e *Engine) SubmitResult(ctx context.Context, r Result) (err error) {
	ctx, span := tracing.TaskSpan(ctx, "submit_result", r.ID)
	defer func() { tracing.End(span, err) }()

	if r.LeaseToken == nil {
		return invalid("lease_token", "required")
	}
	status, payload, err := r.payload()
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return err
		}
		return fmt.Errorf("encode result: %w", err)
	}

	c, err := e.store.CompleteTask(ctx, store.TaskOutcome{
		ID:         r.ID,
		LeaseToken: *r.LeaseToken,
		Status:     status,
		Payload:    payload,
	})
	if err != nil {
		err = storageErr("submit result", err, ErrTaskNotFound)
		switch {
		case errors.Is(err, ErrResultConflict):
			metrics.ResultsTotal.WithLabelValues("conflict").Inc()
			e.log.WarnContext(ctx, "result rejected; task not leased to submitter", "id", r.ID)
		default:
			metrics.ResultsTotal.WithLabelValues("failed").Inc()
			if !errors.Is(err, ErrTaskNotFound) {
				e.log.ErrorContext(ctx, "submit result", "id", r.ID, "error", err)
			}
		}
		return err
	}

	metrics.ResultsTotal.WithLabelValues(string(status)).Inc()
	e.log.DebugContext(ctx, "result recorded",
		"id", r.ID, "task_id", c.TaskID, "queue_id", c.QueueID, "status", status)

	if c.Fired {
		metrics.QueuesCompleted.Inc()
		e.log.InfoContext(ctx, "all tasks finished", "queue_id", c.QueueID, "results", len(c.Results))
		if c.CallbackURL != "" {
			e.dispatchCallback(ctx, c.QueueID, c.CallbackURL, c.Results)
		}
	}
	return nil
}
