package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/metrics"
	"github.com/scarson/batchq/internal/store"
)

// CallbackPayload is the JSON body POSTed to a queue's callback URL.
type CallbackPayload struct {
	Results map[string]json.RawMessage `json:"results"`
}

// IsQueueComplete reports whether every task of the queue is completed or
// errored. Both counts come from one statement.
func (e *Engine) IsQueueComplete(ctx context.Context, id uuid.UUID) (bool, error) {
	st, err := e.Status(ctx, id)
	if err != nil {
		return false, err
	}
	return st.Complete(), nil
}

// Status returns the task counts of a queue.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (store.QueueStatus, error) {
	st, err := e.store.QueueStatus(ctx, id)
	if err != nil {
		return store.QueueStatus{}, storageErr("queue status", err, ErrQueueNotFound)
	}
	return st, nil
}

// Results returns the stored result of every terminal task, keyed by task id.
func (e *Engine) Results(ctx context.Context, id uuid.UUID) (map[string]json.RawMessage, error) {
	res, err := e.store.QueueResults(ctx, id)
	if err != nil {
		return nil, storageErr("queue results", err, ErrQueueNotFound)
	}
	return res, nil
}

// dispatchCallback posts the results in the background. Delivery is
// best-effort: failures are logged and counted, never retried.
func (e *Engine) dispatchCallback(ctx context.Context, queueID uuid.UUID, url string, results map[string]json.RawMessage) {
	if e.notifier == nil {
		e.log.WarnContext(ctx, "queue has a callback but no notifier is configured", "queue_id", queueID)
		return
	}
	body, err := json.Marshal(CallbackPayload{Results: results})
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("failed").Inc()
		e.log.ErrorContext(ctx, "encode callback payload", "queue_id", queueID, "error", err)
		return
	}

	e.callbacks.Add(1)
	go func() {
		defer e.callbacks.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallbackTimeout)
		defer cancel()

		start := time.Now()
		err := e.notifier.Notify(cctx, url, body)
		metrics.CallbackDurationSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.CallbacksTotal.WithLabelValues("failed").Inc()
			e.log.WarnContext(cctx, "callback delivery failed", "queue_id", queueID, "url", url, "error", err)
			return
		}
		metrics.CallbacksTotal.WithLabelValues("delivered").Inc()
		e.log.InfoContext(cctx, "callback delivered", "queue_id", queueID, "url", url)
	}()
}
