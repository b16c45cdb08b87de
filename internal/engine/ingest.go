package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scarson/batchq/internal/metrics"
	"github.com/scarson/batchq/internal/store"
	"github.com/scarson/batchq/internal/tracing"
)

// Submission is a set of tasks to add to one queue.
type Submission struct {
	// Tasks maps caller-chosen task ids to worker parameters.
	Tasks map[string]json.RawMessage
	// Order lists the keys of Tasks in arrival order. When nil, tasks arrive
	// in task id order.
	Order []string
	// Priority applies to every task of the submission. Higher claims first;
	// nil sorts after every set priority.
	Priority *int32
	// Options may override the queue's lease duration for these tasks.
	// A callback set here is ignored; callbacks belong to the queue.
	Options *Options
}

// AddTasks persists the submission into queue id and returns the number of
// tasks written. Batches are written in one transaction: on failure nothing
// is persisted and the returned count is 0.
func (e *Engine) AddTasks(ctx context.Context, id uuid.UUID, sub Submission) (n int, err error) {
	ctx, span := tracing.QueueSpan(ctx, "add_tasks", id.String())
	defer func() { tracing.End(span, err) }()

	tasks, err := prepareTasks(sub)
	if err != nil {
		return 0, err
	}

	q, err := e.GetQueue(ctx, id)
	if err != nil {
		return 0, err
	}
	lease := e.leaseFor(ctx, q, sub.Options)
	batches := partition(tasks, e.cfg.BatchSize)
	span.SetAttributes(
		attribute.Int("tasks.count", len(tasks)),
		attribute.Int("tasks.batches", len(batches)),
	)

	start := time.Now()
	n, err = e.store.InsertTasks(ctx, store.TaskInsert{
		QueueID:  id,
		Priority: sub.Priority,
		Lease:    lease,
		Batches:  batches,
	})
	if err != nil {
		metrics.IngestFailures.Inc()
		e.log.ErrorContext(ctx, "add tasks failed; submission rolled back",
			"queue_id", id, "tasks", len(tasks), "batches", len(batches), "error", err)
		return 0, storageErr("add tasks", err, ErrQueueNotFound)
	}

	metrics.TasksIngested.Add(float64(n))
	e.log.InfoContext(ctx, "tasks added",
		"queue_id", id,
		"tasks", n,
		"batches", len(batches),
		"batch_size", e.cfg.BatchSize,
		"lease", lease,
		"elapsed", time.Since(start),
	)
	return n, nil
}

// CreateQueueAndAddTasks registers a queue and loads the submission into it.
// If ingestion fails the queue is deleted again and the ingestion error is
// returned.
func (e *Engine) CreateQueueAndAddTasks(ctx context.Context, q NewQueue, sub Submission) (uuid.UUID, int, error) {
	// Reject bad input before creating anything that would need compensation.
	if _, err := prepareTasks(sub); err != nil {
		return uuid.Nil, 0, err
	}

	id, err := e.CreateQueue(ctx, q)
	if err != nil {
		return uuid.Nil, 0, err
	}

	n, err := e.AddTasks(ctx, id, sub)
	if err != nil {
		// The compensating delete must run even if ctx was cancelled.
		if delErr := e.DeleteQueue(context.WithoutCancel(ctx), id); delErr != nil {
			e.log.ErrorContext(ctx, "compensating queue delete failed",
				"queue_id", id, "error", delErr)
		}
		return uuid.Nil, 0, err
	}
	return id, n, nil
}

// leaseFor picks the submission lease, then the queue lease, then the default.
func (e *Engine) leaseFor(ctx context.Context, q *store.Queue, sub *Options) time.Duration {
	if sub != nil {
		if d, ok := sub.Lease(); ok {
			return d
		}
	}
	if d, ok := e.queueOptions(ctx, q).Lease(); ok {
		return d
	}
	return e.cfg.DefaultLease
}

// prepareTasks validates a submission and returns its tasks in arrival order.
func prepareTasks(sub Submission) ([]store.NewTask, error) {
	if len(sub.Tasks) == 0 {
		return nil, invalid("tasks", "must contain at least one task")
	}
	if sub.Options != nil {
		if err := sub.Options.Validate(); err != nil {
			return nil, err
		}
	}

	ids, err := arrivalOrder(sub)
	if err != nil {
		return nil, err
	}

	tasks := make([]store.NewTask, len(ids))
	for i, id := range ids {
		params := sub.Tasks[id]
		if len(params) == 0 {
			params = json.RawMessage("null")
		} else if !json.Valid(params) {
			return nil, invalid("tasks", "params of task "+id+" are not valid JSON")
		}
		tasks[i] = store.NewTask{TaskID: id, Params: params}
	}
	return tasks, nil
}

func arrivalOrder(sub Submission) ([]string, error) {
	if sub.Order == nil {
		ids := make([]string, 0, len(sub.Tasks))
		for id := range sub.Tasks {
			if id == "" {
				return nil, invalid("tasks", "task id must not be empty")
			}
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return ids, nil
	}

	if len(sub.Order) != len(sub.Tasks) {
		return nil, invalid("tasks", "order does not match the task set")
	}
	seen := make(map[string]struct{}, len(sub.Order))
	for _, id := range sub.Order {
		if id == "" {
			return nil, invalid("tasks", "task id must not be empty")
		}
		if _, ok := sub.Tasks[id]; !ok {
			return nil, invalid("tasks", "order names unknown task "+id)
		}
		if _, dup := seen[id]; dup {
			return nil, invalid("tasks", "duplicate task id "+id)
		}
		seen[id] = struct{}{}
	}
	return sub.Order, nil
}

// DecodeTasks parses a JSON object of task id to params, keeping the order in
// which ids appear. Empty input and JSON null yield no tasks. A repeated id is
// rejected.
func DecodeTasks(raw json.RawMessage) (map[string]json.RawMessage, []string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, nil, invalid("tasks", "must be an object of task id to params")
	}

	tasks := make(map[string]json.RawMessage)
	order := make([]string, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, invalid("tasks", err.Error())
		}
		id, ok := tok.(string)
		if !ok {
			return nil, nil, invalid("tasks", "task id must be a string")
		}
		var params json.RawMessage
		if err := dec.Decode(&params); err != nil {
			return nil, nil, invalid("tasks", "params of task "+id+": "+err.Error())
		}
		if _, dup := tasks[id]; dup {
			return nil, nil, invalid("tasks", "duplicate task id "+id)
		}
		tasks[id] = params
		order = append(order, id)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, invalid("tasks", err.Error())
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, nil, invalid("tasks", "trailing data after object")
	}
	return tasks, order, nil
}

// partition splits tasks into consecutive batches of at most size tasks.
func partition(tasks []store.NewTask, size int) [][]store.NewTask {
	batches := make([][]store.NewTask, 0, (len(tasks)+size-1)/size)
	for len(tasks) > 0 {
		end := min(size, len(tasks))
		batches = append(batches, tasks[:end:end])
		tasks = tasks[end:]
	}
	return batches
}
