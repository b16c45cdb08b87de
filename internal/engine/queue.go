package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/store"
	"github.com/scarson/batchq/internal/tracing"
)

// NewQueue describes a queue to register.
type NewQueue struct {
	Type    string
	Tags    []string
	Options Options
}

// CreateQueue registers a queue and returns its id.
func (e *Engine) CreateQueue(ctx context.Context, q NewQueue) (id uuid.UUID, err error) {
	ctx, span := tracing.StartSpan(ctx, "queue.create")
	defer func() { tracing.End(span, err) }()

	if q.Type == "" {
		return uuid.Nil, invalid("type", "must not be empty")
	}
	for _, tag := range q.Tags {
		if tag == "" {
			return uuid.Nil, invalid("tags", "must not contain empty strings")
		}
	}
	if err := q.Options.Validate(); err != nil {
		return uuid.Nil, err
	}
	opts, err := q.Options.encode()
	if err != nil {
		return uuid.Nil, err
	}

	id, err = e.store.CreateQueue(ctx, store.NewQueue{
		Type:    q.Type,
		Tags:    q.Tags,
		Options: opts,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "create queue", "type", q.Type, "error", err)
		return uuid.Nil, storageErr("create queue", err, nil)
	}
	e.log.InfoContext(ctx, "queue created", "queue_id", id, "type", q.Type, "tags", q.Tags)
	return id, nil
}

// GetQueue returns the queue with the given id.
func (e *Engine) GetQueue(ctx context.Context, id uuid.UUID) (*store.Queue, error) {
	q, err := e.store.GetQueue(ctx, id)
	if err != nil {
		return nil, storageErr("get queue", err, ErrQueueNotFound)
	}
	if q == nil {
		return nil, ErrQueueNotFound
	}
	return q, nil
}

// DeleteQueue removes a queue together with all of its tasks.
func (e *Engine) DeleteQueue(ctx context.Context, id uuid.UUID) (err error) {
	ctx, span := tracing.QueueSpan(ctx, "delete", id.String())
	defer func() { tracing.End(span, err) }()

	if err := e.store.DeleteQueue(ctx, id); err != nil {
		return storageErr("delete queue", err, ErrQueueNotFound)
	}
	e.log.InfoContext(ctx, "queue deleted", "queue_id", id)
	return nil
}

// queueOptions decodes the stored options of q. Rows written by this engine
// always decode; anything else is treated as no options.
func (e *Engine) queueOptions(ctx context.Context, q *store.Queue) Options {
	var o Options
	if len(q.Options) == 0 {
		return o
	}
	if err := json.Unmarshal(q.Options, &o); err != nil {
		e.log.WarnContext(ctx, "ignoring undecodable queue options", "queue_id", q.ID, "error", err)
		return Options{}
	}
	return o
}
