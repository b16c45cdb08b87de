package engine

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scarson/batchq/internal/metrics"
	"github.com/scarson/batchq/internal/store"
	"github.com/scarson/batchq/internal/tracing"
)

// Selector chooses which tasks a claim may take. Every set dimension must
// match; at least one must be set.
type Selector struct {
	QueueID  *uuid.UUID
	Type     string
	Tags     []string // the queue's tags must contain all of these
	Priority *int32   // exact match
}

// Validate reports a malformed selector.
func (s Selector) Validate() error {
	if s.QueueID == nil && s.Type == "" && len(s.Tags) == 0 && s.Priority == nil {
		return invalid("selector", "one of queue id, type, tags or priority is required")
	}
	if s.QueueID != nil && *s.QueueID == uuid.Nil {
		return invalid("selector.queue_id", "must not be the nil uuid")
	}
	for _, tag := range s.Tags {
		if tag == "" {
			return invalid("selector.tags", "must not contain empty strings")
		}
	}
	return nil
}

// ClaimNext leases the highest-priority, oldest eligible task matching sel.
// A task is eligible when it is available or when its previous lease has
// expired. Returns (nil, nil) when there is nothing to claim.
func (e *Engine) ClaimNext(ctx context.Context, sel Selector) (t *store.Task, err error) {
	ctx, span := tracing.StartSpan(ctx, "task.claim",
		attribute.String("selector.type", sel.Type),
		attribute.StringSlice("selector.tags", sel.Tags),
	)
	defer func() { tracing.End(span, err) }()

	if err := sel.Validate(); err != nil {
		return nil, err
	}

	t, err = e.store.ClaimTask(ctx, store.ClaimFilter{
		QueueID:  sel.QueueID,
		Type:     sel.Type,
		Tags:     sel.Tags,
		Priority: sel.Priority,
	}, uuid.New())
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("error").Inc()
		e.log.ErrorContext(ctx, "claim task", "error", err)
		return nil, storageErr("claim task", err, nil)
	}
	if t == nil {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		e.log.DebugContext(ctx, "no task available")
		return nil, nil
	}

	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	span.SetAttributes(attribute.Int64("task.id", t.ID))
	e.log.DebugContext(ctx, "task claimed",
		"id", t.ID, "task_id", t.TaskID, "queue_id", t.QueueID, "expiry_time", t.ExpiryTime)
	return t, nil
}

// GetTask returns the task with the given store id.
func (e *Engine) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, storageErr("get task", err, ErrTaskNotFound)
	}
	if t == nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}
