package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/engine"
	"github.com/scarson/batchq/internal/store"
)

// fakeService records calls and returns canned values. Unset error fields
// mean success.
type fakeService struct {
	mu sync.Mutex

	queueID   uuid.UUID
	queue     *store.Queue
	status    store.QueueStatus
	results   map[string]json.RawMessage
	task      *store.Task
	added     int
	err       error
	lastQueue engine.NewQueue
	lastSub   engine.Submission
	lastSel   engine.Selector
	lastRes   engine.Result
	created   bool
	deleted   uuid.UUID
}

func (f *fakeService) CreateQueue(_ context.Context, q engine.NewQueue) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQueue = q
	f.created = true
	return f.queueID, f.err
}

func (f *fakeService) CreateQueueAndAddTasks(_ context.Context, q engine.NewQueue, sub engine.Submission) (uuid.UUID, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQueue, f.lastSub = q, sub
	if f.err != nil {
		return uuid.Nil, 0, f.err
	}
	return f.queueID, len(sub.Tasks), nil
}

func (f *fakeService) AddTasks(_ context.Context, _ uuid.UUID, sub engine.Submission) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSub = sub
	if f.err != nil {
		return 0, f.err
	}
	return len(sub.Tasks), nil
}

func (f *fakeService) GetQueue(context.Context, uuid.UUID) (*store.Queue, error) {
	return f.queue, f.err
}

func (f *fakeService) DeleteQueue(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = id
	return f.err
}

func (f *fakeService) Status(context.Context, uuid.UUID) (store.QueueStatus, error) {
	return f.status, f.err
}

func (f *fakeService) Results(context.Context, uuid.UUID) (map[string]json.RawMessage, error) {
	return f.results, f.err
}

func (f *fakeService) ClaimNext(_ context.Context, sel engine.Selector) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSel = sel
	return f.task, f.err
}

func (f *fakeService) GetTask(context.Context, int64) (*store.Task, error) {
	return f.task, f.err
}

func (f *fakeService) SubmitResult(_ context.Context, r engine.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRes = r
	return f.err
}
