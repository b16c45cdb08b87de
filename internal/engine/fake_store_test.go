package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/store"
)

// fakeStore is an in-memory Store. It models only what the engine relies on:
// all-or-nothing ingestion, a single completion per queue, and lease tokens.
type fakeStore struct {
	mu sync.Mutex

	queues    map[uuid.UUID]*store.Queue
	tasks     map[int64]*store.Task
	nextID    int64
	completed map[uuid.UUID]bool

	inserts    []store.TaskInsert
	deleted    []uuid.UUID
	failBatch  int // 1-based batch index that fails; 0 = none
	failClaim  error
	failCreate error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queues:    make(map[uuid.UUID]*store.Queue),
		tasks:     make(map[int64]*store.Task),
		completed: make(map[uuid.UUID]bool),
	}
}

var errBatch = errors.New("batch rejected")

func (f *fakeStore) CreateQueue(_ context.Context, q store.NewQueue) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return uuid.Nil, f.failCreate
	}
	id := uuid.New()
	f.queues[id] = &store.Queue{ID: id, Type: q.Type, Tags: q.Tags, Options: q.Options}
	return id, nil
}

func (f *fakeStore) GetQueue(_ context.Context, id uuid.UUID) (*store.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[id]
	if !ok {
		return nil, nil
	}
	return q, nil
}

func (f *fakeStore) DeleteQueue(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.queues, id)
	for tid, t := range f.tasks {
		if t.QueueID == id {
			delete(f.tasks, tid)
		}
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeStore) InsertTasks(_ context.Context, in store.TaskInsert) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, in)
	q, ok := f.queues[in.QueueID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if f.failBatch > 0 && f.failBatch <= len(in.Batches) {
		return 0, errBatch
	}
	n := 0
	for _, b := range in.Batches {
		for _, nt := range b {
			f.nextID++
			f.tasks[f.nextID] = &store.Task{
				ID:        f.nextID,
				TaskID:    nt.TaskID,
				QueueID:   in.QueueID,
				QueueType: q.Type,
				Params:    nt.Params,
				Priority:  in.Priority,
				Status:    store.StatusAvailable,
			}
			n++
		}
	}
	f.completed[in.QueueID] = false
	return n, nil
}

func (f *fakeStore) ClaimTask(_ context.Context, fl store.ClaimFilter, token uuid.UUID) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClaim != nil {
		return nil, f.failClaim
	}
	var best *store.Task
	for _, t := range f.tasks {
		if t.Status != store.StatusAvailable {
			continue
		}
		if fl.QueueID != nil && t.QueueID != *fl.QueueID {
			continue
		}
		if fl.Type != "" && t.QueueType != fl.Type {
			continue
		}
		if best == nil || t.ID < best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = store.StatusProcessing
	tok := token
	best.LeaseToken = &tok
	cp := *best
	return &cp, nil
}

func (f *fakeStore) GetTask(_ context.Context, id int64) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) CompleteTask(_ context.Context, o store.TaskOutcome) (*store.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[o.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.StatusProcessing {
		return nil, store.ErrConflict
	}
	if t.LeaseToken == nil || *t.LeaseToken != o.LeaseToken {
		return nil, store.ErrConflict
	}
	t.Status = o.Status
	t.Result = o.Payload

	c := &store.Completion{QueueID: t.QueueID, TaskID: t.TaskID}
	var opts Options
	_ = json.Unmarshal(f.queues[t.QueueID].Options, &opts)
	c.CallbackURL = opts.Callback

	st := f.countsLocked(t.QueueID)
	if st.Complete() && !f.completed[t.QueueID] {
		f.completed[t.QueueID] = true
		c.Fired = true
		c.Results = f.resultsLocked(t.QueueID)
	}
	return c, nil
}

func (f *fakeStore) QueueStatus(_ context.Context, id uuid.UUID) (store.QueueStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[id]; !ok {
		return store.QueueStatus{}, store.ErrNotFound
	}
	return f.countsLocked(id), nil
}

func (f *fakeStore) QueueResults(_ context.Context, id uuid.UUID) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[id]; !ok {
		return nil, store.ErrNotFound
	}
	return f.resultsLocked(id), nil
}

func (f *fakeStore) countsLocked(id uuid.UUID) store.QueueStatus {
	var st store.QueueStatus
	for _, t := range f.tasks {
		if t.QueueID != id {
			continue
		}
		st.Total++
		if t.Status.Terminal() {
			st.CompletedCount++
		}
		if t.Status == store.StatusError {
			st.ErrorCount++
		}
	}
	return st
}

func (f *fakeStore) resultsLocked(id uuid.UUID) map[string]json.RawMessage {
	res := make(map[string]json.RawMessage)
	for _, t := range f.tasks {
		if t.QueueID == id && t.Status.Terminal() {
			res[t.TaskID] = t.Result
		}
	}
	return res
}

// recordingNotifier captures callback deliveries.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

type notification struct {
	URL     string
	Payload []byte
}

func (n *recordingNotifier) Notify(_ context.Context, url string, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{URL: url, Payload: payload})
	return n.err
}

func (n *recordingNotifier) got() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}
