package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/batchq/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *fakeStore, *recordingNotifier) {
	t.Helper()
	fs := newFakeStore()
	n := &recordingNotifier{}
	e := New(fs, n, Config{})
	t.Cleanup(e.Wait)
	return e, fs, n
}

func tasksOf(n int) map[string]json.RawMessage {
	m := make(map[string]json.RawMessage, n)
	for i := range n {
		m[fmt.Sprintf("t%05d", i)] = json.RawMessage(fmt.Sprintf(`[%d]`, i))
	}
	return m
}

func ptr[T any](v T) *T { return &v }

// ── ingestion ─────────────────────────────────────────────────────────────────

func TestAddTasks_PartitionsIntoBatches(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateQueue(ctx, NewQueue{Type: "sum"})
	require.NoError(t, err)

	n, err := e.AddTasks(ctx, id, Submission{Tasks: tasksOf(10000)})
	require.NoError(t, err)
	assert.Equal(t, 10000, n)

	require.Len(t, fs.inserts, 1)
	batches := fs.inserts[0].Batches
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4096)
	assert.Len(t, batches[1], 4096)
	assert.Len(t, batches[2], 1808)
	assert.Equal(t, DefaultLease, fs.inserts[0].Lease)
}

func TestAddTasks_FailedBatchPersistsNothing(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()
	id, err := e.CreateQueue(ctx, NewQueue{Type: "sum"})
	require.NoError(t, err)

	fs.failBatch = 2
	n, err := e.AddTasks(ctx, id, Submission{Tasks: tasksOf(10000)})
	require.Error(t, err)
	assert.Zero(t, n)
	var serr *StorageError
	assert.True(t, errors.As(err, &serr))

	st, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestAddTasks_WithoutOrderSortsByTaskID(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()
	id, _ := e.CreateQueue(ctx, NewQueue{Type: "sum"})

	_, err := e.AddTasks(ctx, id, Submission{Tasks: map[string]json.RawMessage{
		"c": json.RawMessage(`1`), "a": json.RawMessage(`2`), "b": nil,
	}})
	require.NoError(t, err)
	b := fs.inserts[0].Batches[0]
	require.Len(t, b, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{b[0].TaskID, b[1].TaskID, b[2].TaskID})
	assert.JSONEq(t, `null`, string(b[1].Params))
}

func TestAddTasks_ArrivalOrderFollowsListing(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()
	id, _ := e.CreateQueue(ctx, NewQueue{Type: "sum"})

	tasks, order, err := DecodeTasks(json.RawMessage(`{"zeta":[1],"alpha":[2],"mid":null}`))
	require.NoError(t, err)
	_, err = e.AddTasks(ctx, id, Submission{Tasks: tasks, Order: order})
	require.NoError(t, err)

	b := fs.inserts[0].Batches[0]
	require.Len(t, b, 3)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, []string{b[0].TaskID, b[1].TaskID, b[2].TaskID})
	assert.JSONEq(t, `null`, string(b[2].Params))
}

func TestAddTasks_OrderMustMatchTasks(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, _ := e.CreateQueue(ctx, NewQueue{Type: "sum"})
	tasks := map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`2`)}

	for _, order := range [][]string{{"a"}, {"a", "c"}, {"a", "a"}} {
		_, err := e.AddTasks(ctx, id, Submission{Tasks: tasks, Order: order})
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "order %v: got %v", order, err)
	}
}

func TestDecodeTasks(t *testing.T) {
	t.Parallel()

	tasks, order, err := DecodeTasks(json.RawMessage(` {"b":{"x":[1,{"y":2}]},"a":"s"} `))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)
	assert.JSONEq(t, `{"x":[1,{"y":2}]}`, string(tasks["b"]))
	assert.JSONEq(t, `"s"`, string(tasks["a"]))

	for _, empty := range []string{``, `null`} {
		tasks, order, err := DecodeTasks(json.RawMessage(empty))
		require.NoError(t, err)
		assert.Empty(t, tasks)
		assert.Empty(t, order)
	}

	tasks, order, err = DecodeTasks(json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, order)

	for _, bad := range []string{`[1,2]`, `"a"`, `{"a":1,"a":2}`, `{"a":}`, `{"a":1} {}`, `{"a":1`} {
		_, _, err := DecodeTasks(json.RawMessage(bad))
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "input %s: got %v", bad, err)
	}
}

func TestAddTasks_LeasePrecedence(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateQueue(ctx, NewQueue{Type: "sum", Options: Options{ExpiryTime: ptr(int64(3000))}})
	require.NoError(t, err)

	_, err = e.AddTasks(ctx, id, Submission{Tasks: tasksOf(1)})
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, fs.inserts[0].Lease)

	_, err = e.AddTasks(ctx, id, Submission{
		Tasks:   map[string]json.RawMessage{"other": json.RawMessage(`1`)},
		Options: &Options{ExpiryTime: ptr(int64(500))},
	})
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, fs.inserts[1].Lease)
}

func TestAddTasks_Validation(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, _ := e.CreateQueue(ctx, NewQueue{Type: "sum"})

	tests := []struct {
		name string
		sub  Submission
	}{
		{"empty", Submission{}},
		{"empty task id", Submission{Tasks: map[string]json.RawMessage{"": json.RawMessage(`1`)}}},
		{"invalid json", Submission{Tasks: map[string]json.RawMessage{"a": json.RawMessage(`{`)}}},
		{"bad expiry", Submission{Tasks: tasksOf(1), Options: &Options{ExpiryTime: ptr(int64(0))}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := e.AddTasks(ctx, id, tc.sub)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Zero(t, n)
		})
	}
}

func TestAddTasks_UnknownQueue(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	_, err := e.AddTasks(context.Background(), uuid.New(), Submission{Tasks: tasksOf(1)})
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestCreateQueueAndAddTasks_CompensatesOnFailure(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	fs.failBatch = 1

	id, n, err := e.CreateQueueAndAddTasks(context.Background(), NewQueue{Type: "sum"}, Submission{Tasks: tasksOf(5)})
	require.Error(t, err)
	assert.Equal(t, uuid.Nil, id)
	assert.Zero(t, n)
	require.Len(t, fs.deleted, 1)
	assert.Empty(t, fs.queues)
}

func TestCreateQueueAndAddTasks_CompensatesWhenCancelled(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	fs.failBatch = 1
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := e.CreateQueueAndAddTasks(ctx, NewQueue{Type: "sum"}, Submission{Tasks: tasksOf(1)})
	require.Error(t, err)
	assert.Len(t, fs.deleted, 1)
}

func TestCreateQueueAndAddTasks_InvalidInputCreatesNothing(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)

	_, _, err := e.CreateQueueAndAddTasks(context.Background(), NewQueue{Type: "sum"}, Submission{})
	require.Error(t, err)
	assert.Empty(t, fs.queues)
	assert.Empty(t, fs.deleted)
}

func TestCreateQueue_Validation(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		q    NewQueue
	}{
		{"empty type", NewQueue{}},
		{"empty tag", NewQueue{Type: "x", Tags: []string{""}}},
		{"relative callback", NewQueue{Type: "x", Options: Options{Callback: "/cb"}}},
		{"ftp callback", NewQueue{Type: "x", Options: Options{Callback: "ftp://host/cb"}}},
		{"negative expiry", NewQueue{Type: "x", Options: Options{ExpiryTime: ptr(int64(-1))}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateQueue(ctx, tc.q)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
}

func TestCreateQueue_StorageError(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	fs.failCreate = errors.New("connection refused")
	_, err := e.CreateQueue(context.Background(), NewQueue{Type: "x"})
	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "create queue", serr.Op)
}

// ── options ───────────────────────────────────────────────────────────────────

func TestDecodeOptions(t *testing.T) {
	t.Parallel()

	o, err := DecodeOptions(json.RawMessage(`{"expiryTime":1500,"callback":"http://example.com/done"}`))
	require.NoError(t, err)
	d, ok := o.Lease()
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)
	assert.Equal(t, "http://example.com/done", o.Callback)

	o, err = DecodeOptions(nil)
	require.NoError(t, err)
	_, ok = o.Lease()
	assert.False(t, ok)

	_, err = DecodeOptions(json.RawMessage(`null`))
	require.NoError(t, err)

	o, err = DecodeOptions(json.RawMessage(fmt.Sprintf(`{"expiryTime":%d}`, MaxLease.Milliseconds())))
	require.NoError(t, err)
	d, _ = o.Lease()
	assert.Equal(t, MaxLease, d)

	for _, bad := range []string{
		`{"retries":1}`,
		`{"expiryTime":"soon"}`,
		`{} {}`,
		`{"expiryTime":0}`,
		fmt.Sprintf(`{"expiryTime":%d}`, MaxLease.Milliseconds()+1),
		`{"expiryTime":4611686018427387904}`,
	} {
		_, err := DecodeOptions(json.RawMessage(bad))
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "input %s: got %v", bad, err)
	}
}

// ── claim ─────────────────────────────────────────────────────────────────────

func TestClaimNext_EmptySelectorRejected(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	_, err := e.ClaimNext(context.Background(), Selector{})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = e.ClaimNext(context.Background(), Selector{QueueID: ptr(uuid.Nil)})
	assert.True(t, errors.As(err, &verr))
}

func TestClaimNext_NothingAvailable(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	task, err := e.ClaimNext(context.Background(), Selector{Type: "sum"})
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimNext_StorageError(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	fs.failClaim = errors.New("boom")
	_, err := e.ClaimNext(context.Background(), Selector{Type: "sum"})
	var serr *StorageError
	assert.True(t, errors.As(err, &serr))
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	_, err := e.GetTask(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

// ── results and completion ────────────────────────────────────────────────────

func TestSubmitResult_FiresCallbackOnce(t *testing.T) {
	t.Parallel()
	e, _, n := newTestEngine(t)
	ctx := context.Background()

	id, added, err := e.CreateQueueAndAddTasks(ctx,
		NewQueue{Type: "sum", Options: Options{Callback: "https://example.com/cb"}},
		Submission{Tasks: map[string]json.RawMessage{"a": json.RawMessage(`[1]`), "b": json.RawMessage(`[2]`)}})
	require.NoError(t, err)
	require.Equal(t, 2, added)

	t1, err := e.ClaimNext(ctx, Selector{QueueID: &id})
	require.NoError(t, err)
	t2, err := e.ClaimNext(ctx, Selector{QueueID: &id})
	require.NoError(t, err)

	require.NoError(t, e.SubmitResult(ctx, Result{ID: t1.ID, LeaseToken: t1.LeaseToken, Result: json.RawMessage(`1`)}))
	done, err := e.IsQueueComplete(ctx, id)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, e.SubmitResult(ctx, Result{ID: t2.ID, LeaseToken: t2.LeaseToken, Error: json.RawMessage(`"bad input"`)}))
	e.Wait()

	calls := n.got()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://example.com/cb", calls[0].URL)
	assert.JSONEq(t, `{"results":{"a":{"result":1},"b":{"error":"bad input"}}}`, string(calls[0].Payload))

	// A late duplicate submission is rejected and does not fire again.
	err = e.SubmitResult(ctx, Result{ID: t2.ID, LeaseToken: t2.LeaseToken, Result: json.RawMessage(`2`)})
	assert.ErrorIs(t, err, ErrResultConflict)
	e.Wait()
	assert.Len(t, n.got(), 1)

	st, err := e.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStatus{Total: 2, CompletedCount: 2, ErrorCount: 1}, st)
	assert.True(t, st.Complete())
}

func TestSubmitResult_NoCallbackConfigured(t *testing.T) {
	t.Parallel()
	e, _, n := newTestEngine(t)
	ctx := context.Background()
	id, _, err := e.CreateQueueAndAddTasks(ctx, NewQueue{Type: "sum"}, Submission{Tasks: tasksOf(1)})
	require.NoError(t, err)

	task, err := e.ClaimNext(ctx, Selector{QueueID: &id})
	require.NoError(t, err)
	require.NoError(t, e.SubmitResult(ctx, Result{ID: task.ID, LeaseToken: task.LeaseToken, Result: json.RawMessage(`6`)}))
	e.Wait()
	assert.Empty(t, n.got())

	res, err := e.Results(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":6}`, string(res["t00000"]))
}

func TestSubmitResult_NullErrorIsSuccess(t *testing.T) {
	t.Parallel()
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()
	id, _, _ := e.CreateQueueAndAddTasks(ctx, NewQueue{Type: "sum"}, Submission{Tasks: tasksOf(1)})
	task, _ := e.ClaimNext(ctx, Selector{QueueID: &id})

	require.NoError(t, e.SubmitResult(ctx, Result{ID: task.ID, LeaseToken: task.LeaseToken, Result: json.RawMessage(`3`), Error: json.RawMessage(`null`)}))
	assert.Equal(t, store.StatusCompleted, fs.tasks[task.ID].Status)
}

func TestSubmitResult_StaleLeaseToken(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, _, _ := e.CreateQueueAndAddTasks(ctx, NewQueue{Type: "sum"}, Submission{Tasks: tasksOf(1)})
	task, _ := e.ClaimNext(ctx, Selector{QueueID: &id})

	err := e.SubmitResult(ctx, Result{ID: task.ID, LeaseToken: ptr(uuid.New()), Result: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrResultConflict)
}

func TestSubmitResult_MissingLeaseToken(t *testing.T) {
	t.Parallel()
	e, fs, n := newTestEngine(t)
	ctx := context.Background()
	id, _, _ := e.CreateQueueAndAddTasks(ctx,
		NewQueue{Type: "sum", Options: Options{Callback: "https://example.com/cb"}},
		Submission{Tasks: tasksOf(1)})
	task, _ := e.ClaimNext(ctx, Selector{QueueID: &id})

	err := e.SubmitResult(ctx, Result{ID: task.ID, Result: json.RawMessage(`1`)})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "lease_token", verr.Field)

	e.Wait()
	assert.Equal(t, store.StatusProcessing, fs.tasks[task.ID].Status)
	assert.Empty(t, n.got())
}

func TestSubmitResult_Errors(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	err := e.SubmitResult(ctx, Result{ID: 999, LeaseToken: ptr(uuid.New()), Result: json.RawMessage(`1`)})
	assert.ErrorIs(t, err, ErrTaskNotFound)

	err = e.SubmitResult(ctx, Result{ID: 1, LeaseToken: ptr(uuid.New()), Result: json.RawMessage(`{`)})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	id, _, _ := e.CreateQueueAndAddTasks(ctx, NewQueue{Type: "sum"}, Submission{Tasks: tasksOf(1)})
	task, _ := e.ClaimNext(ctx, Selector{QueueID: &id})
	require.NoError(t, e.SubmitResult(ctx, Result{ID: task.ID, LeaseToken: task.LeaseToken}))
	// Second submission for an already finished task.
	err = e.SubmitResult(ctx, Result{ID: task.ID, LeaseToken: task.LeaseToken})
	assert.ErrorIs(t, err, ErrResultConflict)
}

func TestCallbackFailureIsLoggedNotReturned(t *testing.T) {
	t.Parallel()
	e, _, n := newTestEngine(t)
	n.err = errors.New("503")
	ctx := context.Background()
	id, _, _ := e.CreateQueueAndAddTasks(ctx,
		NewQueue{Type: "sum", Options: Options{Callback: "https://example.com/cb"}},
		Submission{Tasks: tasksOf(1)})
	task, _ := e.ClaimNext(ctx, Selector{QueueID: &id})

	require.NoError(t, e.SubmitResult(ctx, Result{ID: task.ID, LeaseToken: task.LeaseToken, Result: json.RawMessage(`1`)}))
	e.Wait()
	assert.Len(t, n.got(), 1)
}

func TestIsQueueComplete_UnknownQueue(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	_, err := e.IsQueueComplete(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrQueueNotFound)
	_, err = e.Results(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestIsQueueComplete_EmptyQueue(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	id, err := e.CreateQueue(context.Background(), NewQueue{Type: "sum"})
	require.NoError(t, err)
	done, err := e.IsQueueComplete(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDeleteQueue(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	id, _, err := e.CreateQueueAndAddTasks(ctx, NewQueue{Type: "sum"}, Submission{Tasks: tasksOf(3)})
	require.NoError(t, err)

	require.NoError(t, e.DeleteQueue(ctx, id))
	_, err = e.GetQueue(ctx, id)
	assert.ErrorIs(t, err, ErrQueueNotFound)
	assert.ErrorIs(t, e.DeleteQueue(ctx, id), ErrQueueNotFound)
}

func TestPartition(t *testing.T) {
	t.Parallel()
	mk := func(n int) []store.NewTask { return make([]store.NewTask, n) }

	assert.Empty(t, partition(nil, 4))
	assert.Len(t, partition(mk(4), 4), 1)
	b := partition(mk(9), 4)
	require.Len(t, b, 3)
	assert.Len(t, b[2], 1)
}
