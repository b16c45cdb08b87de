package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/engine"
	"github.com/scarson/batchq/internal/store"
)

// registerQueueRoutes wires up the queue endpoints on the huma API.
//
//	POST   /queues               register a queue, optionally with tasks
//	POST   /queues/{id}/tasks    add tasks to a queue
//	GET    /queues/{id}          queue detail
//	DELETE /queues/{id}          delete a queue and its tasks
//	GET    /queues/{id}/status   task counts
//	GET    /queues/{id}/results  results of finished tasks
func registerQueueRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-queue",
		Method:        http.MethodPost,
		Path:          "/queues",
		Summary:       "Create queue",
		Description:   "Registers a queue. When tasks are given they are ingested atomically; if ingestion fails the queue is removed again.",
		Tags:          []string{"Queues"},
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  maxIngestBody,
	}, srv.createQueueHandler)

	huma.Register(api, huma.Operation{
		OperationID:  "add-tasks",
		Method:       http.MethodPost,
		Path:         "/queues/{id}/tasks",
		Summary:      "Add tasks",
		Description:  "Adds tasks to an existing queue. All tasks are persisted or none are.",
		Tags:         []string{"Queues"},
		MaxBodyBytes: maxIngestBody,
	}, srv.addTasksHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-queue",
		Method:      http.MethodGet,
		Path:        "/queues/{id}",
		Summary:     "Get queue",
		Tags:        []string{"Queues"},
	}, srv.getQueueHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-queue",
		Method:        http.MethodDelete,
		Path:          "/queues/{id}",
		Summary:       "Delete queue",
		Description:   "Deletes the queue and every task in it.",
		Tags:          []string{"Queues"},
		DefaultStatus: http.StatusNoContent,
	}, srv.deleteQueueHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-queue-status",
		Method:      http.MethodGet,
		Path:        "/queues/{id}/status",
		Summary:     "Get queue status",
		Tags:        []string{"Queues"},
	}, srv.queueStatusHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-queue-results",
		Method:      http.MethodGet,
		Path:        "/queues/{id}/results",
		Summary:     "Get queue results",
		Description: "Returns the stored result of every completed or errored task, keyed by task id.",
		Tags:        []string{"Queues"},
	}, srv.queueResultsHandler)
}

// ── Request / response types ──────────────────────────────────────────────────

// SubmissionBody is the task payload shared by create-queue and add-tasks.
type SubmissionBody struct {
	// Tasks maps task ids to worker parameters; listing order is arrival order.
	Tasks    json.RawMessage `json:"tasks,omitempty"`
	Priority *int32          `json:"priority,omitempty"`
	// Options may set expiryTime (lease in ms) for these tasks.
	Options json.RawMessage `json:"options,omitempty"`
}

type createQueueInput struct {
	Body struct {
		Type    string          `json:"type" minLength:"1"`
		Tags    []string        `json:"tags,omitempty"`
		Options json.RawMessage `json:"options,omitempty" doc:"expiryTime (lease in ms) and callback (URL receiving the results)"`
		// Tasks are optional here; the queue's options apply to them.
		Tasks    json.RawMessage `json:"tasks,omitempty" doc:"object of task id to params; listing order is arrival order"`
		Priority *int32          `json:"priority,omitempty"`
	}
}

type createQueueOutput struct {
	Body struct {
		ID    uuid.UUID `json:"id"`
		Added int       `json:"added"`
	}
}

type addTasksInput struct {
	ID   string `path:"id" format:"uuid"`
	Body SubmissionBody
}

type addTasksOutput struct {
	Body struct {
		Added int `json:"added"`
	}
}

type queuePathInput struct {
	ID string `path:"id" format:"uuid"`
}

// QueueResponse is the API representation of a queue.
type QueueResponse struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Tags        []string        `json:"tags"`
	Options     json.RawMessage `json:"options"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type queueOutput struct {
	Body QueueResponse
}

// StatusResponse is the API representation of queue progress.
type StatusResponse struct {
	store.QueueStatus
	Complete bool `json:"complete"`
}

type statusOutput struct {
	Body StatusResponse
}

type resultsOutput struct {
	Body engine.CallbackPayload
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (srv *Server) createQueueHandler(ctx context.Context, in *createQueueInput) (*createQueueOutput, error) {
	opts, err := engine.DecodeOptions(in.Body.Options)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "create queue", err)
	}
	q := engine.NewQueue{Type: in.Body.Type, Tags: in.Body.Tags, Options: opts}
	tasks, order, err := engine.DecodeTasks(in.Body.Tasks)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "create queue", err)
	}

	out := &createQueueOutput{}
	if len(tasks) == 0 {
		id, err := srv.svc.CreateQueue(ctx, q)
		if err != nil {
			return nil, srv.toHTTPError(ctx, "create queue", err)
		}
		out.Body.ID = id
		return out, nil
	}

	sub := engine.Submission{Tasks: tasks, Order: order, Priority: in.Body.Priority}
	id, n, err := srv.svc.CreateQueueAndAddTasks(ctx, q, sub)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "create queue", err)
	}
	out.Body.ID = id
	out.Body.Added = n
	return out, nil
}

func (srv *Server) addTasksHandler(ctx context.Context, in *addTasksInput) (*addTasksOutput, error) {
	id, err := parseQueueID(in.ID)
	if err != nil {
		return nil, err
	}
	sub, err := submission(in.Body)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "add tasks", err)
	}
	n, err := srv.svc.AddTasks(ctx, id, sub)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "add tasks", err)
	}
	out := &addTasksOutput{}
	out.Body.Added = n
	return out, nil
}

func (srv *Server) getQueueHandler(ctx context.Context, in *queuePathInput) (*queueOutput, error) {
	id, err := parseQueueID(in.ID)
	if err != nil {
		return nil, err
	}
	q, err := srv.svc.GetQueue(ctx, id)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "get queue", err)
	}
	return &queueOutput{Body: QueueResponse{
		ID:          q.ID,
		Type:        q.Type,
		Tags:        q.Tags,
		Options:     q.Options,
		CreatedAt:   q.CreatedAt,
		CompletedAt: q.CompletedAt,
	}}, nil
}

func (srv *Server) deleteQueueHandler(ctx context.Context, in *queuePathInput) (*struct{}, error) {
	id, err := parseQueueID(in.ID)
	if err != nil {
		return nil, err
	}
	if err := srv.svc.DeleteQueue(ctx, id); err != nil {
		return nil, srv.toHTTPError(ctx, "delete queue", err)
	}
	return nil, nil
}

func (srv *Server) queueStatusHandler(ctx context.Context, in *queuePathInput) (*statusOutput, error) {
	id, err := parseQueueID(in.ID)
	if err != nil {
		return nil, err
	}
	st, err := srv.svc.Status(ctx, id)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "queue status", err)
	}
	return &statusOutput{Body: StatusResponse{QueueStatus: st, Complete: st.Complete()}}, nil
}

func (srv *Server) queueResultsHandler(ctx context.Context, in *queuePathInput) (*resultsOutput, error) {
	id, err := parseQueueID(in.ID)
	if err != nil {
		return nil, err
	}
	res, err := srv.svc.Results(ctx, id)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "queue results", err)
	}
	return &resultsOutput{Body: engine.CallbackPayload{Results: res}}, nil
}

func parseQueueID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, huma.Error400BadRequest("invalid queue id")
	}
	return id, nil
}

// submission converts a request body into an engine submission. A callback
// in submission options is rejected: callbacks belong to the queue.
func submission(b SubmissionBody) (engine.Submission, error) {
	tasks, order, err := engine.DecodeTasks(b.Tasks)
	if err != nil {
		return engine.Submission{}, err
	}
	sub := engine.Submission{Tasks: tasks, Order: order, Priority: b.Priority}
	if len(b.Options) == 0 {
		return sub, nil
	}
	opts, err := engine.DecodeOptions(b.Options)
	if err != nil {
		return engine.Submission{}, err
	}
	if opts.Callback != "" {
		return engine.Submission{}, &engine.ValidationError{
			Field:  "options.callback",
			Reason: "callbacks are set when the queue is created",
		}
	}
	sub.Options = &opts
	return sub, nil
}
