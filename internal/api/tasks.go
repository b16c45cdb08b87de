package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/scarson/batchq/internal/engine"
	"github.com/scarson/batchq/internal/store"
)

// registerTaskRoutes wires up the worker-facing task endpoints.
//
//	POST /tasks/claim        lease the next eligible task
//	GET  /tasks/{id}         task detail
//	POST /tasks/{id}/result  record a task's outcome
func registerTaskRoutes(api huma.API, srv *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/claim",
		Summary:     "Claim task",
		Description: "Leases the highest-priority, oldest eligible task matching the selector. Returns 204 when nothing is eligible.",
		Tags:        []string{"Tasks"},
		Responses: map[string]*huma.Response{
			"204": {Description: "No task available"},
		},
	}, srv.claimTaskHandler)

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Tags:        []string{"Tasks"},
	}, srv.getTaskHandler)

	huma.Register(api, huma.Operation{
		OperationID:   "submit-result",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/result",
		Summary:       "Submit task result",
		Description:   "Completes a processing task. A non-null error moves it to the error state. Returns 409 if the task is not leased to the submitter.",
		Tags:          []string{"Tasks"},
		DefaultStatus: http.StatusNoContent,
	}, srv.submitResultHandler)
}

type claimInput struct {
	Body struct {
		QueueID  string   `json:"queue_id,omitempty" format:"uuid"`
		Type     string   `json:"type,omitempty"`
		Tags     []string `json:"tags,omitempty"`
		Priority *int32   `json:"priority,omitempty"`
	}
}

// claimOutput carries a pre-encoded body so a 204 writes nothing.
type claimOutput struct {
	Status      int
	ContentType string `header:"Content-Type"`
	Body        []byte
}

type taskPathInput struct {
	ID int64 `path:"id" minimum:"1"`
}

type taskOutput struct {
	Body *store.Task
}

type submitResultInput struct {
	ID   int64 `path:"id" minimum:"1"`
	Body struct {
		LeaseToken string          `json:"lease_token" format:"uuid" doc:"token returned by the claim; rejects the result if the task was reclaimed"`
		Result     json.RawMessage `json:"result,omitempty"`
		Error      json.RawMessage `json:"error,omitempty"`
	}
}

func (srv *Server) claimTaskHandler(ctx context.Context, in *claimInput) (*claimOutput, error) {
	sel := engine.Selector{
		Type:     in.Body.Type,
		Tags:     in.Body.Tags,
		Priority: in.Body.Priority,
	}
	if in.Body.QueueID != "" {
		id, err := parseQueueID(in.Body.QueueID)
		if err != nil {
			return nil, err
		}
		sel.QueueID = &id
	}

	t, err := srv.svc.ClaimNext(ctx, sel)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "claim task", err)
	}
	if t == nil {
		return &claimOutput{Status: http.StatusNoContent}, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "encode task", err)
	}
	srv.log.DebugContext(ctx, "task leased", "id", t.ID, "key", keyIDFrom(ctx))
	return &claimOutput{Status: http.StatusOK, ContentType: "application/json", Body: b}, nil
}

func (srv *Server) getTaskHandler(ctx context.Context, in *taskPathInput) (*taskOutput, error) {
	t, err := srv.svc.GetTask(ctx, in.ID)
	if err != nil {
		return nil, srv.toHTTPError(ctx, "get task", err)
	}
	return &taskOutput{Body: t}, nil
}

func (srv *Server) submitResultHandler(ctx context.Context, in *submitResultInput) (*struct{}, error) {
	tok, err := uuid.Parse(in.Body.LeaseToken)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid lease token")
	}
	r := engine.Result{
		ID:         in.ID,
		LeaseToken: &tok,
		Result:     in.Body.Result,
		Error:      in.Body.Error,
	}
	if err := srv.svc.SubmitResult(ctx, r); err != nil {
		return nil, srv.toHTTPError(ctx, "submit result", err)
	}
	srv.log.DebugContext(ctx, "result accepted", "id", in.ID, "key", keyIDFrom(ctx))
	return nil, nil
}
