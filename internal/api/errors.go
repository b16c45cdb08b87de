package api

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/batchq/internal/engine"
)

// toHTTPError maps engine errors onto huma status errors. Storage failures
// are logged here and reported without detail.
func (srv *Server) toHTTPError(ctx context.Context, op string, err error) error {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		return huma.Error400BadRequest(verr.Error())
	case errors.Is(err, engine.ErrQueueNotFound), errors.Is(err, engine.ErrTaskNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, engine.ErrResultConflict):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, context.Canceled):
		return huma.NewError(499, "client closed request")
	}
	srv.log.ErrorContext(ctx, op, "error", err)
	return huma.Error500InternalServerError("internal error")
}
