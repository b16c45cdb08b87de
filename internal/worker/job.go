// Package worker provides a goroutine pool that claims tasks through the
// engine, runs a handler registered for the task's queue type, and submits
// the outcome.
//
// Handlers are registered per queue type before calling Pool.Start. Each
// type gets a fixed number of polling goroutines; a shared monitor goroutine
// samples how many leases have lapsed without a result.
package worker

import (
	"context"
	"encoding/json"
)

// Handler is the function executed for each claimed task. params is the
// task's stored parameters. A nil error submits the returned value as the
// task result; a non-nil error moves the task to the error state with
// {"message": err.Error()} as its error payload.
//
// ctx is cancelled when the task's lease expires.
type Handler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
