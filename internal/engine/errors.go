package engine

import (
	"errors"
	"fmt"

	"github.com/scarson/batchq/internal/store"
)

var (
	// ErrQueueNotFound is returned when the addressed queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrTaskNotFound is returned when the addressed task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrResultConflict is returned when a result is submitted for a task that
	// is not processing, or whose lease was taken over by another claim.
	ErrResultConflict = errors.New("task is not leased to the submitter")
)

// ValidationError reports caller input the engine refuses to act on.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StorageError wraps a store failure. The enclosing transaction has already
// been rolled back when it is returned.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr maps store sentinels onto the engine taxonomy and wraps
// everything else in a StorageError. notFound is the sentinel that
// store.ErrNotFound means for op.
func storageErr(op string, err error, notFound error) error {
	switch {
	case errors.Is(err, store.ErrNotFound) && notFound != nil:
		return notFound
	case errors.Is(err, store.ErrConflict):
		return ErrResultConflict
	case errors.Is(err, store.ErrDuplicateTaskID):
		return invalid("tasks", "task id already exists in queue")
	}
	return &StorageError{Op: op, Err: err}
}
