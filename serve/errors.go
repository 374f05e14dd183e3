// Error taxonomy for the scheduler core.

package serve

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerUnavailable means the worker process was not alive at
	// submission time, or was detected dead mid-stream.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrStartupTimeout means the worker was neither healthy nor dead
	// within the startup bound.
	ErrStartupTimeout = errors.New("worker is neither dead nor healthy")

	// ErrStartupFailure means the worker process died during startup.
	// Wrapped messages distinguish "died before healthy" from "became
	// healthy and died".
	ErrStartupFailure = errors.New("worker startup failure")

	// ErrHealthTimeout means the worker process stayed alive but never
	// reported healthy within the startup bound.
	ErrHealthTimeout = errors.New("worker did not become healthy")
)

// BatchExecutionError reports a forward step that failed for a whole batch.
// The batch is one fate: every active member is torn down and receives a
// terminal error response carrying this message.
type BatchExecutionError struct {
	Step int
	Err  error
}

func (e *BatchExecutionError) Error() string {
	return fmt.Sprintf("batch execution failed at step %d: %v", e.Step, e.Err)
}

func (e *BatchExecutionError) Unwrap() error {
	return e.Err
}
