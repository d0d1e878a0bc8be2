// Package workerpool dispatches admitted tasks to execution units and
// relays their completion, failure and checkpoint signals.
package workerpool

import (
	"context"
	"errors"

	"github.com/me/fairq/pkg/model"
)

var (
	// ErrPoolSaturated is returned by Dispatch when no execution slot is free.
	ErrPoolSaturated = errors.New("worker pool saturated")
	// ErrNotRunning is returned when a task has no live attempt in the pool.
	ErrNotRunning = errors.New("task not running in pool")
	// ErrCheckpointed is returned by handlers that stopped after saving a
	// checkpoint on request. It is not a failure.
	ErrCheckpointed = errors.New("stopped at checkpoint")
)

// Pool is the execution backend seen by the scheduler.
type Pool interface {
	// Dispatch starts task.Attempts of task and returns a handle for it.
	Dispatch(ctx context.Context, task *model.Task) (string, error)

	// Checkpoint asks the running attempt to save its progress and stop.
	// It returns model.ErrCheckpointUnsupported when the task type cannot
	// checkpoint.
	Checkpoint(ctx context.Context, task *model.Task) (string, error)

	// Cancel aborts the running attempt, best effort. No callback follows.
	Cancel(ctx context.Context, task *model.Task) error

	// SupportsCheckpoint reports whether attempts of taskType can checkpoint.
	SupportsCheckpoint(taskType string) bool
}

// Callbacks receive attempt outcomes. attempt identifies the dispatch so
// late signals from superseded attempts can be ignored.
type Callbacks interface {
	OnComplete(taskID string, attempt int, res model.TaskResult)
	OnFail(taskID string, attempt int, terr model.TaskError)
	OnCheckpoint(taskID string, attempt int, ref string)
}

// Process exit codes understood by the exec handler and the remote worker.
const (
	ExitOK                    = 0
	ExitMalformedInput        = 65 // EX_DATAERR
	ExitDependencyUnavailable = 69 // EX_UNAVAILABLE
	ExitCheckpointed          = 75 // EX_TEMPFAIL
)

// ErrorForExitCode classifies a non-zero process exit.
func ErrorForExitCode(code int, detail string) model.TaskError {
	kind := model.ErrorKindExecutionFailed
	switch code {
	case ExitMalformedInput:
		kind = model.ErrorKindMalformedInput
	case ExitDependencyUnavailable:
		kind = model.ErrorKindDependencyUnavailable
	}
	return model.TaskError{Kind: kind, Message: detail}
}

// classify turns a handler error into a TaskError.
func classify(err error) model.TaskError {
	var terr *model.TaskError
	switch {
	case errors.As(err, &terr):
		return *terr
	case errors.Is(err, model.ErrDependencyUnavailable):
		return model.TaskError{Kind: model.ErrorKindDependencyUnavailable, Message: err.Error()}
	case errors.Is(err, model.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return model.TaskError{Kind: model.ErrorKindDeadlineExceeded, Message: err.Error()}
	}
	return model.TaskError{Kind: model.ErrorKindExecutionFailed, Message: err.Error()}
}
