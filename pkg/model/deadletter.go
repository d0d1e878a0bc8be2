package model

import (
	"fmt"
	"time"
)

// ErrorKind classifies a task failure.
type ErrorKind string

const (
	ErrorKindDependencyUnavailable ErrorKind = "dependency_unavailable"
	ErrorKindExecutionFailed       ErrorKind = "execution_failed"
	ErrorKindDeadlineExceeded      ErrorKind = "deadline_exceeded"
	ErrorKindMalformedInput        ErrorKind = "malformed_input"
	ErrorKindCancelled             ErrorKind = "cancelled"
	ErrorKindUpstreamFailed        ErrorKind = "upstream_failed"
)

// TaskError is a classified execution error recorded on a Task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// Retryable, when set by the worker, overrides the queue policy.
	Retryable *bool `json:"retryable,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AttemptRecord captures one failed execution attempt.
type AttemptRecord struct {
	Attempt   int        `json:"attempt"`
	Error     TaskError  `json:"error"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	FailedAt  time.Time  `json:"failed_at"`
}

// DeadLetterRecord is terminal storage for a task that exhausted retries or
// failed unrecoverably. Records are append-only.
type DeadLetterRecord struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	WorkflowID      string          `json:"workflow_id,omitempty"`
	TenantID        string          `json:"tenant_id"`
	QueueName       string          `json:"queue"`
	FinalError      TaskError       `json:"final_error"`
	AttemptsHistory []AttemptRecord `json:"attempts_history"`
	DeadLetteredAt  time.Time       `json:"dead_lettered_at"`
}
