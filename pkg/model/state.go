package model

// TaskState represents the lifecycle state of a Task.
type TaskState string

const (
	TaskStatePending      TaskState = "PENDING"
	TaskStateAdmitted     TaskState = "ADMITTED"
	TaskStateRunning      TaskState = "RUNNING"
	TaskStateCompleted    TaskState = "COMPLETED"
	TaskStateRetrying     TaskState = "RETRYING"
	TaskStatePreempted    TaskState = "PREEMPTED"
	TaskStateDeadLettered TaskState = "DEAD_LETTERED"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateDeadLettered:
		return true
	}
	return false
}

// HoldsCapacity reports whether a task in this state occupies a queue slot.
func (s TaskState) HoldsCapacity() bool {
	return s == TaskStateAdmitted || s == TaskStateRunning
}

// ValidTaskTransitions defines the allowed state transitions for Tasks.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStatePending:   {TaskStateAdmitted, TaskStateCompleted, TaskStateDeadLettered},
	TaskStateAdmitted:  {TaskStateRunning, TaskStatePending, TaskStateDeadLettered},
	TaskStateRunning:   {TaskStateCompleted, TaskStateRetrying, TaskStateDeadLettered, TaskStatePreempted},
	TaskStateRetrying:  {TaskStatePending, TaskStateDeadLettered},
	TaskStatePreempted: {TaskStatePending, TaskStateDeadLettered},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkflowStatus represents the aggregate state of a Workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "PENDING"
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
	WorkflowStatusPartial   WorkflowStatus = "PARTIAL"
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// String returns the string representation of the workflow status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the workflow is in a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusPartial, WorkflowStatusCancelled:
		return true
	}
	return false
}

// ValidWorkflowTransitions defines the allowed status transitions for Workflows.
var ValidWorkflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusPending: {WorkflowStatusRunning, WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusPartial, WorkflowStatusCancelled},
	WorkflowStatusRunning: {WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusPartial, WorkflowStatusCancelled},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, allowed := range ValidWorkflowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// BreakerState is the health state of a downstream dependency.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	return string(s)
}
