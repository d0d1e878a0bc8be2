package model

import "testing"

func TestTaskState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskStatePending, false},
		{TaskStateAdmitted, false},
		{TaskStateRunning, false},
		{TaskStateCompleted, true},
		{TaskStateRetrying, false},
		{TaskStatePreempted, false},
		{TaskStateDeadLettered, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("TaskState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestTaskState_HoldsCapacity(t *testing.T) {
	for _, s := range []TaskState{TaskStateAdmitted, TaskStateRunning} {
		if !s.HoldsCapacity() {
			t.Errorf("%s.HoldsCapacity() = false, want true", s)
		}
	}
	for _, s := range []TaskState{TaskStatePending, TaskStateCompleted, TaskStateRetrying, TaskStatePreempted, TaskStateDeadLettered} {
		if s.HoldsCapacity() {
			t.Errorf("%s.HoldsCapacity() = true, want false", s)
		}
	}
}

func TestTaskState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  TaskState
		to    TaskState
		valid bool
	}{
		// Valid transitions
		{TaskStatePending, TaskStateAdmitted, true},
		{TaskStatePending, TaskStateCompleted, true},
		{TaskStatePending, TaskStateDeadLettered, true},
		{TaskStateAdmitted, TaskStateRunning, true},
		{TaskStateAdmitted, TaskStatePending, true},
		{TaskStateRunning, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateRetrying, true},
		{TaskStateRunning, TaskStatePreempted, true},
		{TaskStateRunning, TaskStateDeadLettered, true},
		{TaskStateRetrying, TaskStatePending, true},
		{TaskStatePreempted, TaskStatePending, true},

		// Invalid transitions
		{TaskStatePending, TaskStateRunning, false},
		{TaskStateAdmitted, TaskStateCompleted, false},
		{TaskStateRunning, TaskStatePending, false},
		{TaskStateCompleted, TaskStatePending, false},
		{TaskStateDeadLettered, TaskStatePending, false},
		{TaskStateRetrying, TaskStateRunning, false},
		{TaskStatePreempted, TaskStateRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   WorkflowStatus
		terminal bool
	}{
		{WorkflowStatusPending, false},
		{WorkflowStatusRunning, false},
		{WorkflowStatusCompleted, true},
		{WorkflowStatusFailed, true},
		{WorkflowStatusPartial, true},
		{WorkflowStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("WorkflowStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestWorkflowStatus_CanTransitionTo(t *testing.T) {
	if !WorkflowStatusRunning.CanTransitionTo(WorkflowStatusCompleted) {
		t.Error("RUNNING -> COMPLETED should be valid")
	}
	if WorkflowStatusCompleted.CanTransitionTo(WorkflowStatusRunning) {
		t.Error("COMPLETED -> RUNNING should be invalid")
	}
	if WorkflowStatusCancelled.CanTransitionTo(WorkflowStatusFailed) {
		t.Error("CANCELLED -> FAILED should be invalid")
	}
}
