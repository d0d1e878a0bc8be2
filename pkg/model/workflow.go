package model

import "time"

// Workflow is a DAG of Tasks submitted and tracked as one logical unit.
type Workflow struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	Name            string         `json:"name"`
	TaskIDs         []string       `json:"task_ids"`
	Status          WorkflowStatus `json:"status"`
	PartialTolerant bool           `json:"partial_tolerant"`

	// Notified is set once the terminal status has been delivered to the
	// submitting collaborator.
	Notified bool `json:"notified"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowSpec is the submitted DAG description. Task names are local to
// the submission; the orchestrator maps them to generated task IDs.
type WorkflowSpec struct {
	Name            string     `json:"name" yaml:"name"`
	PartialTolerant bool       `json:"partial_tolerant,omitempty" yaml:"partialTolerant,omitempty"`
	Tasks           []TaskSpec `json:"tasks" yaml:"tasks"`
}

// TaskSpec describes one node of a WorkflowSpec.
type TaskSpec struct {
	Name          string         `json:"name" yaml:"name"`
	Queue         string         `json:"queue,omitempty" yaml:"queue,omitempty"`
	PriorityClass string         `json:"priority_class,omitempty" yaml:"priorityClass,omitempty"`
	TaskType      string         `json:"task_type,omitempty" yaml:"taskType,omitempty"`
	Dependency    string         `json:"dependency,omitempty" yaml:"dependency,omitempty"`
	PayloadRef    string         `json:"payload_ref,omitempty" yaml:"payloadRef,omitempty"`
	Inputs        map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty" yaml:"dependsOn,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty" yaml:"maxRetries,omitempty"`
	Timeout       string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	NoCache       bool           `json:"no_cache,omitempty" yaml:"noCache,omitempty"`
}

// WorkflowEvent is delivered to the submitting collaborator when a workflow
// reaches a terminal status. ID doubles as the idempotency key.
type WorkflowEvent struct {
	WorkflowID  string         `json:"workflow_id"`
	TenantID    string         `json:"tenant_id"`
	Status      WorkflowStatus `json:"status"`
	CompletedAt time.Time      `json:"completed_at"`
}

// WorkflowStatusView is the user-facing status of a workflow: aggregate
// status, per-task states and, for failed tasks, their dead-letter records.
type WorkflowStatusView struct {
	Workflow    *Workflow           `json:"workflow"`
	Tasks       []*Task             `json:"tasks"`
	DeadLetters []*DeadLetterRecord `json:"dead_letters,omitempty"`
}
