package model

import (
	"time"
)

// Task is a single schedulable unit of work with a queue assignment and
// dependency set.
type Task struct {
	ID            string `json:"id"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	Name          string `json:"name"`
	QueueName     string `json:"queue"`
	TenantID      string `json:"tenant_id"`
	TenantTier    string `json:"tenant_tier"`
	PriorityClass string `json:"priority_class"`

	// TaskType selects the worker handler and decides checkpoint support.
	TaskType string `json:"task_type"`

	// Dependency names the downstream system gated by a circuit breaker.
	Dependency string `json:"dependency,omitempty"`

	PayloadRef string         `json:"payload_ref,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`

	State      TaskState     `json:"state"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"max_retries"`
	Backoff    BackoffPolicy `json:"backoff"`

	CheckpointRef string `json:"checkpoint_ref,omitempty"`
	ResultRef     string `json:"result_ref,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	NoCache       bool   `json:"no_cache,omitempty"`

	// Handle is the worker pool handle of the current attempt.
	Handle string `json:"handle,omitempty"`

	LastError *TaskError      `json:"last_error,omitempty"`
	History   []AttemptRecord `json:"history,omitempty"`

	// TimeoutMs bounds each attempt; Deadline is set from it at dispatch.
	TimeoutMs  int64      `json:"timeout_ms,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	EligibleAt *time.Time `json:"eligible_at,omitempty"`

	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BackoffPolicy configures exponential retry delays for a task.
type BackoffPolicy struct {
	BaseMs int64   `json:"base_ms" yaml:"baseMs"`
	CapMs  int64   `json:"cap_ms" yaml:"capMs"`
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// TaskResult is what a worker hands back on successful completion.
type TaskResult struct {
	ResultRef string `json:"result_ref"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Clone returns a deep copy of the task. Store snapshots are cloned before
// mutation so a failed compare-and-swap leaves the caller's copy untouched.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Inputs != nil {
		c.Inputs = make(map[string]any, len(t.Inputs))
		for k, v := range t.Inputs {
			c.Inputs[k] = v
		}
	}
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.History = append([]AttemptRecord(nil), t.History...)
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	c.Deadline = cloneTime(t.Deadline)
	c.EligibleAt = cloneTime(t.EligibleAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// RunningFor returns how long the current attempt has been running.
func (t *Task) RunningFor(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return now.Sub(*t.StartedAt)
}

// AttemptDeadline returns the deadline of an attempt started at start, or
// nil when the task has no timeout.
func (t *Task) AttemptDeadline(start time.Time) *time.Time {
	if t.TimeoutMs <= 0 {
		return nil
	}
	d := start.Add(time.Duration(t.TimeoutMs) * time.Millisecond)
	return &d
}

// PastDeadline reports whether the task has a deadline that has elapsed.
func (t *Task) PastDeadline(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
