package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit      int
	Offset     int
	State      string // Optional state/status filter
	WorkflowID string // Optional workflow filter (dead letters)
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// SubmitWorkflowRequest is the JSON body of POST /api/v1/workflows.
type SubmitWorkflowRequest struct {
	TenantID string       `json:"tenant_id"`
	Spec     WorkflowSpec `json:"spec"`
}

// CompleteTaskRequest is posted by workers when an attempt succeeds.
type CompleteTaskRequest struct {
	Attempt   int    `json:"attempt"`
	ResultRef string `json:"result_ref"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// FailTaskRequest is posted by workers when an attempt fails.
type FailTaskRequest struct {
	Attempt int       `json:"attempt"`
	Error   TaskError `json:"error"`
}

// CheckpointTaskRequest is posted by workers when they persist progress.
type CheckpointTaskRequest struct {
	Attempt       int    `json:"attempt"`
	CheckpointRef string `json:"checkpoint_ref"`
}

// QueueView summarises one queue for the observability surface.
type QueueView struct {
	Name               string  `json:"name"`
	ConcurrencyLimit   int     `json:"concurrency_limit"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
	Running            int     `json:"running"`
	Depth              int     `json:"depth"`
	Tokens             float64 `json:"tokens"`
	Preemptive         bool    `json:"preemptive"`
}

// TenantView reports a tenant's weight and current fair-share deficit.
type TenantView struct {
	TenantID string  `json:"tenant_id"`
	Tier     string  `json:"tier"`
	Weight   float64 `json:"weight"`
	Deficit  float64 `json:"deficit"`
}
