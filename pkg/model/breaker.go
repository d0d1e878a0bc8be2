package model

import "time"

// CircuitBreakerState is the persisted health record of one dependency.
type CircuitBreakerState struct {
	DependencyID  string        `json:"dependency_id"`
	State         BreakerState  `json:"state"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time    `json:"opened_at,omitempty"`
	ResetTimeout  time.Duration `json:"reset_timeout"`
	Version       int64         `json:"version"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
