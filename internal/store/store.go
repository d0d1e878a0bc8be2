package store

import (
	"context"

	"github.com/me/fairq/pkg/model"
)

// Store defines the persistence layer for fairq entities. Every mutable
// record carries a version; Update and Save methods are compare-and-swap
// and return model.ErrStaleVersion when another writer got there first.
// On success they increment the caller's Version field.
type Store interface {
	// Workflow operations
	CreateWorkflow(ctx context.Context, wf *model.Workflow, tasks []*model.Task) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.Workflow, int, error)
	ListWorkflowsByStatus(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.Workflow, error)
	ListUnnotifiedWorkflows(ctx context.Context) ([]*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error

	// Task operations
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*model.Task, error)
	ListTasksByState(ctx context.Context, states ...model.TaskState) ([]*model.Task, error)
	ListQueueTasks(ctx context.Context, queue string, states ...model.TaskState) ([]*model.Task, error)
	CountTasksByQueue(ctx context.Context, state model.TaskState) (map[string]int, error)
	UpdateTask(ctx context.Context, task *model.Task) error

	// DeadLetterTask CAS-updates the task (already moved to DEAD_LETTERED by
	// the caller) and appends rec in one transaction.
	DeadLetterTask(ctx context.Context, task *model.Task, rec *model.DeadLetterRecord) error

	// Dead letters
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterRecord, error)
	ListDeadLetters(ctx context.Context, opts model.ListOptions) ([]*model.DeadLetterRecord, int, error)
	ListDeadLettersByWorkflow(ctx context.Context, workflowID string) ([]*model.DeadLetterRecord, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Circuit breakers. SaveBreaker inserts when Version is 0.
	GetBreaker(ctx context.Context, dependencyID string) (*model.CircuitBreakerState, error)
	ListBreakers(ctx context.Context) ([]*model.CircuitBreakerState, error)
	SaveBreaker(ctx context.Context, st *model.CircuitBreakerState) error

	// Cache entries. PutCacheEntry upserts.
	PutCacheEntry(ctx context.Context, e *model.CacheEntry) error
	ListCacheEntries(ctx context.Context) ([]*model.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, contentHash string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}
