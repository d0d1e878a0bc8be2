package scheduler

import "context"

// Scheduler admits ready tasks, dispatches them to the worker pool and
// reacts to their outcomes.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error

	// Kick requests an early tick, e.g. after a submission.
	Kick()
}
