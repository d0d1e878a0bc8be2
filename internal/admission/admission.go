// Package admission enforces per-queue concurrency limits and rate limits.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/pkg/model"
)

// Rejection reasons. A rejection is a normal outcome, not an error.
const (
	ReasonCapacity     = "capacity"
	ReasonRateLimited  = "rate_limited"
	ReasonUnknownQueue = "unknown_queue"
)

// Decision is the outcome of TryAdmit.
type Decision struct {
	Admitted bool
	Reason   string
}

// Controller tracks the running set of every queue. A task occupies a slot
// from admission until Release, and is never counted twice.
type Controller struct {
	mu      sync.Mutex
	cfg     *config.Holder
	buckets BucketStore
	running map[string]map[string]struct{}

	now      func() time.Time
	onReject func(queue, reason string)
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRejectHook registers fn to observe rejections.
func WithRejectHook(fn func(queue, reason string)) Option {
	return func(c *Controller) { c.onReject = fn }
}

// NewController creates a Controller reading queue definitions from cfg.
func NewController(cfg *config.Holder, buckets BucketStore, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		buckets: buckets,
		running: make(map[string]map[string]struct{}),
		now:     time.Now,
		logger:  logger.With("component", "admission"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func bucketConfig(q config.QueueConfig) BucketConfig {
	return BucketConfig{Rate: q.RateLimitPerSecond, Burst: q.Burst}
}

// TryAdmit admits task if its queue has a free slot and a token.
func (c *Controller) TryAdmit(ctx context.Context, task *model.Task) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.cfg.Current().Queue(task.QueueName)
	if !ok {
		return c.reject(task, ReasonUnknownQueue)
	}
	set := c.running[task.QueueName]
	if _, already := set[task.ID]; already {
		return Decision{Admitted: true}
	}
	if len(set) >= q.ConcurrencyLimit {
		return c.reject(task, ReasonCapacity)
	}
	if !c.buckets.Take(q.Name, bucketConfig(q), c.now()) {
		return c.reject(task, ReasonRateLimited)
	}
	if set == nil {
		set = make(map[string]struct{})
		c.running[task.QueueName] = set
	}
	set[task.ID] = struct{}{}
	c.logger.DebugContext(ctx, "admitted", "task_id", task.ID, "queue", q.Name, "running", len(set))
	return Decision{Admitted: true}
}

func (c *Controller) reject(task *model.Task, reason string) Decision {
	c.logger.Debug("rejected", "task_id", task.ID, "queue", task.QueueName, "reason", reason)
	if c.onReject != nil {
		c.onReject(task.QueueName, reason)
	}
	return Decision{Reason: reason}
}

// CanAdmit reports whether the queue has a free slot, without side effects.
// The token bucket is not consulted.
func (c *Controller) CanAdmit(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.cfg.Current().Queue(queue)
	return ok && len(c.running[queue]) < q.ConcurrencyLimit
}

// Release frees the slot held by taskID. It reports whether the task held
// a slot, so a second release of the same task is a no-op.
func (c *Controller) Release(queue, taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.running[queue]
	if _, ok := set[taskID]; !ok {
		return false
	}
	delete(set, taskID)
	return true
}

// Refund returns one token to the queue's bucket.
func (c *Controller) Refund(queue string) {
	q, ok := c.cfg.Current().Queue(queue)
	if !ok {
		return
	}
	c.buckets.Refund(queue, bucketConfig(q))
}

// Sync replaces the running sets with the tasks the store reports as
// holding capacity. Other replicas' admissions become visible here.
func (c *Controller) Sync(tasks []*model.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	running := make(map[string]map[string]struct{})
	for _, t := range tasks {
		if !t.State.HoldsCapacity() {
			continue
		}
		set := running[t.QueueName]
		if set == nil {
			set = make(map[string]struct{})
			running[t.QueueName] = set
		}
		set[t.ID] = struct{}{}
	}
	c.running = running
}

// Running returns the number of slots in use for queue.
func (c *Controller) Running(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running[queue])
}

// RunningIDs returns the task ids holding slots in queue.
func (c *Controller) RunningIDs(queue string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.running[queue]))
	for id := range c.running[queue] {
		ids = append(ids, id)
	}
	return ids
}

// Tokens reports the queue's available tokens.
func (c *Controller) Tokens(queue string) float64 {
	q, ok := c.cfg.Current().Queue(queue)
	if !ok {
		return 0
	}
	return c.buckets.Tokens(queue, bucketConfig(q), c.now())
}
