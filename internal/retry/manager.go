package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/pkg/model"
)

// Store persists retry and dead-letter transitions.
type Store interface {
	UpdateTask(ctx context.Context, task *model.Task) error
	DeadLetterTask(ctx context.Context, task *model.Task, rec *model.DeadLetterRecord) error
}

// Outcome of a failure.
type Outcome int

const (
	Requeued Outcome = iota + 1
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead_lettered"
	}
	return "unknown"
}

// Result describes what OnTaskFailure did.
type Result struct {
	Outcome Outcome
	Delay   time.Duration
	Record  *model.DeadLetterRecord
}

type compiledPolicy struct {
	version int64
	policy  *Policy
}

// Manager applies retry policy and writes dead-letter records.
type Manager struct {
	cfg    *config.Holder
	store  Store
	logger *slog.Logger

	mu       sync.Mutex
	policies map[string]compiledPolicy

	now          func() time.Time
	rand         func() float64
	onDeadLetter func(rec *model.DeadLetterRecord)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand overrides the jitter source.
func WithRand(r func() float64) Option {
	return func(m *Manager) { m.rand = r }
}

// WithDeadLetterHook observes every dead-letter record written.
func WithDeadLetterHook(fn func(rec *model.DeadLetterRecord)) Option {
	return func(m *Manager) { m.onDeadLetter = fn }
}

// NewManager creates a Manager.
func NewManager(cfg *config.Holder, st Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    st,
		logger:   logger.With("component", "retry"),
		policies: make(map[string]compiledPolicy),
		now:      time.Now,
		rand:     rand.Float64,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// policyFor returns the compiled policy of queue, recompiling after a
// configuration change.
func (m *Manager) policyFor(queue string) (*Policy, error) {
	cfg := m.cfg.Current()

	m.mu.Lock()
	defer m.mu.Unlock()
	if cp, ok := m.policies[queue]; ok && cp.version == cfg.Version {
		return cp.policy, nil
	}
	q, _ := cfg.Queue(queue)
	p, err := NewPolicy(q.Retry)
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", queue, err)
	}
	m.policies[queue] = compiledPolicy{version: cfg.Version, policy: p}
	return p, nil
}

// OnTaskFailure records a failed attempt of task and either schedules a
// retry (RETRYING with eligibleAt) or dead-letters it. The transition is
// persisted with compare-and-swap; task is updated in place only when the
// write succeeded.
func (m *Manager) OnTaskFailure(ctx context.Context, task *model.Task, terr model.TaskError) (Result, error) {
	now := m.now()
	next := task.Clone()
	next.History = append(next.History, model.AttemptRecord{
		Attempt:   task.Attempts,
		Error:     terr,
		StartedAt: task.StartedAt,
		FailedAt:  now,
	})

	retryable := false
	policy, err := m.policyFor(next.QueueName)
	if err != nil {
		m.logger.Warn("retry policy unavailable, using defaults", "queue", task.QueueName, "error", err)
		retryable = terr.Retryable != nil && *terr.Retryable || terr.Retryable == nil && DefaultRetryable[terr.Kind]
	} else {
		var evalErr error
		retryable, evalErr = policy.Retryable(terr, task.Attempts, task.MaxRetries)
		if evalErr != nil {
			m.logger.Warn("retry expression failed, using defaults", "queue", task.QueueName, "error", evalErr)
		}
	}

	if !retryable || next.Attempts > next.MaxRetries {
		rec, err := m.deadLetter(ctx, next, terr, now)
		if err != nil {
			return Result{}, err
		}
		*task = *next
		return Result{Outcome: DeadLettered, Record: rec}, nil
	}

	if !next.State.CanTransitionTo(model.TaskStateRetrying) {
		return Result{}, &model.InvalidTransitionError{Entity: "task", ID: task.ID, From: string(task.State), To: string(model.TaskStateRetrying)}
	}
	delay := Delay(next.Backoff, next.Attempts, m.rand)
	eligible := now.Add(delay)
	next.State = model.TaskStateRetrying
	next.LastError = &terr
	next.EligibleAt = &eligible
	next.Handle = ""
	next.StartedAt = nil
	next.Deadline = nil
	next.UpdatedAt = now
	if err := m.store.UpdateTask(ctx, next); err != nil {
		return Result{}, fmt.Errorf("requeue task %s: %w", task.ID, err)
	}
	*task = *next
	m.logger.Info("task requeued", "task_id", task.ID, "attempt", task.Attempts, "max_retries", task.MaxRetries,
		"kind", terr.Kind, "delay", delay)
	return Result{Outcome: Requeued, Delay: delay}, nil
}

// DeadLetter moves task to DEAD_LETTERED without recording an attempt.
// Used for cancellation and upstream failures.
func (m *Manager) DeadLetter(ctx context.Context, task *model.Task, terr model.TaskError) (*model.DeadLetterRecord, error) {
	next := task.Clone()
	rec, err := m.deadLetter(ctx, next, terr, m.now())
	if err != nil {
		return nil, err
	}
	*task = *next
	return rec, nil
}

func (m *Manager) deadLetter(ctx context.Context, task *model.Task, terr model.TaskError, now time.Time) (*model.DeadLetterRecord, error) {
	if !task.State.CanTransitionTo(model.TaskStateDeadLettered) {
		return nil, &model.InvalidTransitionError{Entity: "task", ID: task.ID, From: string(task.State), To: string(model.TaskStateDeadLettered)}
	}
	task.State = model.TaskStateDeadLettered
	task.LastError = &terr
	task.EligibleAt = nil
	task.Handle = ""
	task.CompletedAt = &now
	task.UpdatedAt = now

	rec := &model.DeadLetterRecord{
		ID:              "dl_" + uuid.New().String(),
		TaskID:          task.ID,
		WorkflowID:      task.WorkflowID,
		TenantID:        task.TenantID,
		QueueName:       task.QueueName,
		FinalError:      terr,
		AttemptsHistory: append([]model.AttemptRecord(nil), task.History...),
		DeadLetteredAt:  now,
	}
	if err := m.store.DeadLetterTask(ctx, task, rec); err != nil {
		return nil, fmt.Errorf("dead-letter task %s: %w", task.ID, err)
	}
	m.logger.Warn("task dead-lettered", "task_id", task.ID, "workflow_id", task.WorkflowID,
		"kind", terr.Kind, "attempts", task.Attempts)
	if m.onDeadLetter != nil {
		m.onDeadLetter(rec)
	}
	return rec, nil
}
