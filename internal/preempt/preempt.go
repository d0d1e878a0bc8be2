// Package preempt suspends lower-ranked running tasks so that a
// higher-ranked arrival can take their slot in a full queue.
package preempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/fairshare"
	"github.com/me/fairq/pkg/model"
)

// DefaultCheckpointTimeout bounds a single checkpoint request.
const DefaultCheckpointTimeout = 10 * time.Second

// staleRetries bounds re-read-and-retry loops after a lost CAS race.
const staleRetries = 3

// errSettled reports that the checkpointed attempt ended some other way
// while its suspension was being recorded.
var errSettled = errors.New("attempt settled concurrently")

// Pool is the part of the worker pool preemption needs.
type Pool interface {
	Checkpoint(ctx context.Context, task *model.Task) (string, error)
	Cancel(ctx context.Context, task *model.Task) error
	SupportsCheckpoint(taskType string) bool
}

// Store persists the victim's transition.
type Store interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
}

// Slots gives back the capacity a victim held, including a breaker trial.
type Slots interface {
	ReleaseTask(task *model.Task)
}

// FailFunc reports a failed attempt to the scheduler.
type FailFunc func(taskID string, attempt int, terr model.TaskError)

// Manager picks and suspends preemption victims.
type Manager struct {
	cfg     *config.Holder
	pool    Pool
	store   Store
	slots   Slots
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	onPreempt func(queue string)
	fail      FailFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCheckpointTimeout bounds checkpoint calls to the pool.
func WithCheckpointTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithPreemptHook observes every completed preemption.
func WithPreemptHook(fn func(queue string)) Option {
	return func(m *Manager) { m.onPreempt = fn }
}

// WithFailFunc receives attempts that were suspended but whose preemption
// could not be recorded.
func WithFailFunc(fn FailFunc) Option {
	return func(m *Manager) { m.fail = fn }
}

// NewManager creates a Manager.
func NewManager(cfg *config.Holder, pool Pool, st Store, slots Slots, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		pool:    pool,
		store:   st,
		slots:   slots,
		timeout: DefaultCheckpointTimeout,
		now:     time.Now,
		logger:  logger.With("component", "preempt"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SelectVictim returns the running task incoming may displace, or nil.
// Candidates share incoming's queue, rank strictly lower, have run for at
// least the queue's minPreemptionTime and have a checkpointable task type.
// The lowest rank wins; ties go to the longest-running task. Only queues
// marked preemptive are considered. SelectVictim does no I/O.
func (m *Manager) SelectVictim(incoming *model.Task, running []*model.Task) *model.Task {
	cfg := m.cfg.Current()
	q, ok := cfg.Queue(incoming.QueueName)
	if !ok || !q.Preemptive {
		return nil
	}
	now := m.now()
	threshold := fairshare.Rank(cfg, incoming)

	var candidates []*model.Task
	for _, t := range running {
		if t.ID == incoming.ID || t.QueueName != incoming.QueueName || t.State != model.TaskStateRunning {
			continue
		}
		if fairshare.Rank(cfg, t) >= threshold {
			continue
		}
		if t.StartedAt == nil || t.RunningFor(now) < q.MinPreemptionTime {
			continue
		}
		if !m.pool.SupportsCheckpoint(t.TaskType) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := fairshare.Rank(cfg, candidates[i]), fairshare.Rank(cfg, candidates[j])
		if ri != rj {
			return ri < rj
		}
		si, sj := *candidates[i].StartedAt, *candidates[j].StartedAt
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// MaybePreempt selects a victim for incoming among running and suspends
// it. It returns the victim's id, or "" when nothing could be preempted.
// A victim whose worker cannot checkpoint is not an error: incoming waits.
func (m *Manager) MaybePreempt(ctx context.Context, incoming *model.Task, running []*model.Task) (string, error) {
	victim := m.SelectVictim(incoming, running)
	if victim == nil {
		return "", nil
	}
	if err := m.Preempt(ctx, victim); err != nil {
		if errors.Is(err, model.ErrCheckpointUnsupported) {
			return "", nil
		}
		return "", err
	}
	m.logger.InfoContext(ctx, "preempted", "victim", victim.ID, "incoming", incoming.ID, "queue", incoming.QueueName)
	return victim.ID, nil
}

// Preempt checkpoints victim and moves it RUNNING → PREEMPTED with the
// checkpoint reference set. The attempt is given back and the victim's
// slot is released. victim is updated in place on success.
func (m *Manager) Preempt(ctx context.Context, victim *model.Task) error {
	if !victim.State.CanTransitionTo(model.TaskStatePreempted) {
		return &model.InvalidTransitionError{Entity: "task", ID: victim.ID, From: string(victim.State), To: string(model.TaskStatePreempted)}
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	ref, err := m.pool.Checkpoint(cctx, victim)
	cancel()
	if err != nil {
		if errors.Is(err, model.ErrCheckpointUnsupported) {
			m.logger.DebugContext(ctx, "checkpoint unsupported, preemption refused", "task_id", victim.ID, "task_type", victim.TaskType)
		}
		return fmt.Errorf("checkpoint %s: %w", victim.ID, err)
	}

	next, err := m.commit(ctx, victim, ref)
	if err != nil {
		if !errors.Is(err, errSettled) {
			m.abandon(ctx, victim)
		}
		return fmt.Errorf("commit preemption of %s: %w", victim.ID, err)
	}
	*victim = *next

	m.slots.ReleaseTask(victim)
	if m.onPreempt != nil {
		m.onPreempt(victim.QueueName)
	}
	return nil
}

// commit records the suspension. After a lost CAS race the task is
// re-read and the transition applied again while the checkpointed attempt
// is still the current one.
func (m *Manager) commit(ctx context.Context, victim *model.Task, ref string) (*model.Task, error) {
	current := victim
	for attempt := 0; ; attempt++ {
		next := m.suspended(current, ref)
		err := m.store.UpdateTask(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, model.ErrStaleVersion) || attempt+1 >= staleRetries {
			return nil, err
		}
		fresh, err := m.store.GetTask(ctx, victim.ID)
		if err != nil {
			return nil, fmt.Errorf("re-read: %w", err)
		}
		if fresh == nil || fresh.State != model.TaskStateRunning || fresh.Attempts != victim.Attempts {
			return nil, errSettled
		}
		current = fresh
	}
}

func (m *Manager) suspended(task *model.Task, ref string) *model.Task {
	now := m.now()
	next := task.Clone()
	next.State = model.TaskStatePreempted
	next.CheckpointRef = ref
	if next.Attempts > 0 {
		next.Attempts--
	}
	next.Handle = ""
	next.StartedAt = nil
	next.Deadline = nil
	next.EligibleAt = &now
	next.UpdatedAt = now
	return next
}

// abandon stops a suspended attempt whose preemption was not recorded and
// reports it failed so its slot is not held by a task nobody runs.
func (m *Manager) abandon(ctx context.Context, victim *model.Task) {
	if err := m.pool.Cancel(ctx, victim); err != nil {
		m.logger.WarnContext(ctx, "abort suspended attempt", "task_id", victim.ID, "error", err)
	}
	if m.fail == nil {
		return
	}
	retryable := true
	m.fail(victim.ID, victim.Attempts, model.TaskError{
		Kind:      model.ErrorKindExecutionFailed,
		Message:   "preempted attempt could not be recorded",
		Retryable: &retryable,
	})
}
