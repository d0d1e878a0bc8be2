// Package workflow expands submitted DAGs into tasks, tracks
// dependency completion and reports terminal workflows exactly once.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/me/fairq/internal/cache"
	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/store"
	"github.com/me/fairq/pkg/model"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowTerminal = errors.New("workflow already terminal")
)

// staleRetries bounds re-read-and-retry loops after a lost CAS race.
const staleRetries = 3

// DeadLetterer dead-letters a task without recording an attempt.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, task *model.Task, terr model.TaskError) (*model.DeadLetterRecord, error)
}

// Aborter asks a worker to stop a running attempt.
type Aborter interface {
	Cancel(ctx context.Context, task *model.Task) error
}

// Notifier delivers terminal workflow events. The workflow id is the
// idempotency key.
type Notifier interface {
	Notify(ctx context.Context, ev model.WorkflowEvent) error
}

// Slots gives back what a task held when it leaves ADMITTED or RUNNING
// without a result: its admission slot and any breaker trial.
type Slots interface {
	ReleaseTask(task *model.Task)
}

// Readiness of a task with respect to its dependencies.
type Readiness int

const (
	// Waiting: some dependency has not completed yet.
	Waiting Readiness = iota
	// Ready: every dependency completed.
	Ready
	// Blocked: a dependency was dead-lettered or is missing.
	Blocked
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	}
	return "waiting"
}

// Orchestrator owns workflow records.
type Orchestrator struct {
	store    store.Store
	cfg      *config.Holder
	dl       DeadLetterer
	abort    Aborter
	notifier Notifier
	slots    Slots
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSlots releases the capacity of cancelled tasks immediately instead
// of at the next capacity sync.
func WithSlots(s Slots) Option {
	return func(o *Orchestrator) { o.slots = s }
}

// New creates an Orchestrator. abort may be nil.
func New(st store.Store, cfg *config.Holder, dl DeadLetterer, abort Aborter, notifier Notifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		cfg:      cfg,
		dl:       dl,
		abort:    abort,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "workflow"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates spec, expands it into PENDING tasks and stores the
// workflow with all of its tasks in one transaction. Task ids follow the
// topological order.
func (o *Orchestrator) Submit(ctx context.Context, tenantID string, spec model.WorkflowSpec) (*model.Workflow, []*model.Task, error) {
	if tenantID == "" {
		return nil, nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidWorkflow)
	}
	dag, err := BuildDAG(spec)
	if err != nil {
		return nil, nil, err
	}

	cfg := o.cfg.Current()
	now := o.now()
	tier := cfg.TierFor(tenantID)

	specs := make(map[string]model.TaskSpec, len(spec.Tasks))
	ids := make(map[string]string, len(spec.Tasks))
	for _, ts := range spec.Tasks {
		specs[ts.Name] = ts
		ids[ts.Name] = "task_" + uuid.New().String()
	}

	wf := &model.Workflow{
		ID:              "wf_" + uuid.New().String(),
		TenantID:        tenantID,
		Name:            spec.Name,
		Status:          model.WorkflowStatusPending,
		PartialTolerant: spec.PartialTolerant,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tasks := make([]*model.Task, 0, len(dag.Order))
	for i, name := range dag.Order {
		ts := specs[name]
		task, err := o.newTask(cfg, wf, tier, ts, now.Add(time.Duration(i)))
		if err != nil {
			return nil, nil, err
		}
		for _, dep := range dag.Edges[name] {
			task.DependsOn = append(task.DependsOn, ids[dep])
		}
		task.ID = ids[name]
		wf.TaskIDs = append(wf.TaskIDs, task.ID)
		tasks = append(tasks, task)
	}

	if err := o.store.CreateWorkflow(ctx, wf, tasks); err != nil {
		return nil, nil, fmt.Errorf("create workflow: %w", err)
	}
	o.logger.InfoContext(ctx, "workflow submitted", "workflow_id", wf.ID, "tenant_id", tenantID, "tier", tier, "tasks", len(tasks))
	return wf, tasks, nil
}

// newTask resolves queue, priority and retry defaults for one task spec.
// createdAt is offset per task so equal-priority tasks of one workflow keep
// their topological order.
func (o *Orchestrator) newTask(cfg *config.SchedulerConfig, wf *model.Workflow, tier string, ts model.TaskSpec, createdAt time.Time) (*model.Task, error) {
	if ts.TaskType == "" {
		return nil, fmt.Errorf("%w: task %q: task_type is required", ErrInvalidWorkflow, ts.Name)
	}
	queueName := ts.Queue
	if queueName == "" {
		queueName = cfg.DefaultQueue
	}
	q, ok := cfg.Queue(queueName)
	if !ok {
		return nil, fmt.Errorf("%w: task %q: unknown queue %q", ErrInvalidWorkflow, ts.Name, queueName)
	}
	class := ts.PriorityClass
	if class == "" {
		class = cfg.DefaultPriorityClass
	}
	if _, ok := cfg.PriorityClasses[class]; !ok {
		return nil, fmt.Errorf("%w: task %q: unknown priority class %q", ErrInvalidWorkflow, ts.Name, class)
	}
	maxRetries := q.DefaultMaxRetries
	if ts.MaxRetries != nil {
		if *ts.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: task %q: max_retries must not be negative", ErrInvalidWorkflow, ts.Name)
		}
		maxRetries = *ts.MaxRetries
	}

	task := &model.Task{
		WorkflowID:    wf.ID,
		Name:          ts.Name,
		QueueName:     q.Name,
		TenantID:      wf.TenantID,
		TenantTier:    tier,
		PriorityClass: class,
		TaskType:      ts.TaskType,
		Dependency:    ts.Dependency,
		PayloadRef:    ts.PayloadRef,
		Inputs:        ts.Inputs,
		State:         model.TaskStatePending,
		MaxRetries:    maxRetries,
		Backoff:       q.Backoff(),
		NoCache:       ts.NoCache,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	if ts.Timeout != "" {
		d, err := time.ParseDuration(ts.Timeout)
		if err != nil || d < time.Millisecond {
			return nil, fmt.Errorf("%w: task %q: invalid timeout %q", ErrInvalidWorkflow, ts.Name, ts.Timeout)
		}
		task.TimeoutMs = d.Milliseconds()
	}
	if !ts.NoCache {
		hash, err := cache.ContentHash(task)
		if err != nil {
			return nil, fmt.Errorf("%w: task %q: %v", ErrInvalidWorkflow, ts.Name, err)
		}
		task.ContentHash = hash
	}
	return task, nil
}

// Status returns the workflow, its tasks and the dead-letter records of its
// failed tasks. It returns nil, nil when the workflow does not exist.
func (o *Orchestrator) Status(ctx context.Context, id string) (*model.WorkflowStatusView, error) {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if wf == nil {
		return nil, nil
	}
	tasks, err := o.store.ListTasksByWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", id, err)
	}
	dls, err := o.store.ListDeadLettersByWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list dead letters of %s: %w", id, err)
	}
	return &model.WorkflowStatusView{Workflow: wf, Tasks: tasks, DeadLetters: dls}, nil
}

// CancelResult summarises a cancellation.
type CancelResult struct {
	Workflow       *model.Workflow `json:"workflow"`
	TasksCancelled int             `json:"tasks_cancelled"`
	TasksFinished  int             `json:"tasks_finished"`
}

// Cancel moves the workflow to CANCELLED and dead-letters every
// non-terminal task with kind cancelled. Running attempts are asked to
// abort, best effort.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	var wf *model.Workflow
	for attempt := 0; ; attempt++ {
		var err error
		wf, err = o.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get workflow %s: %w", id, err)
		}
		if wf == nil {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		if !wf.Status.CanTransitionTo(model.WorkflowStatusCancelled) {
			return nil, fmt.Errorf("%w: %s is %s", ErrWorkflowTerminal, id, wf.Status)
		}
		now := o.now()
		wf.Status = model.WorkflowStatusCancelled
		wf.CompletedAt = &now
		wf.UpdatedAt = now
		err = o.store.UpdateWorkflow(ctx, wf)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrStaleVersion) || attempt+1 >= staleRetries {
			return nil, fmt.Errorf("cancel workflow %s: %w", id, err)
		}
	}

	res := &CancelResult{Workflow: wf}
	reason := model.TaskError{Kind: model.ErrorKindCancelled, Message: "workflow cancelled"}
	for _, taskID := range wf.TaskIDs {
		cancelled, err := o.cancelTask(ctx, taskID, reason)
		if err != nil {
			o.logger.ErrorContext(ctx, "cancel task", "workflow_id", id, "task_id", taskID, "error", err)
			continue
		}
		if cancelled {
			res.TasksCancelled++
		} else {
			res.TasksFinished++
		}
	}
	o.logger.InfoContext(ctx, "workflow cancelled", "workflow_id", id,
		"tasks_cancelled", res.TasksCancelled, "tasks_finished", res.TasksFinished)
	return res, nil
}

// cancelTask dead-letters one task with reason, re-reading it after a lost
// CAS race. It reports false when the task was already terminal.
func (o *Orchestrator) cancelTask(ctx context.Context, taskID string, reason model.TaskError) (bool, error) {
	for attempt := 0; ; attempt++ {
		task, err := o.store.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if task == nil || task.State.IsTerminal() {
			return false, nil
		}
		held := task.State.HoldsCapacity()
		wasRunning := task.State == model.TaskStateRunning
		attemptTask := task.Clone()

		_, err = o.dl.DeadLetter(ctx, task, reason)
		if err == nil {
			if held && o.slots != nil {
				o.slots.ReleaseTask(attemptTask)
			}
			if wasRunning && o.abort != nil {
				if err := o.abort.Cancel(ctx, attemptTask); err != nil {
					o.logger.WarnContext(ctx, "abort running task", "task_id", taskID, "error", err)
				}
			}
			return true, nil
		}
		if !errors.Is(err, model.ErrStaleVersion) || attempt+1 >= staleRetries {
			return false, err
		}
	}
}

// CheckReadiness reports whether task may run given its siblings, keyed by
// task id.
func CheckReadiness(task *model.Task, siblings map[string]*model.Task) Readiness {
	result := Ready
	for _, depID := range task.DependsOn {
		dep, ok := siblings[depID]
		if !ok {
			return Blocked
		}
		switch dep.State {
		case model.TaskStateDeadLettered:
			return Blocked
		case model.TaskStateCompleted:
		default:
			result = Waiting
		}
	}
	return result
}

// TasksByID indexes tasks by id.
func TasksByID(tasks []*model.Task) map[string]*model.Task {
	m := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

// Aggregate derives the workflow status implied by its tasks. The second
// result reports whether that status is final. A workflow that does not
// tolerate partial results fails as soon as one task is dead-lettered.
func Aggregate(wf *model.Workflow, tasks []*model.Task) (model.WorkflowStatus, bool) {
	allTerminal, started, anyDead := true, false, false
	for _, t := range tasks {
		if t.State != model.TaskStatePending || t.Attempts > 0 {
			started = true
		}
		if !t.State.IsTerminal() {
			allTerminal = false
		}
		if t.State == model.TaskStateDeadLettered {
			anyDead = true
		}
	}
	switch {
	case anyDead && !wf.PartialTolerant:
		return model.WorkflowStatusFailed, true
	case !allTerminal:
		return activeStatus(started), false
	case !anyDead:
		return model.WorkflowStatusCompleted, true
	case wf.PartialTolerant:
		return model.WorkflowStatusPartial, true
	default:
		return model.WorkflowStatusFailed, true
	}
}

func activeStatus(started bool) model.WorkflowStatus {
	if started {
		return model.WorkflowStatusRunning
	}
	return model.WorkflowStatusPending
}

// Finalize commits the status implied by the workflow's tasks and, once
// the workflow is terminal, delivers the notification. The terminal status
// is committed before notifying; notified is set only after delivery
// succeeded. A crash in between re-delivers under the same idempotency key.
// The remaining tasks of a FAILED workflow are dead-lettered.
func (o *Orchestrator) Finalize(ctx context.Context, wf *model.Workflow, tasks []*model.Task) error {
	if !wf.Status.IsTerminal() {
		status, done := Aggregate(wf, tasks)
		if status != wf.Status && wf.Status.CanTransitionTo(status) {
			now := o.now()
			next := *wf
			next.Status = status
			next.UpdatedAt = now
			if done {
				next.CompletedAt = &now
			}
			if err := o.store.UpdateWorkflow(ctx, &next); err != nil {
				return fmt.Errorf("update workflow %s: %w", wf.ID, err)
			}
			*wf = next
			if done {
				o.logger.InfoContext(ctx, "workflow finalized", "workflow_id", wf.ID, "status", wf.Status)
			} else {
				o.logger.InfoContext(ctx, "workflow running", "workflow_id", wf.ID)
			}
		}
	}
	if wf.Status == model.WorkflowStatusFailed {
		o.abandonRemaining(ctx, wf, tasks)
	}
	if wf.Status.IsTerminal() && !wf.Notified {
		return o.notify(ctx, wf)
	}
	return nil
}

// abandonRemaining dead-letters the non-terminal tasks of a failed
// workflow so none of them is dispatched.
func (o *Orchestrator) abandonRemaining(ctx context.Context, wf *model.Workflow, tasks []*model.Task) {
	reason := model.TaskError{Kind: model.ErrorKindCancelled, Message: "workflow failed"}
	n := 0
	for _, t := range tasks {
		if t.State.IsTerminal() {
			continue
		}
		cancelled, err := o.cancelTask(ctx, t.ID, reason)
		if err != nil {
			o.logger.ErrorContext(ctx, "abandon task of failed workflow", "workflow_id", wf.ID, "task_id", t.ID, "error", err)
			continue
		}
		if cancelled {
			n++
		}
	}
	if n > 0 {
		o.logger.InfoContext(ctx, "tasks of failed workflow abandoned", "workflow_id", wf.ID, "tasks", n)
	}
}

// FinalizeByID loads a workflow and its tasks and finalizes it.
func (o *Orchestrator) FinalizeByID(ctx context.Context, id string) error {
	wf, err := o.store.GetWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("get workflow %s: %w", id, err)
	}
	if wf == nil {
		return nil
	}
	tasks, err := o.store.ListTasksByWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("list tasks of %s: %w", id, err)
	}
	return o.Finalize(ctx, wf, tasks)
}

// NotifyPending retries delivery for terminal workflows whose notification
// has not been confirmed.
func (o *Orchestrator) NotifyPending(ctx context.Context) error {
	pending, err := o.store.ListUnnotifiedWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list unnotified workflows: %w", err)
	}
	var errs []error
	for _, wf := range pending {
		if err := o.notify(ctx, wf); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) notify(ctx context.Context, wf *model.Workflow) error {
	ev := model.WorkflowEvent{
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		Status:     wf.Status,
	}
	if wf.CompletedAt != nil {
		ev.CompletedAt = *wf.CompletedAt
	}
	if err := o.notifier.Notify(ctx, ev); err != nil {
		return fmt.Errorf("notify workflow %s: %w", wf.ID, err)
	}

	next := *wf
	next.Notified = true
	next.UpdatedAt = o.now()
	if err := o.store.UpdateWorkflow(ctx, &next); err != nil {
		// Another replica confirmed first; the notifier dedupes on the id.
		if errors.Is(err, model.ErrStaleVersion) {
			return nil
		}
		return fmt.Errorf("mark workflow %s notified: %w", wf.ID, err)
	}
	*wf = next
	return nil
}
