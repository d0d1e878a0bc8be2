package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/me/fairq/internal/admission"
	"github.com/me/fairq/internal/observability"
	"github.com/me/fairq/internal/workerpool"
	"github.com/me/fairq/internal/workflow"
	"github.com/me/fairq/pkg/model"
)

// staleRetries bounds re-read-and-retry loops after a lost CAS race.
const staleRetries = 3

// applyEvents applies queued worker signals. Signals for attempts that are
// no longer current are dropped.
func (l *Loop) applyEvents(ctx context.Context, affected map[string]bool) {
	for _, ev := range l.drainEvents() {
		if err := l.applyEvent(ctx, ev, affected); err != nil {
			l.logger.ErrorContext(ctx, "apply worker event", "task_id", ev.taskID, "attempt", ev.attempt, "error", err)
		}
	}
}

func (l *Loop) applyEvent(ctx context.Context, ev event, affected map[string]bool) error {
	for attempt := 0; ; attempt++ {
		sctx, cancel := l.storeCtx(ctx)
		task, err := l.store.GetTask(sctx, ev.taskID)
		cancel()
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		if task == nil {
			l.logger.WarnContext(ctx, "event for unknown task", "task_id", ev.taskID)
			return nil
		}
		if !task.State.HoldsCapacity() || task.Attempts != ev.attempt {
			l.logger.DebugContext(ctx, "stale worker event ignored", "task_id", task.ID,
				"state", task.State, "attempts", task.Attempts, "event_attempt", ev.attempt)
			return nil
		}

		switch ev.kind {
		case eventComplete:
			err = l.completeTask(ctx, task, ev.result)
		case eventFail:
			err = l.failTask(ctx, task, ev.err)
		case eventCheckpoint:
			err = l.recordCheckpoint(ctx, task, ev.ref)
		}
		if err == nil {
			if task.WorkflowID != "" {
				affected[task.WorkflowID] = true
			}
			return nil
		}
		if !errors.Is(err, model.ErrStaleVersion) || attempt+1 >= staleRetries {
			return err
		}
	}
}

func (l *Loop) completeTask(ctx context.Context, task *model.Task, res model.TaskResult) error {
	now := l.now()
	next := task.Clone()
	next.State = model.TaskStateCompleted
	next.ResultRef = res.ResultRef
	next.Handle = ""
	next.EligibleAt = nil
	next.CompletedAt = &now
	next.UpdatedAt = now

	sctx, cancel := l.storeCtx(ctx)
	defer cancel()
	if err := l.store.UpdateTask(sctx, next); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	l.admission.Release(next.QueueName, next.ID)
	l.breakers.RecordResult(next.Dependency, true)
	if next.ContentHash != "" && !next.NoCache {
		if err := l.cache.Put(sctx, next.ContentHash, res.ResultRef, res.SizeBytes); err != nil {
			l.logger.WarnContext(ctx, "cache result", "task_id", next.ID, "error", err)
		}
	}
	l.logger.InfoContext(ctx, "task completed", "task_id", next.ID, "queue", next.QueueName, "attempt", next.Attempts)
	return nil
}

func (l *Loop) failTask(ctx context.Context, task *model.Task, terr model.TaskError) error {
	queue, dep := task.QueueName, task.Dependency

	sctx, cancel := l.storeCtx(ctx)
	defer cancel()
	if _, err := l.retry.OnTaskFailure(sctx, task, terr); err != nil {
		return err
	}
	l.admission.Release(queue, task.ID)
	l.recordBreaker(dep, terr.Kind)
	return nil
}

// recordBreaker feeds a failed attempt to its dependency's breaker. Only an
// unreachable dependency counts against it; any other failure says nothing
// about the dependency and gives up a HALF_OPEN trial so the next task
// becomes the trial.
func (l *Loop) recordBreaker(dep string, kind model.ErrorKind) {
	if kind == model.ErrorKindDependencyUnavailable {
		l.breakers.RecordResult(dep, false)
		return
	}
	l.breakers.CancelTrial(dep)
}

func (l *Loop) recordCheckpoint(ctx context.Context, task *model.Task, ref string) error {
	next := task.Clone()
	next.CheckpointRef = ref
	next.UpdatedAt = l.now()

	sctx, cancel := l.storeCtx(ctx)
	defer cancel()
	if err := l.store.UpdateTask(sctx, next); err != nil {
		return fmt.Errorf("record checkpoint of %s: %w", task.ID, err)
	}
	l.logger.DebugContext(ctx, "checkpoint recorded", "task_id", task.ID, "ref", ref)
	return nil
}

// enforceDeadlines fails every attempt still running past its deadline as
// if the worker had reported deadline_exceeded: the attempt is recorded and
// the task retried unless its retries are exhausted. The attempt is
// aborted and its slot released either way.
func (l *Loop) enforceDeadlines(ctx context.Context, affected map[string]bool) error {
	sctx, cancel := l.storeCtx(ctx)
	tasks, err := l.store.ListTasksByState(sctx, model.TaskStateRunning)
	cancel()
	if err != nil {
		return err
	}

	now := l.now()
	for _, task := range tasks {
		if !task.PastDeadline(now) {
			continue
		}
		attempt := task.Clone()
		terr := model.TaskError{
			Kind:    model.ErrorKindDeadlineExceeded,
			Message: fmt.Sprintf("deadline %s passed", task.Deadline.Format(time.RFC3339)),
		}

		sctx, cancel := l.storeCtx(ctx)
		res, err := l.retry.OnTaskFailure(sctx, task, terr)
		cancel()
		if err != nil {
			l.logTaskErr(ctx, "fail expired attempt", task.ID, err)
			continue
		}
		l.admission.Release(attempt.QueueName, attempt.ID)
		l.recordBreaker(attempt.Dependency, terr.Kind)

		dctx, dcancel := l.dispatchCtx(ctx)
		if err := l.pool.Cancel(dctx, attempt); err != nil {
			l.logger.WarnContext(ctx, "abort expired attempt", "task_id", task.ID, "error", err)
		}
		dcancel()
		l.logger.InfoContext(ctx, "attempt deadline exceeded", "task_id", task.ID,
			"attempt", attempt.Attempts, "outcome", res.Outcome)
		if task.WorkflowID != "" {
			affected[task.WorkflowID] = true
		}
	}
	return nil
}

// promoteEligible moves RETRYING and PREEMPTED tasks back to PENDING once
// their eligibleAt has passed.
func (l *Loop) promoteEligible(ctx context.Context) error {
	sctx, cancel := l.storeCtx(ctx)
	tasks, err := l.store.ListTasksByState(sctx, model.TaskStateRetrying, model.TaskStatePreempted)
	cancel()
	if err != nil {
		return err
	}

	now := l.now()
	for _, task := range tasks {
		if task.EligibleAt != nil && task.EligibleAt.After(now) {
			continue
		}
		next := task.Clone()
		next.State = model.TaskStatePending
		next.EligibleAt = nil
		next.UpdatedAt = now

		sctx, cancel := l.storeCtx(ctx)
		err := l.store.UpdateTask(sctx, next)
		cancel()
		if err != nil {
			l.logTaskErr(ctx, "promote task", task.ID, err)
			continue
		}
		l.logger.DebugContext(ctx, "task eligible again", "task_id", task.ID, "from", task.State)
	}
	return nil
}

// collectReady returns the PENDING tasks whose dependencies all completed.
// Tasks with a dead-lettered dependency are dead-lettered as upstream
// failures. A workflow that already lost a task and does not tolerate
// partial results contributes no candidates; finalize abandons the rest.
func (l *Loop) collectReady(ctx context.Context, affected map[string]bool) ([]*model.Task, error) {
	sctx, cancel := l.storeCtx(ctx)
	pending, err := l.store.ListTasksByState(sctx, model.TaskStatePending)
	cancel()
	if err != nil {
		return nil, err
	}

	byWorkflow := make(map[string][]*model.Task)
	for _, t := range pending {
		byWorkflow[t.WorkflowID] = append(byWorkflow[t.WorkflowID], t)
	}

	var ready []*model.Task
	for wfID, tasks := range byWorkflow {
		if wfID == "" {
			ready = append(ready, tasks...)
			continue
		}
		sctx, cancel := l.storeCtx(ctx)
		siblings, err := l.store.ListTasksByWorkflow(sctx, wfID)
		cancel()
		if err != nil {
			l.logger.ErrorContext(ctx, "list tasks for workflow", "workflow_id", wfID, "error", err)
			continue
		}
		byID := workflow.TasksByID(siblings)
		failing := l.failing(ctx, wfID, siblings)
		if failing {
			affected[wfID] = true
		}

		for _, task := range tasks {
			switch workflow.CheckReadiness(task, byID) {
			case workflow.Ready:
				if !failing {
					ready = append(ready, task)
				}
			case workflow.Blocked:
				sctx, cancel := l.storeCtx(ctx)
				_, err := l.retry.DeadLetter(sctx, task, model.TaskError{
					Kind:    model.ErrorKindUpstreamFailed,
					Message: "a dependency was dead-lettered",
				})
				cancel()
				if err != nil {
					l.logTaskErr(ctx, "dead-letter blocked task", task.ID, err)
					continue
				}
				affected[wfID] = true
			}
		}
	}
	return ready, nil
}

// failing reports whether a workflow has a dead-lettered task and fails
// because of it.
func (l *Loop) failing(ctx context.Context, wfID string, tasks []*model.Task) bool {
	dead := false
	for _, t := range tasks {
		if t.State == model.TaskStateDeadLettered {
			dead = true
			break
		}
	}
	if !dead {
		return false
	}
	sctx, cancel := l.storeCtx(ctx)
	wf, err := l.store.GetWorkflow(sctx, wfID)
	cancel()
	if err != nil || wf == nil {
		return false
	}
	return !wf.PartialTolerant
}

// shortCircuitCached completes candidates whose content hash has a cached
// result and returns the rest.
func (l *Loop) shortCircuitCached(ctx context.Context, candidates []*model.Task, affected map[string]bool) []*model.Task {
	rest := make([]*model.Task, 0, len(candidates))
	for _, task := range candidates {
		if task.ContentHash == "" || task.NoCache {
			rest = append(rest, task)
			continue
		}
		entry, ok := l.cache.Lookup(task.ContentHash)
		if !ok {
			rest = append(rest, task)
			continue
		}

		now := l.now()
		next := task.Clone()
		next.State = model.TaskStateCompleted
		next.ResultRef = entry.ResultRef
		next.CompletedAt = &now
		next.UpdatedAt = now

		sctx, cancel := l.storeCtx(ctx)
		err := l.store.UpdateTask(sctx, next)
		cancel()
		if err != nil {
			l.logTaskErr(ctx, "complete from cache", task.ID, err)
			continue
		}
		l.logger.InfoContext(ctx, "task served from cache", "task_id", task.ID, "content_hash", task.ContentHash)
		if task.WorkflowID != "" {
			affected[task.WorkflowID] = true
		}
	}
	return rest
}

func (l *Loop) listRunning(ctx context.Context) ([]*model.Task, error) {
	sctx, cancel := l.storeCtx(ctx)
	defer cancel()
	return l.store.ListTasksByState(sctx, model.TaskStateAdmitted, model.TaskStateRunning)
}

// plan is the outcome of one decision round.
type plan struct {
	dispatch    []*model.Task
	preemptions []preemption
}

type preemption struct {
	victim   *model.Task
	incoming *model.Task
}

// decide admits candidates queue by queue in fair-share order and plans
// preemptions for high-rank tasks that found their queue full. It runs in
// one critical section and touches memory only.
func (l *Loop) decide(ctx context.Context, candidates, running []*model.Task) plan {
	l.decideMu.Lock()
	defer l.decideMu.Unlock()

	l.admission.Sync(running)
	l.fairshare.Decay()

	byQueue := groupByQueue(candidates)
	runningByQueue := groupByQueue(running)
	queues := make([]string, 0, len(byQueue))
	for q := range byQueue {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	var p plan
	for _, q := range queues {
		remaining := byQueue[q]
		victims := make(map[string]bool)

	queue:
		for len(remaining) > 0 {
			eligible := remaining[:0:0]
			for _, t := range remaining {
				if l.breakers.Permits(t.Dependency) {
					eligible = append(eligible, t)
				}
			}
			pick := l.fairshare.SelectNext(eligible)
			if pick == nil {
				break
			}
			remaining = without(remaining, pick)

			d := l.admission.TryAdmit(ctx, pick)
			switch {
			case d.Admitted:
				if !l.breakers.Allow(pick.Dependency) {
					l.admission.Release(q, pick.ID)
					l.admission.Refund(q)
					continue
				}
				l.fairshare.Charge(pick.TenantID, pick.TenantTier)
				p.dispatch = append(p.dispatch, pick)

			case d.Reason == admission.ReasonCapacity:
				victim := l.preempt.SelectVictim(pick, excluding(runningByQueue[q], victims))
				if victim == nil || !l.breakers.Allow(pick.Dependency) {
					continue
				}
				victims[victim.ID] = true
				l.fairshare.Charge(pick.TenantID, pick.TenantTier)
				p.preemptions = append(p.preemptions, preemption{victim: victim, incoming: pick})

			default:
				break queue
			}
		}
	}
	return p
}

// commit carries out a plan: preemptions first, then dispatches. Every
// step is a CAS write; a lost race releases what was reserved.
func (l *Loop) commit(ctx context.Context, p plan, affected map[string]bool) {
	for _, pr := range p.preemptions {
		if err := l.preempt.Preempt(ctx, pr.victim); err != nil {
			if errors.Is(err, model.ErrCheckpointUnsupported) {
				l.logger.DebugContext(ctx, "preemption refused", "victim", pr.victim.ID, "incoming", pr.incoming.ID)
			} else {
				l.logger.WarnContext(ctx, "preemption failed", "victim", pr.victim.ID, "incoming", pr.incoming.ID, "error", err)
			}
			l.breakers.CancelTrial(pr.incoming.Dependency)
			continue
		}
		l.logger.InfoContext(ctx, "task preempted", "victim", pr.victim.ID, "incoming", pr.incoming.ID,
			"queue", pr.victim.QueueName, "checkpoint_ref", pr.victim.CheckpointRef)
		if pr.victim.WorkflowID != "" {
			affected[pr.victim.WorkflowID] = true
		}
		if d := l.admission.TryAdmit(ctx, pr.incoming); !d.Admitted {
			l.logger.InfoContext(ctx, "freed slot not claimed", "task_id", pr.incoming.ID, "reason", d.Reason)
			l.breakers.CancelTrial(pr.incoming.Dependency)
			continue
		}
		l.dispatchTask(ctx, pr.incoming, affected)
	}
	for _, task := range p.dispatch {
		l.dispatchTask(ctx, task, affected)
	}
}

// dispatchTask moves an admitted task PENDING → ADMITTED, hands it to the
// pool and records it RUNNING with the new attempt number and handle.
func (l *Loop) dispatchTask(ctx context.Context, task *model.Task, affected map[string]bool) {
	now := l.now()
	next := task.Clone()
	next.State = model.TaskStateAdmitted
	next.UpdatedAt = now

	sctx, cancel := l.storeCtx(ctx)
	err := l.store.UpdateTask(sctx, next)
	cancel()
	if err != nil {
		l.abandon(next)
		l.logTaskErr(ctx, "claim task", task.ID, err)
		return
	}

	next.Attempts++
	next.StartedAt = &now
	next.Deadline = next.AttemptDeadline(now)
	dctx, dcancel := l.dispatchCtx(ctx)
	handle, err := l.pool.Dispatch(dctx, next)
	dcancel()
	if err != nil {
		l.rollback(ctx, next, err)
		return
	}

	next.State = model.TaskStateRunning
	next.Handle = handle
	next.UpdatedAt = l.now()
	sctx, cancel = l.storeCtx(ctx)
	err = l.store.UpdateTask(sctx, next)
	cancel()
	if err != nil {
		l.logger.WarnContext(ctx, "record dispatch, aborting attempt", "task_id", next.ID, "error", err)
		dctx, dcancel := l.dispatchCtx(ctx)
		if cerr := l.pool.Cancel(dctx, next); cerr != nil {
			l.logger.WarnContext(ctx, "abort attempt", "task_id", next.ID, "error", cerr)
		}
		dcancel()
		l.admission.Release(next.QueueName, next.ID)
		l.breakers.CancelTrial(next.Dependency)
		return
	}

	l.metrics.Inc(observability.TasksDispatched, "queue", next.QueueName)
	l.logger.InfoContext(ctx, "task dispatched", "task_id", next.ID, "queue", next.QueueName,
		"tenant_id", next.TenantID, "attempt", next.Attempts, "handle", handle)
	if next.WorkflowID != "" {
		affected[next.WorkflowID] = true
	}
}

// rollback returns an ADMITTED task whose dispatch failed to PENDING.
func (l *Loop) rollback(ctx context.Context, task *model.Task, cause error) {
	if errors.Is(cause, workerpool.ErrPoolSaturated) {
		l.logger.DebugContext(ctx, "pool saturated, task stays pending", "task_id", task.ID)
	} else {
		l.logger.WarnContext(ctx, "dispatch failed", "task_id", task.ID, "error", cause)
	}

	task.State = model.TaskStatePending
	task.Attempts--
	task.StartedAt = nil
	task.Deadline = nil
	task.Handle = ""
	task.UpdatedAt = l.now()
	sctx, cancel := l.storeCtx(ctx)
	if err := l.store.UpdateTask(sctx, task); err != nil {
		l.logTaskErr(ctx, "roll back dispatch", task.ID, err)
	}
	cancel()
	l.abandon(task)
}

// abandon gives back the slot, token and breaker trial reserved for task.
func (l *Loop) abandon(task *model.Task) {
	if l.admission.Release(task.QueueName, task.ID) {
		l.admission.Refund(task.QueueName)
	}
	l.breakers.CancelTrial(task.Dependency)
}

// finalize refreshes the status of every touched workflow and retries
// undelivered notifications.
func (l *Loop) finalize(ctx context.Context, affected map[string]bool) {
	for wfID := range affected {
		for attempt := 0; attempt < staleRetries; attempt++ {
			sctx, cancel := l.storeCtx(ctx)
			err := l.workflows.FinalizeByID(sctx, wfID)
			cancel()
			if err == nil {
				break
			}
			if !errors.Is(err, model.ErrStaleVersion) {
				l.logger.ErrorContext(ctx, "finalize workflow", "workflow_id", wfID, "error", err)
				break
			}
		}
	}

	sctx, cancel := l.storeCtx(ctx)
	defer cancel()
	if err := l.workflows.NotifyPending(sctx); err != nil {
		l.logger.WarnContext(ctx, "deliver pending notifications", "error", err)
	}
}

// publish updates the gauges and syncs breaker state with the store.
func (l *Loop) publish(ctx context.Context) {
	cfg := l.holder.Current()
	sctx, cancel := l.storeCtx(ctx)
	defer cancel()

	depth, err := l.store.CountTasksByQueue(sctx, model.TaskStatePending)
	if err != nil {
		l.logger.WarnContext(ctx, "count queue depth", "error", err)
	}
	for _, q := range cfg.Queues {
		labels := observability.Labels("queue", q.Name)
		l.metrics.SetGauge(observability.QueueDepth, labels, float64(depth[q.Name]))
		l.metrics.SetGauge(observability.QueueRunning, labels, float64(l.admission.Running(q.Name)))
	}
	for tenant, d := range l.fairshare.Deficits() {
		l.metrics.SetGauge(observability.TenantDeficit, observability.Labels("tenant", tenant), d)
	}
	if n, err := l.store.CountDeadLetters(sctx); err == nil {
		l.metrics.SetGauge(observability.DeadLetterCount, nil, float64(n))
	}

	if err := l.breakers.Flush(sctx); err != nil {
		l.logger.WarnContext(ctx, "flush breakers", "error", err)
	}
	if err := l.breakers.Load(sctx); err != nil {
		l.logger.WarnContext(ctx, "load breakers", "error", err)
	}
	for _, b := range l.breakers.States() {
		l.metrics.SetGauge(observability.BreakerState, observability.Labels("dependency", b.DependencyID), breakerGauge(b.State))
	}
}

func breakerGauge(s model.BreakerState) float64 {
	switch s {
	case model.BreakerOpen:
		return 2
	case model.BreakerHalfOpen:
		return 1
	}
	return 0
}

// logTaskErr logs a per-task store error; lost CAS races are expected.
func (l *Loop) logTaskErr(ctx context.Context, msg, taskID string, err error) {
	if errors.Is(err, model.ErrStaleVersion) {
		l.logger.DebugContext(ctx, msg+": task changed concurrently", "task_id", taskID)
		return
	}
	l.logger.ErrorContext(ctx, msg, "task_id", taskID, "error", err)
}

func groupByQueue(tasks []*model.Task) map[string][]*model.Task {
	m := make(map[string][]*model.Task)
	for _, t := range tasks {
		m[t.QueueName] = append(m[t.QueueName], t)
	}
	return m
}

func without(tasks []*model.Task, drop *model.Task) []*model.Task {
	out := make([]*model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t != drop {
			out = append(out, t)
		}
	}
	return out
}

func excluding(tasks []*model.Task, ids map[string]bool) []*model.Task {
	if len(ids) == 0 {
		return tasks
	}
	out := make([]*model.Task, 0, len(tasks))
	for _, t := range tasks {
		if !ids[t.ID] {
			out = append(out, t)
		}
	}
	return out
}
