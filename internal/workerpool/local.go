package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/me/fairq/pkg/model"
)

// Handler executes one attempt of a task. Returning ErrCheckpointed after
// Checkpointer.Save on request ends the attempt without a callback.
type Handler func(ctx context.Context, task *model.Task, ckpt Checkpointer) (model.TaskResult, error)

// Checkpointer connects a running handler to preemption.
type Checkpointer interface {
	// ResumeRef is the checkpoint to resume from, "" on a fresh start.
	ResumeRef() string
	// Requested is closed when the scheduler wants the attempt to stop.
	Requested() <-chan struct{}
	// Save records progress. After a request it hands ref to the scheduler
	// and the handler should return ErrCheckpointed.
	Save(ref string)
}

type handlerEntry struct {
	fn             Handler
	checkpointable bool
}

// run is one live attempt.
type run struct {
	task      *model.Task
	handle    string
	cancel    context.CancelFunc
	requested chan struct{}
	reqOnce   sync.Once

	// guarded by LocalPool.mu
	waiter    chan string
	suspended bool
	aborted   bool
}

// LocalPool runs handlers in goroutines, bounded by a semaphore.
type LocalPool struct {
	mu       sync.Mutex
	handlers map[string]handlerEntry
	runs     map[string]*run
	sem      chan struct{}
	wg       sync.WaitGroup

	callbacks Callbacks
	logger    *slog.Logger
}

// NewLocalPool creates a pool executing at most workers attempts at once.
func NewLocalPool(workers int, callbacks Callbacks, logger *slog.Logger) *LocalPool {
	if workers <= 0 {
		workers = 1
	}
	return &LocalPool{
		handlers:  make(map[string]handlerEntry),
		runs:      make(map[string]*run),
		sem:       make(chan struct{}, workers),
		callbacks: callbacks,
		logger:    logger.With("component", "local-pool"),
	}
}

// SetCallbacks replaces the callback receiver. Call before the first
// Dispatch.
func (p *LocalPool) SetCallbacks(cb Callbacks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = cb
}

// Register installs the handler for taskType.
func (p *LocalPool) Register(taskType string, fn Handler, checkpointable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = handlerEntry{fn: fn, checkpointable: checkpointable}
	p.logger.Info("handler registered", "task_type", taskType, "checkpointable", checkpointable)
}

// SupportsCheckpoint reports whether taskType's handler can checkpoint.
func (p *LocalPool) SupportsCheckpoint(taskType string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[taskType].checkpointable
}

// Dispatch starts the attempt in a new goroutine. An unknown task type is
// accepted and reported as malformed input through OnFail.
func (p *LocalPool) Dispatch(ctx context.Context, task *model.Task) (string, error) {
	select {
	case p.sem <- struct{}{}:
	default:
		return "", ErrPoolSaturated
	}

	p.mu.Lock()
	entry, ok := p.handlers[task.TaskType]
	if !ok {
		entry = handlerEntry{fn: unknownType}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		task:      task.Clone(),
		handle:    "local:" + uuid.New().String(),
		cancel:    cancel,
		requested: make(chan struct{}),
	}
	if prev, ok := p.runs[task.ID]; ok {
		// A superseded attempt is still winding down; it must not report.
		prev.aborted = true
		prev.cancel()
	}
	p.runs[task.ID] = r
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "dispatched", "task_id", task.ID, "attempt", task.Attempts, "handle", r.handle)

	p.wg.Add(1)
	go p.execute(runCtx, r, entry.fn)
	return r.handle, nil
}

func unknownType(_ context.Context, task *model.Task, _ Checkpointer) (model.TaskResult, error) {
	return model.TaskResult{}, &model.TaskError{
		Kind:    model.ErrorKindMalformedInput,
		Message: fmt.Sprintf("no handler for task type %q", task.TaskType),
	}
}

func (p *LocalPool) execute(ctx context.Context, r *run, fn Handler) {
	defer p.wg.Done()
	defer func() { <-p.sem }()
	defer r.cancel()

	res, err := p.invoke(ctx, r, fn)

	p.mu.Lock()
	silent := r.suspended || r.aborted
	if p.runs[r.task.ID] == r {
		delete(p.runs, r.task.ID)
	}
	cb := p.callbacks
	p.mu.Unlock()

	if silent || cb == nil {
		return
	}
	if err != nil {
		terr := classify(err)
		p.logger.Debug("attempt failed", "task_id", r.task.ID, "attempt", r.task.Attempts, "kind", terr.Kind)
		cb.OnFail(r.task.ID, r.task.Attempts, terr)
		return
	}
	cb.OnComplete(r.task.ID, r.task.Attempts, res)
}

// invoke runs the handler and turns a panic into an execution failure.
func (p *LocalPool) invoke(ctx context.Context, r *run, fn Handler) (res model.TaskResult, err error) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("handler panic", "task_id", r.task.ID, "panic", v)
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	return fn(ctx, r.task, &checkpointer{pool: p, run: r})
}

// Checkpoint requests a checkpoint and waits for the handler's Save or
// ctx's deadline.
func (p *LocalPool) Checkpoint(ctx context.Context, task *model.Task) (string, error) {
	if !p.SupportsCheckpoint(task.TaskType) {
		return "", model.ErrCheckpointUnsupported
	}

	p.mu.Lock()
	r, ok := p.runs[task.ID]
	if !ok || (task.Handle != "" && r.handle != task.Handle) || r.suspended || r.aborted {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotRunning, task.ID)
	}
	w := make(chan string, 1)
	r.waiter = w
	p.mu.Unlock()

	r.reqOnce.Do(func() { close(r.requested) })

	select {
	case ref := <-w:
		return ref, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case ref := <-w:
		return ref, nil
	default:
	}
	r.waiter = nil
	return "", fmt.Errorf("checkpoint %s: %w", task.ID, ctx.Err())
}

// Cancel aborts the attempt. The handler's context is cancelled and its
// outcome is discarded.
func (p *LocalPool) Cancel(_ context.Context, task *model.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runs[task.ID]
	if !ok {
		return nil
	}
	r.aborted = true
	r.cancel()
	p.logger.Info("attempt cancelled", "task_id", task.ID, "handle", r.handle)
	return nil
}

// Running returns the number of live attempts.
func (p *LocalPool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runs)
}

// Wait blocks until every attempt goroutine has exited or ctx is done.
func (p *LocalPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every live attempt and waits for the goroutines.
func (p *LocalPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for _, r := range p.runs {
		r.aborted = true
		r.cancel()
	}
	p.mu.Unlock()
	return p.Wait(ctx)
}

type checkpointer struct {
	pool *LocalPool
	run  *run
}

func (c *checkpointer) ResumeRef() string          { return c.run.task.CheckpointRef }
func (c *checkpointer) Requested() <-chan struct{} { return c.run.requested }

func (c *checkpointer) Save(ref string) {
	p, r := c.pool, c.run
	p.mu.Lock()
	if r.waiter != nil {
		r.waiter <- ref
		r.waiter = nil
		r.suspended = true
		p.mu.Unlock()
		r.cancel()
		return
	}
	silent := r.suspended || r.aborted
	cb := p.callbacks
	p.mu.Unlock()

	if !silent && cb != nil {
		cb.OnCheckpoint(r.task.ID, r.task.Attempts, ref)
	}
}

var _ Pool = (*LocalPool)(nil)
