package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/me/fairq/internal/admission"
	"github.com/me/fairq/internal/breaker"
	"github.com/me/fairq/internal/cache"
	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/fairshare"
	"github.com/me/fairq/internal/observability"
	"github.com/me/fairq/internal/preempt"
	"github.com/me/fairq/internal/retry"
	"github.com/me/fairq/internal/store"
	"github.com/me/fairq/internal/workerpool"
	"github.com/me/fairq/internal/workflow"
	"github.com/me/fairq/pkg/model"
)

// Config holds scheduler loop timing.
type Config struct {
	TickInterval      time.Duration
	DispatchTimeout   time.Duration
	StoreTimeout      time.Duration
	CheckpointTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      500 * time.Millisecond,
		DispatchTimeout:   5 * time.Second,
		StoreTimeout:      5 * time.Second,
		CheckpointTimeout: preempt.DefaultCheckpointTimeout,
	}
}

// ConfigFrom extracts the loop timing from the server config.
func ConfigFrom(sc config.ServerConfig) Config {
	return Config{
		TickInterval:      sc.TickInterval,
		DispatchTimeout:   sc.DispatchTimeout,
		StoreTimeout:      sc.StoreTimeout,
		CheckpointTimeout: sc.CheckpointTimeout,
	}
}

type eventKind int

const (
	eventComplete eventKind = iota
	eventFail
	eventCheckpoint
)

// event is a worker signal waiting for the next tick.
type event struct {
	kind    eventKind
	taskID  string
	attempt int
	result  model.TaskResult
	err     model.TaskError
	ref     string
}

// Option configures a Loop.
type Option func(*options)

type options struct {
	now     func() time.Time
	rand    func() float64
	metrics *observability.Registry
}

// WithClock overrides the time source of the loop and its components.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRand overrides the retry jitter source.
func WithRand(r func() float64) Option {
	return func(o *options) { o.rand = r }
}

// WithMetrics publishes to reg instead of observability.Default.
func WithMetrics(reg *observability.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// Loop implements Scheduler with a ticker, a kick channel and an event
// queue fed by the worker pool callbacks.
type Loop struct {
	store  store.Store
	pool   workerpool.Pool
	holder *config.Holder
	config Config

	admission *admission.Controller
	fairshare *fairshare.Scheduler
	breakers  *breaker.Registry
	cache     *cache.Cache
	retry     *retry.Manager
	preempt   *preempt.Manager
	workflows *workflow.Orchestrator
	metrics   *observability.Registry

	// decideMu serialises scheduling decisions.
	decideMu sync.Mutex
	// tickMu keeps ticks from overlapping.
	tickMu sync.Mutex

	evMu   sync.Mutex
	events []event

	kickCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	now    func() time.Time
	logger *slog.Logger
}

// NewLoop builds the scheduling components around st and pool and returns
// a ready loop. The caller registers the loop as the pool's callbacks.
func NewLoop(st store.Store, pool workerpool.Pool, holder *config.Holder, notifier workflow.Notifier, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	o := options{
		now:     func() time.Time { return time.Now().UTC() },
		rand:    rand.Float64,
		metrics: observability.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	reg := o.metrics

	l := &Loop{
		store:   st,
		pool:    pool,
		holder:  holder,
		config:  cfg,
		metrics: reg,
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		now:     o.now,
		logger:  logger.With("component", "scheduler"),
	}

	l.admission = admission.NewController(holder, admission.NewMemoryStore(), logger,
		admission.WithClock(o.now),
		admission.WithRejectHook(func(queue, reason string) {
			reg.Inc(observability.AdmissionRejected, "queue", queue, "reason", reason)
		}),
	)
	l.fairshare = fairshare.New(holder, logger)

	l.breakers = breaker.NewRegistry(holder, st, logger)
	l.breakers.SetClock(o.now)
	l.breakers.OnTransition(func(dep string, from, to model.BreakerState) {
		reg.Inc(observability.BreakerTransitions, "dependency", dep, "from", string(from), "to", string(to))
	})

	l.cache = cache.New(holder.Current().Cache, st, logger,
		cache.WithClock(o.now),
		cache.WithLookupHook(func(hit bool) {
			if hit {
				reg.Inc(observability.CacheHits)
			} else {
				reg.Inc(observability.CacheMisses)
			}
		}),
	)
	holder.OnChange(func(_, next *config.SchedulerConfig) {
		l.cache.Resize(next.Cache)
	})

	l.retry = retry.NewManager(holder, st, logger,
		retry.WithClock(o.now),
		retry.WithRand(o.rand),
		retry.WithDeadLetterHook(func(*model.DeadLetterRecord) {
			reg.Inc(observability.DeadLettersTotal)
		}),
	)

	ckptTimeout := cfg.CheckpointTimeout
	if ckptTimeout <= 0 {
		ckptTimeout = preempt.DefaultCheckpointTimeout
	}
	slots := capacity{admission: l.admission, breakers: l.breakers}
	l.preempt = preempt.NewManager(holder, pool, st, slots, logger,
		preempt.WithClock(o.now),
		preempt.WithCheckpointTimeout(ckptTimeout),
		preempt.WithFailFunc(l.OnFail),
		preempt.WithPreemptHook(func(queue string) {
			reg.Inc(observability.Preemptions, "queue", queue)
		}),
	)

	l.workflows = workflow.New(st, holder, l.retry, pool, notifier, logger,
		workflow.WithClock(o.now),
		workflow.WithSlots(slots),
	)
	return l
}

// capacity gives back what a task held when it leaves ADMITTED or RUNNING
// without a result: its admission slot and, if it was one, the HALF_OPEN
// trial of its dependency's breaker.
type capacity struct {
	admission *admission.Controller
	breakers  *breaker.Registry
}

func (c capacity) ReleaseTask(task *model.Task) {
	c.admission.Release(task.QueueName, task.ID)
	c.breakers.CancelTrial(task.Dependency)
}

// Admission returns the admission controller.
func (l *Loop) Admission() *admission.Controller { return l.admission }

// FairShare returns the fair-share scheduler.
func (l *Loop) FairShare() *fairshare.Scheduler { return l.fairshare }

// Breakers returns the circuit breaker registry.
func (l *Loop) Breakers() *breaker.Registry { return l.breakers }

// Cache returns the result cache.
func (l *Loop) Cache() *cache.Cache { return l.cache }

// Workflows returns the workflow orchestrator.
func (l *Loop) Workflows() *workflow.Orchestrator { return l.workflows }

// Config returns the scheduler config holder.
func (l *Loop) Config() *config.Holder { return l.holder }

// Init restores breaker state and warms the cache from the store.
func (l *Loop) Init(ctx context.Context) error {
	if err := l.breakers.Load(ctx); err != nil {
		return fmt.Errorf("load breakers: %w", err)
	}
	if err := l.cache.Warm(ctx); err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	return nil
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	defer close(l.doneCh)
	if err := l.Init(ctx); err != nil {
		l.logger.Error("scheduler init", "error", err)
	}
	l.logger.Info("scheduler started", "tick_interval", l.config.TickInterval)
	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			return nil
		case <-ticker.C:
		case <-l.kickCh:
		}
		if err := l.Tick(ctx); err != nil {
			l.logger.Error("tick error", "error", err)
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

// Kick requests a tick without waiting for the ticker.
func (l *Loop) Kick() {
	select {
	case l.kickCh <- struct{}{}:
	default:
	}
}

// OnComplete queues a successful attempt.
func (l *Loop) OnComplete(taskID string, attempt int, res model.TaskResult) {
	l.enqueue(event{kind: eventComplete, taskID: taskID, attempt: attempt, result: res})
}

// OnFail queues a failed attempt.
func (l *Loop) OnFail(taskID string, attempt int, terr model.TaskError) {
	l.enqueue(event{kind: eventFail, taskID: taskID, attempt: attempt, err: terr})
}

// OnCheckpoint queues a progress checkpoint of a running attempt.
func (l *Loop) OnCheckpoint(taskID string, attempt int, ref string) {
	l.enqueue(event{kind: eventCheckpoint, taskID: taskID, attempt: attempt, ref: ref})
}

func (l *Loop) enqueue(ev event) {
	l.evMu.Lock()
	l.events = append(l.events, ev)
	l.evMu.Unlock()
	l.Kick()
}

func (l *Loop) drainEvents() []event {
	l.evMu.Lock()
	defer l.evMu.Unlock()
	evs := l.events
	l.events = nil
	return evs
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) error {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	ctx, span := observability.StartSpan(ctx, "scheduler.tick")
	defer span.End()
	start := time.Now()

	affected := make(map[string]bool) // workflow ids touched this tick

	// Phase 1: Apply worker events.
	l.applyEvents(ctx, affected)

	// Phase 2: Enforce deadlines of in-flight and waiting tasks.
	if err := l.enforceDeadlines(ctx, affected); err != nil {
		return fmt.Errorf("phase 2 (deadlines): %w", err)
	}

	// Phase 3: Promote RETRYING and PREEMPTED tasks whose time has come.
	if err := l.promoteEligible(ctx); err != nil {
		return fmt.Errorf("phase 3 (promote): %w", err)
	}

	// Phase 4: Dead-letter blocked tasks, collect ready ones.
	candidates, err := l.collectReady(ctx, affected)
	if err != nil {
		return fmt.Errorf("phase 4 (readiness): %w", err)
	}

	// Phase 5: Complete ready tasks from the result cache.
	candidates = l.shortCircuitCached(ctx, candidates, affected)

	// Phase 6: Decide admissions and preemptions.
	running, err := l.listRunning(ctx)
	if err != nil {
		return fmt.Errorf("phase 6 (decide): %w", err)
	}
	p := l.decide(ctx, candidates, running)

	// Phase 7: Commit the plan.
	l.commit(ctx, p, affected)

	// Phase 8: Finalize workflows and deliver notifications.
	l.finalize(ctx, affected)

	// Phase 9: Publish gauges and persist breakers.
	l.publish(ctx)

	span.SetAttributes(
		attribute.Int("fairq.candidates", len(candidates)),
		attribute.Int("fairq.dispatched", len(p.dispatch)),
		attribute.Int("fairq.preemptions", len(p.preemptions)),
	)
	l.metrics.SetGauge(observability.SchedulerTickDuration, nil, time.Since(start).Seconds())
	return nil
}

// storeCtx bounds one store round trip.
func (l *Loop) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.config.StoreTimeout)
}

func (l *Loop) dispatchCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.config.DispatchTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.config.DispatchTimeout)
}

var (
	_ Scheduler            = (*Loop)(nil)
	_ workerpool.Callbacks = (*Loop)(nil)
)
