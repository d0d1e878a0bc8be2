// Package breaker tracks the health of downstream dependencies and gates
// dispatch of tasks that need them.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/pkg/model"
)

// Store persists breaker state.
type Store interface {
	ListBreakers(ctx context.Context) ([]*model.CircuitBreakerState, error)
	SaveBreaker(ctx context.Context, st *model.CircuitBreakerState) error
}

// TransitionFunc observes state changes. It runs with the registry locked
// and must not call back into it.
type TransitionFunc func(dependencyID string, from, to model.BreakerState)

type entry struct {
	state model.CircuitBreakerState
	trial bool // a HALF_OPEN trial is in flight
	dirty bool
}

// Registry holds one breaker per dependency. State changes happen in
// memory; Flush writes them to the store.
type Registry struct {
	mu       sync.Mutex
	cfg      *config.Holder
	store    Store
	breakers map[string]*entry

	now       func() time.Time
	observers []TransitionFunc
	logger    *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg *config.Holder, st Store, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    st,
		breakers: make(map[string]*entry),
		now:      time.Now,
		logger:   logger.With("component", "breaker"),
	}
}

// SetClock overrides the time source (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// OnTransition registers an observer.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) get(dep string) *entry {
	e, ok := r.breakers[dep]
	if !ok {
		policy := r.cfg.Current().BreakerPolicyFor(dep)
		e = &entry{state: model.CircuitBreakerState{
			DependencyID: dep,
			State:        model.BreakerClosed,
			ResetTimeout: policy.ResetTimeout,
			UpdatedAt:    r.now(),
		}}
		r.breakers[dep] = e
	}
	return e
}

func (r *Registry) transition(e *entry, to model.BreakerState) {
	from := e.state.State
	if from == to {
		return
	}
	now := r.now()
	e.state.State = to
	e.state.UpdatedAt = now
	e.dirty = true
	switch to {
	case model.BreakerOpen:
		e.state.OpenedAt = &now
		e.trial = false
	case model.BreakerClosed:
		e.state.FailureCount = 0
		e.state.OpenedAt = nil
		e.trial = false
	}
	r.logger.Info("breaker transition", "dependency", e.state.DependencyID, "from", from, "to", to,
		"failures", e.state.FailureCount)
	for _, fn := range r.observers {
		fn(e.state.DependencyID, from, to)
	}
}

func (r *Registry) resetElapsed(e *entry) bool {
	if e.state.OpenedAt == nil {
		return true
	}
	reset := r.cfg.Current().BreakerPolicyFor(e.state.DependencyID).ResetTimeout
	return r.now().Sub(*e.state.OpenedAt) >= reset
}

// Allow reports whether a task needing dep may be dispatched now. An OPEN
// breaker whose reset timeout has passed moves to HALF_OPEN, and exactly
// one trial is granted until its result is recorded or cancelled.
func (r *Registry) Allow(dep string) bool {
	if dep == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(dep)
	switch e.state.State {
	case model.BreakerOpen:
		if !r.resetElapsed(e) {
			return false
		}
		r.transition(e, model.BreakerHalfOpen)
		e.trial = true
		return true
	case model.BreakerHalfOpen:
		if e.trial {
			return false
		}
		e.trial = true
		return true
	default:
		return true
	}
}

// Permits is Allow without side effects.
func (r *Registry) Permits(dep string) bool {
	if dep == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.breakers[dep]
	if !ok {
		return true
	}
	switch e.state.State {
	case model.BreakerOpen:
		return r.resetElapsed(e)
	case model.BreakerHalfOpen:
		return !e.trial
	default:
		return true
	}
}

// RecordResult feeds the outcome of a call to dep. Only failures of kind
// dependency_unavailable should be reported as failures.
func (r *Registry) RecordResult(dep string, success bool) {
	if dep == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.get(dep)
	now := r.now()
	if !success {
		e.state.FailureCount++
		e.state.LastFailureAt = &now
		e.state.UpdatedAt = now
		e.dirty = true
	}

	switch e.state.State {
	case model.BreakerClosed:
		if success {
			if e.state.FailureCount != 0 {
				e.state.FailureCount = 0
				e.dirty = true
			}
			return
		}
		if e.state.FailureCount >= r.cfg.Current().BreakerPolicyFor(dep).Threshold {
			r.transition(e, model.BreakerOpen)
		}
	case model.BreakerHalfOpen:
		e.trial = false
		if success {
			r.transition(e, model.BreakerClosed)
		} else {
			r.transition(e, model.BreakerOpen)
		}
	}
}

// CancelTrial releases a granted HALF_OPEN trial whose dispatch never
// happened.
func (r *Registry) CancelTrial(dep string) {
	if dep == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.breakers[dep]; ok && e.state.State == model.BreakerHalfOpen {
		e.trial = false
	}
}

// State returns a copy of dep's breaker state.
func (r *Registry) State(dep string) model.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(dep).state
}

// States returns copies of all known breakers sorted by dependency.
func (r *Registry) States() []model.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.CircuitBreakerState, 0, len(r.breakers))
	for _, e := range r.breakers {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DependencyID < out[j].DependencyID })
	return out
}

// Load refreshes clean breakers from the store so replicas converge on
// the same view. Breakers with unflushed changes keep their local state.
func (r *Registry) Load(ctx context.Context) error {
	states, err := r.store.ListBreakers(ctx)
	if err != nil {
		return fmt.Errorf("list breakers: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		e, ok := r.breakers[st.DependencyID]
		if !ok {
			r.breakers[st.DependencyID] = &entry{state: *st}
			continue
		}
		if e.dirty || st.Version <= e.state.Version {
			continue
		}
		from := e.state.State
		e.state = *st
		if from != st.State {
			e.trial = false
			for _, fn := range r.observers {
				fn(st.DependencyID, from, st.State)
			}
		}
	}
	return nil
}

// Flush persists every breaker changed since the last flush. A breaker
// another replica updated first is reloaded on the next Load.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	var pending []model.CircuitBreakerState
	for _, e := range r.breakers {
		if e.dirty {
			pending = append(pending, e.state)
			e.dirty = false
		}
	}
	r.mu.Unlock()

	var errs []error
	for i := range pending {
		st := pending[i]
		err := r.store.SaveBreaker(ctx, &st)
		switch {
		case errors.Is(err, model.ErrStaleVersion):
			r.logger.Debug("breaker changed concurrently", "dependency", st.DependencyID)
			r.mu.Lock()
			if e, ok := r.breakers[st.DependencyID]; ok {
				// Next Load adopts the stored state.
				e.state.Version = -1
			}
			r.mu.Unlock()
		case err != nil:
			r.markDirty(st.DependencyID)
			errs = append(errs, fmt.Errorf("save breaker %s: %w", st.DependencyID, err))
		default:
			r.mu.Lock()
			if e, ok := r.breakers[st.DependencyID]; ok {
				e.state.Version = st.Version
			}
			r.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) markDirty(dep string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[dep]; ok {
		e.dirty = true
	}
}
