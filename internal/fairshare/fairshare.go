// Package fairshare picks the next task among admissible candidates using
// weighted deficit accounting across tenants.
package fairshare

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/pkg/model"
)

// Scheduler keeps a deficit per tenant. Tenants that recently received
// capacity accumulate deficit and lose priority until it decays.
type Scheduler struct {
	mu      sync.Mutex
	cfg     *config.Holder
	deficit map[string]float64
	logger  *slog.Logger
}

// New creates a Scheduler with every tenant's deficit at zero.
func New(cfg *config.Holder, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		deficit: make(map[string]float64),
		logger:  logger.With("component", "fairshare"),
	}
}

// Score returns the selection score of task under the current deficits.
func (s *Scheduler) Score(task *model.Task) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.score(s.cfg.Current(), task)
}

func (s *Scheduler) score(cfg *config.SchedulerConfig, task *model.Task) float64 {
	return Rank(cfg, task) - s.deficit[task.TenantID]
}

// Rank is the deficit-free weight of a task: priority class weight times
// tenant tier weight. Preemption compares tasks by rank.
func Rank(cfg *config.SchedulerConfig, task *model.Task) float64 {
	return cfg.PriorityWeight(task.PriorityClass) * cfg.TenantWeight(task.TenantTier)
}

// SelectNext returns the candidate with the highest score, or nil when
// candidates is empty. Ties go to the earliest createdAt, then task id.
func (s *Scheduler) SelectNext(candidates []*model.Task) *model.Task {
	if len(candidates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg.Current()
	var best *model.Task
	var bestScore float64
	for _, t := range candidates {
		sc := s.score(cfg, t)
		if best == nil || sc > bestScore || (sc == bestScore && earlier(t, best)) {
			best, bestScore = t, sc
		}
	}
	return best
}

func earlier(a, b *model.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Charge records that tenant received one unit of capacity.
func (s *Scheduler) Charge(tenantID, tier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.cfg.Current()
	s.deficit[tenantID] += cfg.Fairness.DeficitScale / cfg.TenantWeight(tier)
}

// Decay multiplies every deficit by the configured decay factor. Called
// once per scheduling tick.
func (s *Scheduler) Decay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	decay := s.cfg.Current().Fairness.Decay
	for tenant, d := range s.deficit {
		d *= decay
		if d < 1e-9 {
			delete(s.deficit, tenant)
			continue
		}
		s.deficit[tenant] = d
	}
}

// Deficits returns a copy of the deficit table.
func (s *Scheduler) Deficits() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(s.deficit))
	for k, v := range s.deficit {
		out[k] = v
	}
	return out
}

// Tenants returns the tenants with a non-zero deficit, sorted.
func (s *Scheduler) Tenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.deficit))
	for k := range s.deficit {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
