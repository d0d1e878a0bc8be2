package fairshare_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/fairshare"
	"github.com/me/fairq/internal/logging"
	"github.com/me/fairq/pkg/model"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T) *fairshare.Scheduler {
	t.Helper()
	return fairshare.New(config.NewHolder(config.DefaultSchedulerConfig()), logging.Discard())
}

func task(id, tenant, tier, class string, created time.Time) *model.Task {
	return &model.Task{ID: id, TenantID: tenant, TenantTier: tier, PriorityClass: class, CreatedAt: created}
}

func TestSelectNext_Empty(t *testing.T) {
	assert.Nil(t, newScheduler(t).SelectNext(nil))
}

func TestSelectNext_HighestScoreWins(t *testing.T) {
	s := newScheduler(t)
	free := task("a", "f", "free", "high", t0)
	premium := task("b", "p", "premium", "low", t0.Add(time.Second))

	// 1×100 beats 3×10.
	assert.Equal(t, "b", s.SelectNext([]*model.Task{free, premium}).ID)
}

func TestSelectNext_TieBreaks(t *testing.T) {
	s := newScheduler(t)
	older := task("z", "t1", "standard", "normal", t0)
	newer := task("a", "t2", "standard", "normal", t0.Add(time.Millisecond))
	assert.Equal(t, "z", s.SelectNext([]*model.Task{newer, older}).ID, "earliest createdAt first")

	sameTime := task("a", "t3", "standard", "normal", t0)
	assert.Equal(t, "a", s.SelectNext([]*model.Task{older, sameTime}).ID, "then lowest id")
}

func TestCharge_LowersScore(t *testing.T) {
	s := newScheduler(t)
	p := task("p1", "acme", "premium", "normal", t0)
	before := s.Score(p)

	s.Charge("acme", "premium")
	assert.InDelta(t, before-100, s.Score(p), 1e-9, "deficitScale 10000 / weight 100")
	assert.InDelta(t, 100, s.Deficits()["acme"], 1e-9)

	s.Decay()
	assert.InDelta(t, 99, s.Deficits()["acme"], 1e-9)
	assert.Equal(t, []string{"acme"}, s.Tenants())
}

// simulate runs rounds of one decay and one selection among one ready task
// per tenant, and returns each tenant's share of selections.
func simulate(s *fairshare.Scheduler, tiers map[string]string, rounds int) map[string]float64 {
	counts := make(map[string]int)
	for r := 0; r < rounds; r++ {
		s.Decay()
		var candidates []*model.Task
		for tenant, tier := range tiers {
			candidates = append(candidates, task(tenant, tenant, tier, "normal", t0))
		}
		picked := s.SelectNext(candidates)
		s.Charge(picked.TenantID, picked.TenantTier)
		counts[picked.TenantID]++
	}
	shares := make(map[string]float64)
	for tenant, n := range counts {
		shares[tenant] = float64(n) / float64(rounds)
	}
	return shares
}

func TestFairness_TwoTenantsConvergeToWeights(t *testing.T) {
	s := newScheduler(t)
	shares := simulate(s, map[string]string{"p": "premium", "f": "free"}, 20000)

	assert.InDelta(t, 100.0/110.0, shares["p"], 0.03)
	assert.InDelta(t, 10.0/110.0, shares["f"], 0.03)
	require.Greater(t, shares["f"], 0.0, "free tier must not starve")
}

func TestFairness_ThreeTiers(t *testing.T) {
	s := newScheduler(t)
	shares := simulate(s, map[string]string{"p": "premium", "s": "standard", "f": "free"}, 20000)

	assert.InDelta(t, 100.0/160.0, shares["p"], 0.03)
	assert.InDelta(t, 50.0/160.0, shares["s"], 0.03)
	assert.InDelta(t, 10.0/160.0, shares["f"], 0.03)
}

func TestRank(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	assert.Equal(t, 300.0, fairshare.Rank(cfg, task("x", "t", "premium", "high", t0)))
	assert.Equal(t, 20.0, fairshare.Rank(cfg, task("x", "t", "unknown", "normal", t0)))
}
