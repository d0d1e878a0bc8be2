package breaker_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/fairq/internal/breaker"
	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/store"
	"github.com/me/fairq/pkg/model"
)

type transition struct {
	dep      string
	from, to model.BreakerState
}

type fixture struct {
	reg         *breaker.Registry
	store       *store.SQLStore
	now         time.Time
	transitions []transition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultSchedulerConfig()
	cfg.Breakers.Threshold = 5
	cfg.Breakers.ResetTimeout = 10 * time.Second
	cfg.Breakers.Overrides = map[string]config.BreakerPolicy{"flaky": {Threshold: 2}}

	f := &fixture{store: st, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.reg = breaker.NewRegistry(config.NewHolder(cfg), st, logger)
	f.reg.SetClock(func() time.Time { return f.now })
	f.reg.OnTransition(func(dep string, from, to model.BreakerState) {
		f.transitions = append(f.transitions, transition{dep, from, to})
	})
	return f
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 4; i++ {
		f.reg.RecordResult("db", false)
		assert.True(t, f.reg.Allow("db"), "still closed after %d failures", i+1)
	}
	f.reg.RecordResult("db", false)
	assert.Equal(t, model.BreakerOpen, f.reg.State("db").State)
	assert.False(t, f.reg.Allow("db"))
	assert.False(t, f.reg.Permits("db"))
	assert.Equal(t, []transition{{"db", model.BreakerClosed, model.BreakerOpen}}, f.transitions)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.reg.RecordResult("db", false)
	}
	f.reg.RecordResult("db", true)
	for i := 0; i < 4; i++ {
		f.reg.RecordResult("db", false)
	}
	assert.Equal(t, model.BreakerClosed, f.reg.State("db").State)
}

func TestBreaker_ExactlyOneHalfOpenTrial(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.reg.RecordResult("db", false)
	}

	f.now = f.now.Add(9 * time.Second)
	assert.False(t, f.reg.Allow("db"), "reset timeout not elapsed")

	f.now = f.now.Add(time.Second)
	assert.True(t, f.reg.Permits("db"))
	assert.True(t, f.reg.Allow("db"), "first trial granted")
	assert.Equal(t, model.BreakerHalfOpen, f.reg.State("db").State)
	assert.False(t, f.reg.Allow("db"), "second trial denied")
	assert.False(t, f.reg.Permits("db"))

	// Trial fails: back to OPEN with a fresh timer.
	f.reg.RecordResult("db", false)
	assert.Equal(t, model.BreakerOpen, f.reg.State("db").State)
	assert.False(t, f.reg.Allow("db"))

	f.now = f.now.Add(10 * time.Second)
	require.True(t, f.reg.Allow("db"))
	f.reg.RecordResult("db", true)
	assert.Equal(t, model.BreakerClosed, f.reg.State("db").State)
	assert.True(t, f.reg.Allow("db"))
	assert.True(t, f.reg.Allow("db"))

	assert.Equal(t, []transition{
		{"db", model.BreakerClosed, model.BreakerOpen},
		{"db", model.BreakerOpen, model.BreakerHalfOpen},
		{"db", model.BreakerHalfOpen, model.BreakerOpen},
		{"db", model.BreakerOpen, model.BreakerHalfOpen},
		{"db", model.BreakerHalfOpen, model.BreakerClosed},
	}, f.transitions)
}

func TestBreaker_CancelTrialFreesSlot(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.reg.RecordResult("db", false)
	}
	f.now = f.now.Add(10 * time.Second)
	require.True(t, f.reg.Allow("db"))
	require.False(t, f.reg.Allow("db"))

	f.reg.CancelTrial("db")
	assert.True(t, f.reg.Allow("db"))
}

func TestBreaker_PerDependencyOverride(t *testing.T) {
	f := newFixture(t)
	f.reg.RecordResult("flaky", false)
	f.reg.RecordResult("flaky", false)
	assert.Equal(t, model.BreakerOpen, f.reg.State("flaky").State)
	assert.True(t, f.reg.Allow("other"))
}

func TestBreaker_EmptyDependencyAlwaysAllowed(t *testing.T) {
	f := newFixture(t)
	f.reg.RecordResult("", false)
	assert.True(t, f.reg.Allow(""))
	assert.Empty(t, f.reg.States())
}

func TestBreaker_FlushAndLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.reg.RecordResult("db", false)
	}
	require.NoError(t, f.reg.Flush(ctx))

	stored, err := f.store.GetBreaker(ctx, "db")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.BreakerOpen, stored.State)
	assert.Equal(t, 5, stored.FailureCount)

	// A second replica picks up the open breaker.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	other := breaker.NewRegistry(config.NewHolder(config.DefaultSchedulerConfig()), f.store, logger)
	other.SetClock(func() time.Time { return f.now })
	require.NoError(t, other.Load(ctx))
	assert.False(t, other.Allow("db"))

	// The second replica closes it; the first adopts that on Load.
	f.now = f.now.Add(time.Minute)
	require.True(t, other.Allow("db"))
	other.RecordResult("db", true)
	require.NoError(t, other.Flush(ctx))

	require.NoError(t, f.reg.Load(ctx))
	assert.Equal(t, model.BreakerClosed, f.reg.State("db").State)
}
