package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/fairq/internal/cache"
	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/internal/logging"
	"github.com/me/fairq/internal/store"
	"github.com/me/fairq/pkg/model"
)

type fixture struct {
	store *store.SQLStore
	now   time.Time
	hits  int
	miss  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", logging.Discard())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return &fixture{store: st, now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fixture) cache(cfg config.CacheConfig) *cache.Cache {
	return cache.New(cfg, f.store, logging.Discard(),
		cache.WithClock(func() time.Time { return f.now }),
		cache.WithLookupHook(func(hit bool) {
			if hit {
				f.hits++
			} else {
				f.miss++
			}
		}),
	)
}

func TestContentHash(t *testing.T) {
	a := &model.Task{TaskType: "embed", PayloadRef: "s3://x", Inputs: map[string]any{"a": 1, "b": "two"}}
	b := &model.Task{TaskType: "embed", PayloadRef: "s3://x", Inputs: map[string]any{"b": "two", "a": 1}}
	c := &model.Task{TaskType: "embed", PayloadRef: "s3://y", Inputs: map[string]any{"a": 1, "b": "two"}}
	// Field boundaries matter: "ab"+"c" differs from "a"+"bc".
	d := &model.Task{TaskType: "ab", PayloadRef: "c"}
	e := &model.Task{TaskType: "a", PayloadRef: "bc"}

	ha, err := cache.ContentHash(a)
	require.NoError(t, err)
	hb, _ := cache.ContentHash(b)
	hc, _ := cache.ContentHash(c)
	hd, _ := cache.ContentHash(d)
	he, _ := cache.ContentHash(e)

	assert.Len(t, ha, 64)
	assert.Equal(t, ha, hb, "map order does not matter")
	assert.NotEqual(t, ha, hc)
	assert.NotEqual(t, hd, he)
}

func TestCache_PutLookup(t *testing.T) {
	f := newFixture(t)
	c := f.cache(config.CacheConfig{MaxSize: "1MiB", MaxEntries: 10, TTL: time.Hour})
	ctx := context.Background()

	_, ok := c.Lookup("h1")
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "h1", "s3://results/1", 100))
	e, ok := c.Lookup("h1")
	require.True(t, ok)
	assert.Equal(t, "s3://results/1", e.ResultRef)
	assert.Equal(t, 1, f.hits)
	assert.Equal(t, 1, f.miss)

	// Idempotent: a second result for the same hash keeps the first.
	require.NoError(t, c.Put(ctx, "h1", "s3://results/other", 5))
	e, _ = c.Lookup("h1")
	assert.Equal(t, "s3://results/1", e.ResultRef)

	persisted, err := f.store.ListCacheEntries(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "s3://results/1", persisted[0].ResultRef)
}

func TestCache_LookupReturnsCopy(t *testing.T) {
	f := newFixture(t)
	c := f.cache(config.CacheConfig{MaxSize: "1MiB", MaxEntries: 1, TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "h1", "ref-1", 1))
	held, ok := c.Lookup("h1")
	require.True(t, ok)

	// Evict h1 by exceeding the entry cap.
	require.NoError(t, c.Put(ctx, "h2", "ref-2", 1))
	_, ok = c.Lookup("h1")
	assert.False(t, ok)
	assert.Equal(t, "ref-1", held.ResultRef, "held copy survives eviction")

	persisted, _ := f.store.ListCacheEntries(ctx)
	require.Len(t, persisted, 1)
	assert.Equal(t, "h2", persisted[0].ContentHash)
}

func TestCache_ByteCapEvictsLRU(t *testing.T) {
	f := newFixture(t)
	c := f.cache(config.CacheConfig{MaxSize: "1KiB", MaxEntries: 100, TTL: time.Hour})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", "ref-a", 400))
	require.NoError(t, c.Put(ctx, "b", "ref-b", 400))
	_, _ = c.Lookup("a") // a is now most recently used
	require.NoError(t, c.Put(ctx, "c", "ref-c", 400))

	_, okA := c.Lookup("a")
	_, okB := c.Lookup("b")
	assert.True(t, okA)
	assert.False(t, okB)

	entries, bytes := c.Stats()
	assert.Equal(t, 2, entries)
	assert.Equal(t, int64(800), bytes)

	// A single entry larger than the cap is not retained.
	require.NoError(t, c.Put(ctx, "huge", "ref-huge", 4096))
	_, ok := c.Lookup("huge")
	assert.False(t, ok)
}

func TestCache_TTL(t *testing.T) {
	f := newFixture(t)
	c := f.cache(config.CacheConfig{MaxSize: "1MiB", MaxEntries: 10, TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "h1", "ref", 1))
	f.now = f.now.Add(59 * time.Second)
	_, ok := c.Lookup("h1")
	assert.True(t, ok)

	f.now = f.now.Add(2 * time.Second)
	_, ok = c.Lookup("h1")
	assert.False(t, ok)
}

func TestCache_Warm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.cache(config.CacheConfig{MaxSize: "1MiB", MaxEntries: 10, TTL: time.Hour})
	require.NoError(t, first.Put(ctx, "old", "ref-old", 1))
	f.now = f.now.Add(30 * time.Minute)
	require.NoError(t, first.Put(ctx, "new", "ref-new", 1))

	// Restart 45 minutes later: "old" has expired, "new" is still valid.
	f.now = f.now.Add(45 * time.Minute)
	second := f.cache(config.CacheConfig{MaxSize: "1MiB", MaxEntries: 10, TTL: time.Hour})
	require.NoError(t, second.Warm(ctx))

	_, ok := second.Lookup("old")
	assert.False(t, ok)
	e, ok := second.Lookup("new")
	require.True(t, ok)
	assert.Equal(t, "ref-new", e.ResultRef)
}

func TestCache_Resize(t *testing.T) {
	f := newFixture(t)
	c := f.cache(config.CacheConfig{MaxSize: "1MiB", MaxEntries: 10, TTL: time.Hour})
	ctx := context.Background()
	for _, h := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, h, "ref-"+h, 1))
	}
	c.Resize(config.CacheConfig{MaxSize: "1MiB", MaxEntries: 1, TTL: time.Hour})
	n, _ := c.Stats()
	assert.Equal(t, 1, n)
	_, ok := c.Lookup("c")
	assert.True(t, ok)
}
