// Package cache short-circuits tasks whose normalized input was already
// computed, keyed by content hash.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/me/fairq/internal/config"
	"github.com/me/fairq/pkg/model"
)

// Store persists cache entries.
type Store interface {
	PutCacheEntry(ctx context.Context, e *model.CacheEntry) error
	ListCacheEntries(ctx context.Context) ([]*model.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, contentHash string) error
}

// Cache is an in-memory LRU with write-through persistence. Entries are
// immutable once stored; a lookup hands out a copy, so eviction never
// changes a result a caller already holds.
type Cache struct {
	lru    *lru
	store  Store
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	evicted []string

	onLookup func(hit bool)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLookupHook observes hits and misses.
func WithLookupHook(fn func(hit bool)) Option {
	return func(c *Cache) { c.onLookup = fn }
}

// New creates a Cache bounded by cfg.
func New(cfg config.CacheConfig, st Store, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		lru:    newLRU(cfg.MaxEntries, cfg.MaxBytes(), cfg.TTL),
		store:  st,
		now:    time.Now,
		logger: logger.With("component", "cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lru.onEvict = func(key string, _ model.CacheEntry) {
		c.mu.Lock()
		c.evicted = append(c.evicted, key)
		c.mu.Unlock()
	}
	c.logger.Debug("cache bounds", "max_entries", cfg.MaxEntries, "max_size", humanize.IBytes(uint64(cfg.MaxBytes())), "ttl", cfg.TTL)
	return c
}

// Lookup returns the entry stored under hash.
func (c *Cache) Lookup(hash string) (model.CacheEntry, bool) {
	e, ok := c.lru.get(hash, c.now())
	if c.onLookup != nil {
		c.onLookup(ok)
	}
	return e, ok
}

// Put records a completed result under hash and persists it. Storing the
// same hash twice keeps the first result.
func (c *Cache) Put(ctx context.Context, hash, resultRef string, sizeBytes int64) error {
	if hash == "" || resultRef == "" {
		return nil
	}
	now := c.now()
	e := model.CacheEntry{
		ContentHash:    hash,
		ResultRef:      resultRef,
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      sizeBytes,
	}
	if existing, ok := c.lru.get(hash, now); ok {
		e = existing
	}
	c.lru.put(e)

	var errs []error
	if err := c.store.PutCacheEntry(ctx, &e); err != nil {
		errs = append(errs, fmt.Errorf("persist cache entry: %w", err))
	}
	if err := c.flushEvictions(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Cache) flushEvictions(ctx context.Context) error {
	c.mu.Lock()
	keys := c.evicted
	c.evicted = nil
	c.mu.Unlock()

	for _, k := range keys {
		// The key may have been stored again after eviction.
		if _, ok := c.lru.get(k, c.now()); ok {
			continue
		}
		if err := c.store.DeleteCacheEntry(ctx, k); err != nil {
			return fmt.Errorf("delete evicted cache entry: %w", err)
		}
	}
	return nil
}

// Warm loads persisted entries, oldest access first, so the LRU order
// survives a restart. Expired entries are dropped.
func (c *Cache) Warm(ctx context.Context) error {
	entries, err := c.store.ListCacheEntries(ctx)
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}
	now := c.now()
	loaded := 0
	for _, e := range entries {
		if c.lru.stale(*e, now) {
			continue
		}
		c.lru.put(*e)
		loaded++
	}
	c.logger.Info("cache warmed", "entries", loaded, "skipped", len(entries)-loaded)
	return c.flushEvictions(ctx)
}

// Resize applies new bounds from a reloaded configuration.
func (c *Cache) Resize(cfg config.CacheConfig) {
	c.lru.resize(cfg.MaxEntries, cfg.MaxBytes(), cfg.TTL)
}

// Stats reports entry count and total size.
func (c *Cache) Stats() (entries int, bytes int64) {
	return c.lru.stats()
}
