package admission

import (
	"sync"
	"time"
)

// BucketConfig sizes one token bucket. A zero Rate means unlimited.
type BucketConfig struct {
	Rate  float64
	Burst int
}

// BucketStore holds token buckets keyed by queue name.
type BucketStore interface {
	// Take removes one token if available.
	Take(key string, cfg BucketConfig, now time.Time) bool
	// Refund returns a token taken for a dispatch that never reached a worker.
	Refund(key string, cfg BucketConfig)
	// Tokens reports the current token count after refill.
	Tokens(key string, cfg BucketConfig, now time.Time) float64
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryStore implements BucketStore in process memory with continuous refill.
// saaskit's pkg/ratelimiter reads the wall clock and cannot return a token,
// and admission needs both a caller-supplied now and Refund.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryStore creates an empty bucket store. Buckets start full.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

func (ms *MemoryStore) refill(key string, cfg BucketConfig, now time.Time) *bucket {
	b, ok := ms.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(cfg.Burst), lastRefill: now}
		ms.buckets[key] = b
		return b
	}
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Seconds() * cfg.Rate
		b.lastRefill = now
	}
	// Clamp after every refill so a shrunken burst takes effect at once.
	b.tokens = min(b.tokens, float64(cfg.Burst))
	return b
}

func (ms *MemoryStore) Take(key string, cfg BucketConfig, now time.Time) bool {
	if cfg.Rate <= 0 {
		return true
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	b := ms.refill(key, cfg, now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (ms *MemoryStore) Refund(key string, cfg BucketConfig) {
	if cfg.Rate <= 0 {
		return
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if b, ok := ms.buckets[key]; ok {
		b.tokens = min(b.tokens+1, float64(cfg.Burst))
	}
}

func (ms *MemoryStore) Tokens(key string, cfg BucketConfig, now time.Time) float64 {
	if cfg.Rate <= 0 {
		return float64(cfg.Burst)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.refill(key, cfg, now).tokens
}
