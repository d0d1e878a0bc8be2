package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/me/fairq/pkg/model"
)

type lruEntry struct {
	key   string
	value model.CacheEntry
}

// lru is a thread-safe LRU of cache entries bounded by entry count, total
// size and age. When a bound is exceeded the least recently used entries
// are evicted. saaskit's pkg/cache.LRUCache only bounds the entry count,
// with no byte budget or TTL, so it cannot enforce these limits.
type lru struct {
	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
	bytes    int64
	onEvict  func(key string, value model.CacheEntry)
}

func newLRU(maxEntries int, maxBytes int64, ttl time.Duration) *lru {
	return &lru{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
	}
}

// get returns a copy of the entry and marks it as recently used. Expired
// entries are evicted and reported as missing.
func (c *lru) get(key string, now time.Time) (model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return model.CacheEntry{}, false
	}
	entry := elem.Value.(*lruEntry)
	if c.expired(entry.value, now) {
		c.removeElement(elem)
		return model.CacheEntry{}, false
	}
	entry.value.LastAccessedAt = now
	c.eviction.MoveToFront(elem)
	return entry.value, true
}

// put adds or replaces an entry, then evicts down to the bounds.
func (c *lru) put(value model.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[value.ContentHash]; ok {
		entry := elem.Value.(*lruEntry)
		c.bytes += value.SizeBytes - entry.value.SizeBytes
		entry.value = value
		c.eviction.MoveToFront(elem)
	} else {
		elem := c.eviction.PushFront(&lruEntry{key: value.ContentHash, value: value})
		c.items[value.ContentHash] = elem
		c.bytes += value.SizeBytes
	}

	c.shrink()
}

// resize changes the bounds and evicts down to them.
func (c *lru) resize(maxEntries int, maxBytes int64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEntries, c.maxBytes, c.ttl = maxEntries, maxBytes, ttl
	c.shrink()
}

// Must be called with lock held. An entry larger than maxBytes on its own
// is evicted as well.
func (c *lru) shrink() {
	for c.eviction.Len() > 0 && c.overLimit() {
		c.evictOldest()
	}
}

func (c *lru) remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
		return true
	}
	return false
}

// purgeExpired evicts every expired entry and returns how many were removed.
func (c *lru) purgeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for elem := c.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expired(elem.Value.(*lruEntry).value, now) {
			c.removeElement(elem)
			n++
		}
		elem = prev
	}
	return n
}

func (c *lru) stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eviction.Len(), c.bytes
}

func (c *lru) stale(e model.CacheEntry, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired(e, now)
}

// Must be called with lock held.
func (c *lru) expired(e model.CacheEntry, now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.CreatedAt) > c.ttl
}

// Must be called with lock held.
func (c *lru) overLimit() bool {
	return (c.maxEntries > 0 && c.eviction.Len() > c.maxEntries) ||
		(c.maxBytes > 0 && c.bytes > c.maxBytes)
}

// Must be called with lock held.
func (c *lru) evictOldest() {
	if elem := c.eviction.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// Must be called with lock held.
func (c *lru) removeElement(elem *list.Element) {
	c.eviction.Remove(elem)
	entry := elem.Value.(*lruEntry)
	delete(c.items, entry.key)
	c.bytes -= entry.value.SizeBytes

	if c.onEvict != nil {
		c.onEvict(entry.key, entry.value)
	}
}
