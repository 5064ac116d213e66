// Package memory provides a bounded, cost-aware LRU memory tier.
package memory

import (
	"container/list"
	"sync"

	"github.com/meigma/imagecache/cache"
	"github.com/meigma/imagecache/raster"
)

// Default limits.
const (
	DefaultMaxEntries       = 100
	DefaultMaxCost    int64 = 50 << 20 // 50 MB
)

// EvictFunc is called after an entry is evicted to satisfy a limit.
// It is not called for Delete or Purge.
type EvictFunc func(key cache.Key, cost int64)

// Cache is an in-memory LRU cache bounded by entry count and total cost.
//
// Eviction is deterministic: on every Set the new entry becomes the most
// recently used, then least recently used entries are removed until both
// limits hold. Get refreshes recency. The cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	maxCost    int64
	cost       int64
	items      map[cache.Key]*list.Element
	order      *list.List // front = most recently used
	onEvict    EvictFunc
}

type entry struct {
	key  cache.Key
	img  raster.Image
	cost int64
}

// Interface compliance.
var _ cache.Memory = (*Cache)(nil)

// Option configures a memory cache.
type Option func(*Cache)

// WithMaxEntries sets the entry count limit. Use 0 to disable the limit.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		c.maxEntries = n
	}
}

// WithMaxCost sets the total cost limit in bytes. Use 0 to disable the limit.
func WithMaxCost(n int64) Option {
	return func(c *Cache) {
		c.maxCost = n
	}
}

// WithOnEvict registers a callback for limit-driven evictions.
// The callback runs after the cache lock is released.
func WithOnEvict(fn EvictFunc) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// New creates a memory cache with the default limits.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxEntries: DefaultMaxEntries,
		maxCost:    DefaultMaxCost,
		items:      make(map[cache.Key]*list.Element),
		order:      list.New(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.maxEntries < 0 {
		c.maxEntries = 0
	}
	if c.maxCost < 0 {
		c.maxCost = 0
	}
	return c
}

// Get returns the image cached under key and marks it most recently used.
func (c *Cache) Get(key cache.Key) (raster.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return raster.Image{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*entry).img, true //nolint:errcheck // list only holds *entry
}

// Set stores img under key with the given cost, replacing any prior value.
//
// An entry whose cost alone exceeds the cost limit is not stored, and any
// prior value for key is dropped.
func (c *Cache) Set(key cache.Key, img raster.Image, cost int64) {
	if cost < 0 {
		cost = 0
	}

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	if c.maxCost > 0 && cost > c.maxCost {
		c.mu.Unlock()
		return
	}
	c.items[key] = c.order.PushFront(&entry{key: key, img: img, cost: cost})
	c.cost += cost
	evicted := c.evictLocked()
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e.key, e.cost)
		}
	}
}

// Delete removes the entry for key, if present.
func (c *Cache) Delete(key cache.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[cache.Key]*list.Element)
	c.order.Init()
	c.cost = 0
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Cost returns the total cost of cached entries.
func (c *Cache) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}

// Keys returns cached keys from most to least recently used.
func (c *Cache) Keys() []cache.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]cache.Key, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key) //nolint:errcheck // list only holds *entry
	}
	return keys
}

func (c *Cache) evictLocked() []*entry {
	var evicted []*entry
	for c.overLimit() {
		elem := c.order.Back()
		if elem == nil {
			break
		}
		evicted = append(evicted, c.removeElement(elem))
	}
	return evicted
}

func (c *Cache) overLimit() bool {
	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		return true
	}
	return c.maxCost > 0 && c.cost > c.maxCost
}

func (c *Cache) removeElement(elem *list.Element) *entry {
	e := c.order.Remove(elem).(*entry) //nolint:errcheck // list only holds *entry
	delete(c.items, e.key)
	c.cost -= e.cost
	return e
}
