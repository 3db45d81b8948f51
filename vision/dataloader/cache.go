package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// ExampleCache keeps normalised examples keyed by their index in the source
// dataset, evicting the least recently used entry once full. Only passes
// without augmentation use it, since augmented batches differ every epoch.
type ExampleCache struct {
	mu       sync.Mutex
	entries  map[int]*list.Element
	lru      *list.List
	capacity int
	itemSize int

	hits   atomic.Int64
	misses atomic.Int64
	evicts atomic.Int64
}

type cacheEntry struct {
	index int
	data  []float32
}

// NewExampleCache creates a cache for up to capacity examples of itemSize values
func NewExampleCache(capacity, itemSize int) *ExampleCache {
	return &ExampleCache{
		entries:  make(map[int]*list.Element),
		lru:      list.New(),
		capacity: capacity,
		itemSize: itemSize,
	}
}

// Get copies the cached example into dst and reports whether it was present
func (c *ExampleCache) Get(index int, dst []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[index]
	if !ok {
		c.misses.Inc()
		return false
	}
	c.lru.MoveToFront(elem)
	copy(dst, elem.Value.(*cacheEntry).data)
	c.hits.Inc()
	return true
}

// Put stores a copy of data. Values of the wrong size are ignored.
func (c *ExampleCache) Put(index int, data []float32) {
	if len(data) != c.itemSize || c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[index]; ok {
		copy(elem.Value.(*cacheEntry).data, data)
		c.lru.MoveToFront(elem)
		return
	}

	c.entries[index] = c.lru.PushFront(&cacheEntry{index: index, data: append([]float32(nil), data...)})

	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).index)
		c.evicts.Inc()
	}
}

// Len returns the number of cached examples
func (c *ExampleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cache statistics
func (c *ExampleCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:      c.Len(),
		Capacity:  c.capacity,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evicts.Load(),
		HitRate:   rate,
	}
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	Capacity  int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a one-line summary
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d examples, Hits: %d, Misses: %d, Evictions: %d, Hit Rate: %.1f%%",
		cs.Size, cs.Capacity, cs.Hits, cs.Misses, cs.Evictions, cs.HitRate)
}
