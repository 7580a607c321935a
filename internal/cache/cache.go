// Package cache is a bounded LRU for decoded content. It enforces a byte
// budget and an entry budget at the same time.
package cache

import (
	"container/list"
	"sync"
)

type entry struct {
	key   string
	value any
	size  int64
}

type Stats struct {
	Entries   int
	Bytes     int64
	MaxBytes  int64
	MaxItems  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Rejected  uint64
}

// Cache is safe for concurrent use. Every operation, reads included, goes
// through one mutex because a hit reorders the recency list.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	maxItems int
	bytes    int64
	order    *list.List
	items    map[string]*list.Element

	hits, misses, evictions, rejected uint64
}

func New(maxBytes int64, maxEntries int) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		maxItems: maxEntries,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++

		return nil, false
	}

	c.hits++
	c.order.MoveToFront(el)

	return el.Value.(*entry).value, true
}

// Put admits value under key. Least recently used entries are evicted until
// both budgets hold with the new entry counted, and only then is it
// inserted. A value larger than the whole byte budget is not admitted.
// Put reports whether the value was admitted and how many entries it
// evicted.
func (c *Cache) Put(key string, value any, size int64) (bool, int) {
	if size < 0 {
		size = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.maxBytes || c.maxItems <= 0 {
		c.rejected++

		return false, 0
	}

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	evicted := 0

	for c.order.Len() > 0 && (c.bytes+size > c.maxBytes || c.order.Len()+1 > c.maxItems) {
		c.removeElement(c.order.Back())
		c.evictions++
		evicted++
	}

	c.items[key] = c.order.PushFront(&entry{key: key, value: value, size: size})
	c.bytes += size

	return true, evicted
}

func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if ok {
		c.removeElement(el)
	}

	return ok
}

// RemovePrefix drops every key starting with prefix, e.g. all content of
// one module. It returns the number of entries removed.
func (c *Cache) RemovePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0

	for key, el := range c.items {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.removeElement(el)
			n++
		}
	}

	return n
}

// Clear empties the cache and returns the bytes released.
func (c *Cache) Clear() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	released := c.bytes

	c.order.Init()
	clear(c.items)
	c.bytes = 0

	return released
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:   c.order.Len(),
		Bytes:     c.bytes,
		MaxBytes:  c.maxBytes,
		MaxItems:  c.maxItems,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Rejected:  c.rejected,
	}
}

// Keys returns the cached keys from most to least recently used.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}

	return keys
}

func (c *Cache) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.key)
	c.bytes -= e.size
}
