package agentfs

import (
	"container/list"
	"sync"
)

type dentryKey struct {
	parent uint64
	name   string
}

type dentryEntry struct {
	key dentryKey
	ino uint64
}

// dentryCache memoizes parent+name -> ino lookups with a bounded LRU.
// Entries are invalidated synchronously inside the mutating operation
// that changes the mapping, so with a single writer process a hit never
// returns a stale binding.
type dentryCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[dentryKey]*list.Element

	hits   uint64
	misses uint64
}

func newDentryCache(capacity int) *dentryCache {
	if capacity <= 0 {
		capacity = 8192
	}
	return &dentryCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[dentryKey]*list.Element, capacity),
	}
}

func (c *dentryCache) Get(parent uint64, name string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[dentryKey{parent, name}]
	if !ok {
		c.misses++
		return 0, false
	}
	c.hits++
	c.order.MoveToFront(elem)
	return elem.Value.(*dentryEntry).ino, true
}

func (c *dentryCache) Put(parent uint64, name string, ino uint64) {
	key := dentryKey{parent, name}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*dentryEntry).ino = ino
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(&dentryEntry{key: key, ino: ino})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dentryEntry).key)
	}
}

func (c *dentryCache) Invalidate(parent uint64, name string) {
	key := dentryKey{parent, name}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// InvalidateDir drops every cached binding under the given parent. Used
// when a directory is removed or renamed away.
func (c *dentryCache) InvalidateDir(parent uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.entries {
		if key.parent == parent {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
	}
}

func (c *dentryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[dentryKey]*list.Element, c.capacity)
}

func (c *dentryCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *dentryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
