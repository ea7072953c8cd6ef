package spec

import (
	"container/list"
	"fmt"
	"sync"
)

// Cache interns loaded specifications by ID. Specifications are
// read-only after load, so cached entries are shared freely. Eviction
// is by least-recent use.
type Cache struct {
	capacity int
	mu       sync.Mutex
	entries  map[SpecID]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	id   SpecID
	spec *Specification
}

// NewCache creates a specification cache. Capacity <= 0 means 128.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[SpecID]*list.Element),
		order:    list.New(),
	}
}

// Put interns a specification, replacing any previous version of the same ID
func (c *Cache) Put(s *Specification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[s.ID]; ok {
		el.Value.(*cacheEntry).spec = s
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{id: s.ID, spec: s})
	c.entries[s.ID] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).id)
	}
}

// Get returns the interned specification for the given ID
func (c *Cache) Get(id SpecID) (*Specification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("specification %s not loaded", id)
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).spec, nil
}

// Resolve looks up by the string form "name:version"
func (c *Cache) Resolve(ref string) (*Specification, error) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return c.Get(SpecID{Name: ref[:i], Version: ref[i+1:]})
		}
	}
	return nil, fmt.Errorf("specification reference %q is not name:version", ref)
}

// Len returns the number of cached specifications
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
