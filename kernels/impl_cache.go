package kernels

import (
	"container/list"
	"sync"

	"github.com/clgraph/clgraph/backends"
)

// ImplCache memoizes implementation selection per parameter signature, so
// rebuilding a structurally identical graph (same shapes, layouts and config)
// skips the selection cost. It is bounded: least-recently-used entries are
// evicted once capacity is reached.
type ImplCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[backends.ImplSignature]*list.Element
}

type implEntry struct {
	sig  backends.ImplSignature
	impl backends.Implementation
}

// NewImplCache returns an empty cache holding at most capacity entries.
func NewImplCache(capacity int) *ImplCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ImplCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[backends.ImplSignature]*list.Element, capacity),
	}
}

// Get returns the memoized implementation for the signature, marking it as
// recently used.
func (c *ImplCache) Get(sig backends.ImplSignature) (backends.Implementation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, found := c.entries[sig]
	if !found {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*implEntry).impl, true
}

// Put stores the implementation for the signature, evicting the
// least-recently-used entry if the cache is full.
func (c *ImplCache) Put(sig backends.ImplSignature, impl backends.Implementation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, found := c.entries[sig]; found {
		elem.Value.(*implEntry).impl = impl
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*implEntry).sig)
	}
	c.entries[sig] = c.order.PushFront(&implEntry{sig: sig, impl: impl})
}

// Len returns the number of cached selections.
func (c *ImplCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
