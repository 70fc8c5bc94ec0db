// Package kernels holds the compiler's three caches: the kernel source cache
// that batch-compiles device kernels, the bounded LRU cache of selected
// implementations, and the optional read-only tuning cache.
package kernels

import (
	"sync"

	"github.com/clgraph/clgraph/backends"
	"github.com/clgraph/clgraph/internal/workerspool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// SourceCache deduplicates textual kernel build requests and compiles them in
// one batch. Compiled kernels are retrievable by the id returned at Add time.
type SourceCache struct {
	compiler backends.Compiler
	pool     *workerspool.Pool

	mu       sync.Mutex
	pending  map[string]string          // id -> source, not yet compiled
	bySource map[string]string          // source -> id, for dedup
	built    map[string]backends.Kernel // id -> compiled kernel
}

// NewSourceCache returns an empty cache compiling through the given compiler.
func NewSourceCache(compiler backends.Compiler) *SourceCache {
	return &SourceCache{
		compiler: compiler,
		pool:     workerspool.New(),
		pending:  make(map[string]string),
		bySource: make(map[string]string),
		built:    make(map[string]backends.Kernel),
	}
}

// Add registers a kernel source for compilation and returns its id. Adding the
// same source text twice returns the first id without duplicating work.
func (c *SourceCache) Add(source string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, found := c.bySource[source]; found {
		return id
	}
	id := uuid.NewString()
	c.pending[id] = source
	c.bySource[source] = id
	return id
}

// Remove drops a kernel by id, whether pending or already built. Removing an
// unknown id is a no-op.
func (c *SourceCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if source, found := c.pending[id]; found {
		delete(c.pending, id)
		delete(c.bySource, source)
	}
	delete(c.built, id)
}

// Get returns the compiled kernel for the id. It fails for unknown ids and for
// ids whose source was not yet built.
func (c *SourceCache) Get(id string) (backends.Kernel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kernel, found := c.built[id]; found {
		return kernel, nil
	}
	if _, found := c.pending[id]; found {
		return nil, errors.Errorf("kernel %s was added but not yet built, call BuildAll first", id)
	}
	return nil, errors.Errorf("unknown kernel id %s", id)
}

// Lookup is the backends.KernelLookup view of the cache, handed to
// implementations when binding compiled kernels.
func (c *SourceCache) Lookup(id string) (backends.Kernel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kernel, found := c.built[id]
	return kernel, found
}

// NumPending returns how many sources await compilation.
func (c *SourceCache) NumPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// BuildAll compiles every pending source in one parallel batch. Any single
// compilation failure fails the whole batch. From the caller's view this is a
// single blocking call.
func (c *SourceCache) BuildAll() error {
	c.mu.Lock()
	batch := maps.Clone(c.pending)
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	klog.V(1).Infof("kernels: building %d kernel sources", len(batch))

	var resultMu sync.Mutex
	var firstErr error
	compiled := make(map[string]backends.Kernel, len(batch))
	for id, source := range batch {
		c.pool.WaitToStart(func() {
			kernel, err := c.compiler.Compile(source)
			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "compiling kernel %s", id)
				}
				return
			}
			compiled[id] = kernel
		})
	}
	c.pool.Wait()
	if firstErr != nil {
		return firstErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, kernel := range compiled {
		c.built[id] = kernel
		delete(c.pending, id)
	}
	return nil
}
