package kernels

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/clgraph/clgraph/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeKernel struct{ entry string }

func (k fakeKernel) EntryPoint() string { return k.entry }

type fakeCompiler struct {
	compiled atomic.Int64
	failOn   string
}

func (c *fakeCompiler) Compile(source string) (backends.Kernel, error) {
	if source == c.failOn {
		return nil, errors.Errorf("syntax error in %q", source)
	}
	c.compiled.Add(1)
	return fakeKernel{entry: "entry_" + source}, nil
}

func TestSourceCacheAddDeduplicates(t *testing.T) {
	cache := NewSourceCache(&fakeCompiler{})
	id1 := cache.Add("kernel void a() {}")
	id2 := cache.Add("kernel void a() {}")
	id3 := cache.Add("kernel void b() {}")
	require.Equal(t, id1, id2)
	require.NotEqual(t, id1, id3)
	require.Equal(t, 2, cache.NumPending())
}

func TestSourceCacheBuildAll(t *testing.T) {
	compiler := &fakeCompiler{}
	cache := NewSourceCache(compiler)
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = cache.Add(fmt.Sprintf("kernel void k%d() {}", i))
	}
	require.NoError(t, cache.BuildAll())
	require.Equal(t, int64(10), compiler.compiled.Load())
	require.Equal(t, 0, cache.NumPending())
	for i, id := range ids {
		kernel := must.M1(cache.Get(id))
		require.Equal(t, fmt.Sprintf("entry_kernel void k%d() {}", i), kernel.EntryPoint())
	}

	// A second BuildAll with nothing pending is a no-op.
	require.NoError(t, cache.BuildAll())
	require.Equal(t, int64(10), compiler.compiled.Load())
}

func TestSourceCacheBuildFailureIsFatal(t *testing.T) {
	cache := NewSourceCache(&fakeCompiler{failOn: "bad"})
	cache.Add("good")
	badID := cache.Add("bad")
	err := cache.BuildAll()
	require.Error(t, err)
	_, err = cache.Get(badID)
	require.Error(t, err)
}

func TestSourceCacheGetBeforeBuild(t *testing.T) {
	cache := NewSourceCache(&fakeCompiler{})
	id := cache.Add("pending")
	_, err := cache.Get(id)
	require.ErrorContains(t, err, "not yet built")
	_, err = cache.Get("no-such-id")
	require.ErrorContains(t, err, "unknown kernel id")
}

func TestSourceCacheRemove(t *testing.T) {
	cache := NewSourceCache(&fakeCompiler{})
	id := cache.Add("removable")
	cache.Remove(id)
	require.Equal(t, 0, cache.NumPending())
	// The source can be re-added under a fresh id after removal.
	id2 := cache.Add("removable")
	require.NotEqual(t, id, id2)
}

type fakeImpl struct{ name string }

func (i fakeImpl) KernelName() string                        { return i.name }
func (i fakeImpl) IsCPU() bool                               { return false }
func (i fakeImpl) Source() string                            { return "" }
func (i fakeImpl) InitKernels(_ backends.KernelLookup) error { return nil }

func sig(n int) backends.ImplSignature {
	return backends.ImplSignature{Layout: fmt.Sprintf("layout%d", n)}
}

func TestImplCacheLRUEviction(t *testing.T) {
	cache := NewImplCache(2)
	cache.Put(sig(1), fakeImpl{name: "one"})
	cache.Put(sig(2), fakeImpl{name: "two"})

	// Touch 1 so that 2 becomes the eviction candidate.
	_, found := cache.Get(sig(1))
	require.True(t, found)

	cache.Put(sig(3), fakeImpl{name: "three"})
	require.Equal(t, 2, cache.Len())

	_, found = cache.Get(sig(2))
	require.False(t, found, "least recently used entry should have been evicted")
	impl, found := cache.Get(sig(1))
	require.True(t, found)
	require.Equal(t, "one", impl.KernelName())
}

func TestImplCachePutExisting(t *testing.T) {
	cache := NewImplCache(4)
	cache.Put(sig(1), fakeImpl{name: "old"})
	cache.Put(sig(1), fakeImpl{name: "new"})
	require.Equal(t, 1, cache.Len())
	impl, found := cache.Get(sig(1))
	require.True(t, found)
	require.Equal(t, "new", impl.KernelName())
}

func TestTuningCacheLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		cache := LoadTuningCache(filepath.Join(dir, "nope.json"))
		require.Equal(t, 0, cache.Len())
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		cache := LoadTuningCache(path)
		require.Equal(t, 0, cache.Len())
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "tuning.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"convolution/bfyx": "blocked_8x8"}`), 0o644))
		cache := LoadTuningCache(path)
		require.Equal(t, 1, cache.Len())
		hint, found := cache.Hint("convolution/bfyx")
		require.True(t, found)
		require.Equal(t, "blocked_8x8", hint)
	})
}
