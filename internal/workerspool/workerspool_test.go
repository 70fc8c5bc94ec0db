package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(4)
	var counter atomic.Int64
	for i := 0; i < 100; i++ {
		pool.WaitToStart(func() { counter.Add(1) })
	}
	pool.Wait()
	require.Equal(t, int64(100), counter.Load())
}

func TestPoolBoundsParallelism(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)
	var mu sync.Mutex
	running, peak := 0, 0
	for i := 0; i < 50; i++ {
		pool.WaitToStart(func() {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	pool.Wait()
	require.LessOrEqual(t, peak, 3)
}

func TestPoolInlineWhenDisabled(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	ran := false
	pool.WaitToStart(func() { ran = true })
	require.True(t, ran, "task must run inline with parallelism disabled")
}
