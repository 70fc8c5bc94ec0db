// Package workerspool bounds the parallelism of batch work inside the
// compiler. Its only in-tree client is the kernel source cache, which compiles
// many independent kernel sources in one BuildAll call.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs tasks with a soft limit on how many run at once.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
	wg             sync.WaitGroup
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// SetMaxParallelism sets the parallelism limit. 0 disables parallelism (tasks
// run inline), negative values remove the limit. Only change it before any
// task starts.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// MaxParallelism returns the current soft limit.
func (w *Pool) MaxParallelism() int { return w.maxParallelism }

// WaitToStart blocks until a worker is available, then runs task in its own
// goroutine. With parallelism disabled the task runs inline.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism < 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			task()
		}()
		return
	}
	if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait blocks until every task started through WaitToStart returned.
func (w *Pool) Wait() {
	w.wg.Wait()
}
