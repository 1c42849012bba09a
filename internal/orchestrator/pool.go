package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool is the bounded worker-pool adapter spec.md §2 calls for: a
// fixed-size weighted semaphore gates how many submitted tasks actually
// execute concurrently, matching the "OS threads" option spec.md §9's
// design notes explicitly permit over the original's multiprocessing.Pool.
// Submit never blocks the caller; the goroutine it starts blocks on the
// semaphore instead, so the orchestrator's single-threaded driver loop
// only ever suspends in its own inter-cycle sleep, never in Submit itself.
type pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newPool(size int) *pool {
	if size < 1 {
		size = 1
	}
	return &pool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit runs fn once a slot is free. fn is responsible for releasing
// whatever ownership markers it claimed (the caller's busy flag) before
// returning.
func (p *pool) Submit(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

// Close waits for every submitted task to finish. Outstanding tasks
// complete rather than being cancelled, matching spec.md §5's cooperative
// shutdown: "the pool is closed (outstanding tasks complete)".
func (p *pool) Close() {
	p.wg.Wait()
}
