package parallel

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs functions on at most size goroutines at once. Submitting never
// blocks the caller: work waiting for a free slot is parked on its own
// goroutine.
//
//	p := parallel.NewPool(4)
//	p.Go(ctx, func(ctx context.Context) { ... })
//	p.Wait()
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	wg     sync.WaitGroup
	active atomic.Int64
	queued atomic.Int64
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Go schedules fn. fn is always called exactly once: if ctx is done before a
// slot frees up, fn runs immediately with that ctx and without taking a slot,
// so it can observe ctx.Err() and bail out.
func (p *Pool) Go(ctx context.Context, fn func(context.Context)) {
	p.queued.Add(1)
	p.wg.Go(func() {
		err := p.sem.Acquire(ctx, 1)
		p.queued.Add(-1)
		if err != nil {
			fn(ctx)
			return
		}
		defer p.sem.Release(1)
		p.active.Add(1)
		defer p.active.Add(-1)
		fn(ctx)
	})
}

// Wait blocks until every scheduled function returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) Size() int {
	return p.size
}

// Active returns the number of functions holding a slot.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Queued returns the number of functions waiting for a slot.
func (p *Pool) Queued() int {
	return int(p.queued.Load())
}
