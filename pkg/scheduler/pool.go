package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"transfer-engine/pkg/metrics"
)

// pool is a fixed set of workers draining a bounded queue. Submit blocks
// while the queue is full, which is the backpressure that bounds how many
// transfers are in flight at once.
type pool struct {
	name    string
	queue   chan job
	wg      sync.WaitGroup
	metrics metrics.MetricsCollector

	// Statistics (accessed atomically)
	submitted int64
	panicked  int64
}

type job struct {
	run     func()
	recover func(v any)
}

func newPool(name string, workers int, metricsCollector metrics.MetricsCollector) *pool {
	if workers <= 0 {
		workers = 1
	}
	p := &pool{
		name:    name,
		queue:   make(chan job, workers),
		metrics: metrics.OrNoOp(metricsCollector),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// submit enqueues fn. It returns false if ctx is done before a slot frees up.
// onPanic receives the recovered value if fn panics.
func (p *pool) submit(ctx context.Context, fn func(), onPanic func(v any)) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case p.queue <- job{run: fn, recover: onPanic}:
		atomic.AddInt64(&p.submitted, 1)
		p.metrics.RecordQueueDepth(p.name, len(p.queue))
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.exec(j)
	}
}

func (p *pool) exec(j job) {
	defer func() {
		if v := recover(); v != nil {
			atomic.AddInt64(&p.panicked, 1)
			if j.recover != nil {
				j.recover(v)
			}
		}
	}()
	j.run()
}

// close stops accepting work and waits for queued jobs to finish.
func (p *pool) close() {
	close(p.queue)
	p.wg.Wait()
	p.metrics.RecordQueueDepth(p.name, 0)
}

func (p *pool) submits() int64 {
	return atomic.LoadInt64(&p.submitted)
}

func (p *pool) panics() int64 {
	return atomic.LoadInt64(&p.panicked)
}
