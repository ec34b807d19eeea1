package jobs

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler runs one job taken from the queue.
type Handler func(context.Context, *Job)

// WorkerPool drains the job queue with a resizable set of workers. Shrinking
// retires the newest workers; a retired worker finishes its current job
// before it exits.
type WorkerPool struct {
	queue   <-chan *Job
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	quits []chan struct{}

	busy atomic.Int32
}

// NewWorkerPool returns an empty pool bound to ctx. Call SetWorkerCount to
// start workers.
func NewWorkerPool(ctx context.Context, queue <-chan *Job, handler Handler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:   queue,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.quits) < count {
		quit := make(chan struct{})
		p.quits = append(p.quits, quit)
		p.wg.Add(1)
		go p.work(quit)
	}
	for len(p.quits) > count {
		last := len(p.quits) - 1
		close(p.quits[last])
		p.quits = p.quits[:last]
	}
}

// WorkerCount is the target size, not counting retired workers still
// finishing a job.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.quits)
}

// Busy reports how many workers are inside the handler.
func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}

func (p *WorkerPool) work(quit <-chan struct{}) {
	defer p.wg.Done()
	for {
		// A retired worker must not pick up another job even when the
		// queue is ready at the same time.
		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		default:
		}

		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.busy.Add(1)
			p.handler(p.ctx, job)
			p.busy.Add(-1)
		}
	}
}

// Stop cancels the pool context, which running jobs observe, and waits for
// every worker to return.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
