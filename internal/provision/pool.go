package provision

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs instance requests on a fixed number of goroutines, away from the
// broker and HTTP goroutines.
type Pool struct {
	// workerCount bounds how many provider conversations run at once.
	workerCount int
	requestsCh  chan poolItem
	wg          sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type poolItem struct {
	req  *InstanceRequest
	done func(error)
}

// NewPool creates a pool with the given concurrency and queue depth.
func NewPool(concurrency, queueDepth int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		requestsCh:  make(chan poolItem, queueDepth),
	}
}

// Start spawns the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("Starting provision pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop closes the queue and blocks until queued requests have finished.
// Submissions after Stop are refused.
func (p *Pool) Stop() {
	slog.Info("Stopping provision pool, waiting for requests to drain...")
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.requestsCh)
	}
	p.mu.Unlock()
	p.wg.Wait()
	slog.Info("Provision pool stopped")
}

// TrySubmit queues req without blocking. done is called with the outcome of
// Run. It returns false when the queue is full or the pool is stopped.
func (p *Pool) TrySubmit(req *InstanceRequest, done func(error)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.requestsCh <- poolItem{req: req, done: done}:
		return true
	default:
		return false
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for item := range p.requestsCh {
		slog.Debug("Running instance request", "poolWorker", id, "graphID", item.req.GraphID)
		err := item.req.Run(ctx)
		if err != nil {
			slog.Error("Instance request failed", "graphID", item.req.GraphID, "error", err)
		}
		item.done(err)
	}
}
