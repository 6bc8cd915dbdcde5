// Package web holds HTTP plumbing shared by the broker's handlers: suspended
// long-poll connections, rate limiting, CORS and the websocket status hub.
package web

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dontdude/graphbroker/internal/domain"
)

// PollConsumer is a worker's suspended GET request. It receives at most one
// batch; Send never blocks.
type PollConsumer struct {
	ctx     context.Context
	batch   chan []domain.Task
	claimed atomic.Bool

	mu      sync.Mutex
	onClose func()
}

var _ domain.Consumer = (*PollConsumer)(nil)

// NewPollConsumer ties a consumer to the request context ctx.
func NewPollConsumer(ctx context.Context) *PollConsumer {
	return &PollConsumer{ctx: ctx, batch: make(chan []domain.Task, 1)}
}

func (p *PollConsumer) IsOpen() bool {
	return p.ctx.Err() == nil && !p.claimed.Load()
}

func (p *PollConsumer) Send(tasks []domain.Task) error {
	if p.ctx.Err() != nil || !p.claimed.CompareAndSwap(false, true) {
		return domain.ErrConsumerClosed
	}
	p.batch <- tasks
	return nil
}

func (p *PollConsumer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

// Wait blocks until a batch arrives or the request goes away. In the latter
// case the OnClose callback runs on the calling goroutine, unless a batch was
// already claimed, which is then returned alongside the context error.
func (p *PollConsumer) Wait() ([]domain.Task, error) {
	select {
	case tasks := <-p.batch:
		return tasks, nil
	case <-p.ctx.Done():
	}

	if p.claimed.CompareAndSwap(false, true) {
		p.mu.Lock()
		fn := p.onClose
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil, p.ctx.Err()
	}
	return <-p.batch, p.ctx.Err()
}

// ErrAlreadyResponded is returned when a second result arrives for the same
// priority task.
var ErrAlreadyResponded = errors.New("priority task already answered")

// PendingResponse is a producer's suspended priority request.
type PendingResponse struct {
	ctx    context.Context
	result chan []byte
}

var _ domain.Responder = (*PendingResponse)(nil)

// NewPendingResponse ties a responder to the request context ctx.
func NewPendingResponse(ctx context.Context) *PendingResponse {
	return &PendingResponse{ctx: ctx, result: make(chan []byte, 1)}
}

func (p *PendingResponse) Respond(result []byte) error {
	if p.ctx.Err() != nil {
		return domain.ErrConsumerClosed
	}
	select {
	case p.result <- result:
		return nil
	default:
		return ErrAlreadyResponded
	}
}

// Wait blocks until a worker responds or the producer goes away.
func (p *PendingResponse) Wait() ([]byte, error) {
	select {
	case b := <-p.result:
		return b, nil
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}
