// Package broker matches graph-scoped compute tasks with polling workers.
//
// A single goroutine (Run) owns all queue state. Producers and consumers talk
// to it through methods that submit commands over a channel and wait for the
// result. After every command the goroutine hands out as many task batches as
// the waiting consumers allow, then blocks until the next command.
//
// Work is chosen fairly: priority tasks always go first, then jobs take turns
// round-robin through a ring so that no job is served twice before every job
// with pending work has had a turn. Each batch prefers a consumer whose graph
// affinity matches the job, and otherwise goes to the graph with the most
// spare consumers.
package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/graphbroker/internal/domain"
)

// Stats is a point-in-time view of the broker's counters.
type Stats struct {
	UndeliveredTasks int            `json:"undelivered_tasks"`
	PriorityTasks    int            `json:"priority_tasks"`
	PendingResponses int            `json:"pending_responses"`
	WaitingConsumers int            `json:"waiting_consumers"`
	ConsumersByGraph map[string]int `json:"consumers_by_graph"`
	Jobs             int            `json:"jobs"`
	InvisibleTasks   int            `json:"invisible_tasks"`
}

// Option configures a Broker.
type Option func(*engine)

// WithBatchSize sets the most tasks handed to one consumer at a time.
func WithBatchSize(n int) Option {
	return func(e *engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithVisibilityTimeout sets how long delivered tasks stay invisible.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(e *engine) {
		if d > 0 {
			e.visibility = d
		}
	}
}

// WithEventSink routes lifecycle events to sink.
func WithEventSink(sink domain.EventSink) Option {
	return func(e *engine) {
		if sink != nil {
			e.events = sink
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Broker is the task matching engine.
type Broker struct {
	eng  *engine
	cmds chan func(*engine)
	done chan struct{}
}

// New creates a Broker. Call Run exactly once to start it.
func New(opts ...Option) *Broker {
	eng := newEngine()
	for _, opt := range opts {
		opt(eng)
	}
	return &Broker{
		eng:  eng,
		cmds: make(chan func(*engine)),
		done: make(chan struct{}),
	}
}

// Run executes the delivery loop until ctx is cancelled. A violated matching
// invariant panics.
func (b *Broker) Run(ctx context.Context) error {
	defer close(b.done)
	slog.Info("Broker delivery loop started", "batchSize", b.eng.batchSize, "visibility", b.eng.visibility)

	for {
		for b.eng.deliverOnce() {
		}
		b.eng.logStatus()

		select {
		case <-ctx.Done():
			slog.Info("Broker delivery loop stopped")
			return nil
		case fn := <-b.cmds:
			fn(b.eng)
		}
	}
}

// do runs fn on the broker goroutine and waits for it to finish.
func (b *Broker) do(ctx context.Context, fn func(*engine)) error {
	finished := make(chan struct{})
	cmd := func(e *engine) {
		defer close(finished)
		fn(e)
	}

	select {
	case b.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return domain.ErrBrokerClosed
	}

	select {
	case <-finished:
		return nil
	case <-b.done:
		return domain.ErrBrokerClosed
	}
}

// EnqueuePriorityTask queues a task ahead of every job and remembers r so the
// result can be routed back through DeletePriorityTask. It returns the task id.
func (b *Broker) EnqueuePriorityTask(ctx context.Context, t domain.Task, r domain.Responder) (int, error) {
	var id int
	err := b.do(ctx, func(e *engine) {
		id = e.enqueuePriorityTask(t, r)
	})
	return id, err
}

// EnqueueTasks appends tasks to the job named by the first task, creating the
// job on first sight. It returns the assigned task ids in order.
func (b *Broker) EnqueueTasks(ctx context.Context, tasks []domain.Task) ([]int, error) {
	var ids []int
	err := b.do(ctx, func(e *engine) {
		ids = e.enqueueTasks(tasks)
	})
	return ids, err
}

// RegisterConsumer parks a waiting connection under its graph affinity. When
// the transport reports the connection closed, it is removed again.
func (b *Broker) RegisterConsumer(ctx context.Context, graphID string, c domain.Consumer) error {
	c.OnClose(func() {
		if _, err := b.RemoveConsumer(context.Background(), graphID, c); err != nil {
			slog.Debug("Could not remove closed consumer", "graphID", graphID, "error", err)
		}
	})
	return b.do(ctx, func(e *engine) {
		e.registerConsumer(graphID, c)
	})
}

// RemoveConsumer drops a closed connection if it is still waiting. It returns
// false when the connection was already claimed or removed.
func (b *Broker) RemoveConsumer(ctx context.Context, graphID string, c domain.Consumer) (bool, error) {
	var found bool
	err := b.do(ctx, func(e *engine) {
		found = e.removeConsumer(graphID, c)
	})
	return found, err
}

// DeleteJobTask acknowledges a delivered job task. It returns false for an
// unknown or already acknowledged id.
func (b *Broker) DeleteJobTask(ctx context.Context, taskID int) (bool, error) {
	var found bool
	err := b.do(ctx, func(e *engine) {
		found = e.deleteJobTask(taskID)
	})
	return found, err
}

// DeletePriorityTask returns the producer connection waiting on a priority
// task, forgetting it.
func (b *Broker) DeletePriorityTask(ctx context.Context, taskID int) (domain.Responder, bool, error) {
	var (
		r     domain.Responder
		found bool
	)
	err := b.do(ctx, func(e *engine) {
		r, found = e.deletePriorityTask(taskID)
	})
	return r, found, err
}

// AbandonPriorityTask is called when a priority producer disconnects. The
// responder is forgotten, and the task is dropped if still queued.
func (b *Broker) AbandonPriorityTask(ctx context.Context, taskID int) (bool, error) {
	var dropped bool
	err := b.do(ctx, func(e *engine) {
		dropped = e.abandonPriorityTask(taskID)
	})
	return dropped, err
}

// DeleteJob removes a job and drops its undelivered tasks.
func (b *Broker) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	var found bool
	err := b.do(ctx, func(e *engine) {
		found = e.deleteJob(jobID)
	})
	return found, err
}

// Redeliver makes every task whose visibility deadline has passed visible
// again and returns how many were requeued.
func (b *Broker) Redeliver(ctx context.Context) (int, error) {
	var n int
	err := b.do(ctx, func(e *engine) {
		n = e.redeliver()
	})
	if n > 0 {
		slog.Info("Tasks enqueued for redelivery", "count", n)
	}
	return n, err
}

// Stats returns the broker's counters.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.do(ctx, func(e *engine) {
		s = e.stats()
	})
	return s, err
}

// Jobs returns the status of every job in ring order.
func (b *Broker) Jobs(ctx context.Context) ([]JobStatus, error) {
	var out []JobStatus
	err := b.do(ctx, func(e *engine) {
		out = e.jobStatuses()
	})
	return out, err
}

// ActiveJobsPerGraph counts incomplete jobs by graph.
func (b *Broker) ActiveJobsPerGraph(ctx context.Context) (map[string]int, error) {
	var out map[string]int
	err := b.do(ctx, func(e *engine) {
		out = e.activeJobsPerGraph()
	})
	return out, err
}
