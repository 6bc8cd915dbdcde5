// Package events ships broker lifecycle events to an external message bus.
package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dontdude/graphbroker/internal/domain"
)

// DefaultBuffer is how many events may wait for the publisher.
const DefaultBuffer = 1024

const publishTimeout = 5 * time.Second

// Publisher delivers events to a bus.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
	Close() error
}

// Dispatcher is a domain.EventSink that hands events to a Publisher on its
// own goroutine. When the buffer is full, events are dropped and counted.
type Dispatcher struct {
	pub     Publisher
	ch      chan domain.Event
	dropped atomic.Int64
}

var _ domain.EventSink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Run to start publishing.
func NewDispatcher(pub Publisher, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{pub: pub, ch: make(chan domain.Event, buffer)}
}

// Emit queues e without blocking.
func (d *Dispatcher) Emit(e domain.Event) {
	select {
	case d.ch <- e:
	default:
		if d.dropped.Add(1)%100 == 1 {
			slog.Warn("Event buffer full, dropping events", "dropped", d.dropped.Load())
		}
	}
}

// Dropped returns how many events were lost to a full buffer.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run publishes queued events until ctx is cancelled, then closes the
// publisher. Events still buffered at that point are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		if err := d.pub.Close(); err != nil {
			slog.Error("Failed to close event publisher", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-d.ch:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := d.pub.Publish(pctx, e); err != nil {
				slog.Error("Failed to publish event", "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}

// Tee fans every event out to each sink in order.
type Tee []domain.EventSink

func (t Tee) Emit(e domain.Event) {
	for _, s := range t {
		s.Emit(e)
	}
}
