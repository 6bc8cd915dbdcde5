package domain

import "time"

// EventType names a broker lifecycle event.
type EventType string

const (
	EventTasksEnqueued    EventType = "tasks.enqueued"
	EventTasksDelivered   EventType = "tasks.delivered"
	EventTaskCompleted    EventType = "task.completed"
	EventTasksRedelivered EventType = "tasks.redelivered"
	EventJobDeleted       EventType = "job.deleted"
	EventWorkersRequested EventType = "workers.requested"
)

// Event is a broker lifecycle notification.
type Event struct {
	Type    EventType `json:"type"`
	GraphID string    `json:"graph_id,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
	Count   int       `json:"count"`
	At      time.Time `json:"at"`
}

// EventSink receives broker events. Emit must never block the caller.
type EventSink interface {
	Emit(e Event)
}

// DiscardEvents is an EventSink that drops everything.
type DiscardEvents struct{}

func (DiscardEvents) Emit(Event) {}
