package broker

import (
	"slices"
	"time"

	"github.com/dontdude/graphbroker/internal/domain"
)

// DefaultVisibilityTimeout is how long a delivered task stays invisible
// before the redelivery sweep may hand it out again.
const DefaultVisibilityTimeout = 60 * time.Second

// Job is one graph-scoped group of tasks. Undelivered ("visible") tasks wait
// in FIFO order; delivered but unacknowledged ("invisible") tasks are kept
// with their delivery deadlines.
//
// Job does no locking of its own. It is only touched from the broker's
// goroutine.
type Job struct {
	ID      string
	GraphID string
	UserID  string

	visible        []domain.Task
	invisible      map[int]domain.Task
	invisibleUntil map[int]time.Time

	visibility time.Duration
	enqueued   int
	completed  int
}

// NewJob creates an empty job tagged with its graph affinity.
func NewJob(id, graphID, userID string, visibility time.Duration) *Job {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Job{
		ID:             id,
		GraphID:        graphID,
		UserID:         userID,
		invisible:      make(map[int]domain.Task),
		invisibleUntil: make(map[int]time.Time),
		visibility:     visibility,
	}
}

// AddTask appends a task to the visible queue. The task id must already be set.
func (j *Job) AddTask(t domain.Task) {
	j.visible = append(j.visible, t)
	j.enqueued++
}

func (j *Job) HasVisibleTasks() bool {
	return len(j.visible) > 0
}

func (j *Job) VisibleCount() int   { return len(j.visible) }
func (j *Job) InvisibleCount() int { return len(j.invisible) }
func (j *Job) CompletedCount() int { return j.completed }

// IsComplete reports whether every task ever added has been acknowledged.
func (j *Job) IsComplete() bool {
	return len(j.visible) == 0 && len(j.invisible) == 0
}

// takeVisible pops up to n tasks from the head of the visible queue.
func (j *Job) takeVisible(n int) []domain.Task {
	n = min(n, len(j.visible))
	batch := slices.Clone(j.visible[:n])
	clear(j.visible[:n])
	j.visible = j.visible[n:]
	return batch
}

// returnVisible puts tasks back on the tail of the visible queue, keeping
// their relative order.
func (j *Job) returnVisible(tasks []domain.Task) {
	j.visible = append(j.visible, tasks...)
}

// MarkTasksDelivered records delivery bookkeeping for tasks the caller has
// already removed from the visible queue.
func (j *Job) MarkTasksDelivered(tasks []domain.Task, now time.Time) {
	for _, t := range tasks {
		j.invisible[t.TaskID] = t
		j.invisibleUntil[t.TaskID] = now.Add(j.visibility)
	}
}

// MarkTasksCompleted forgets acknowledged tasks and returns how many were
// actually in flight.
func (j *Job) MarkTasksCompleted(taskIDs ...int) int {
	n := 0
	for _, id := range taskIDs {
		if _, ok := j.invisible[id]; !ok {
			continue
		}
		delete(j.invisible, id)
		delete(j.invisibleUntil, id)
		n++
	}
	j.completed += n
	return n
}

// ContainsInvisible reports whether taskID is delivered and awaiting ack.
func (j *Job) ContainsInvisible(taskID int) bool {
	_, ok := j.invisible[taskID]
	return ok
}

// Redeliver moves every invisible task whose deadline has passed back to the
// tail of the visible queue, in task id order, and returns how many moved.
func (j *Job) Redeliver(now time.Time) int {
	var expired []int
	for id, until := range j.invisibleUntil {
		if !now.Before(until) {
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)

	for _, id := range expired {
		j.visible = append(j.visible, j.invisible[id])
		delete(j.invisible, id)
		delete(j.invisibleUntil, id)
	}
	return len(expired)
}

// JobStatus is a point-in-time summary of a job.
type JobStatus struct {
	JobID     string `json:"job_id"`
	GraphID   string `json:"graph_id"`
	UserID    string `json:"user_id"`
	Total     int    `json:"total"`
	Visible   int    `json:"visible"`
	Invisible int    `json:"invisible"`
	Completed int    `json:"completed"`
	Complete  bool   `json:"complete"`
}

// Status summarizes the job.
func (j *Job) Status() JobStatus {
	return JobStatus{
		JobID:     j.ID,
		GraphID:   j.GraphID,
		UserID:    j.UserID,
		Total:     j.enqueued,
		Visible:   len(j.visible),
		Invisible: len(j.invisible),
		Completed: j.completed,
		Complete:  j.IsComplete(),
	}
}
