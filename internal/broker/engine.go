package broker

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dontdude/graphbroker/internal/domain"
	"github.com/dontdude/graphbroker/internal/ring"
)

// DefaultBatchSize is the most tasks handed to one consumer at a time.
const DefaultBatchSize = 4

// priorityJobID tags the synthetic single-task jobs built for priority work.
const priorityJobID = "HIGH PRIORITY"

// engine is the matching state. It is owned by the broker goroutine and must
// never be touched from anywhere else.
type engine struct {
	jobs *ring.Ring[*Job]
	// retry is a ring job whose last delivery attempt found no consumer. It
	// keeps its turn until served.
	retry *Job

	// priority holds tasks that cut in front of every job, FIFO.
	priority   []domain.Task
	responders map[int]domain.Responder

	// consumers holds waiting connections grouped by graph affinity, oldest first.
	consumers map[string][]domain.Consumer

	undelivered int
	waiting     int
	nextTaskID  int

	batchSize  int
	visibility time.Duration
	now        func() time.Time
	events     domain.EventSink
}

func newEngine() *engine {
	return &engine{
		jobs:       ring.New[*Job](),
		responders: make(map[int]domain.Responder),
		consumers:  make(map[string][]domain.Consumer),
		batchSize:  DefaultBatchSize,
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
		events:     domain.DiscardEvents{},
	}
}

func (e *engine) emit(typ domain.EventType, graphID, jobID string, count int) {
	e.events.Emit(domain.Event{Type: typ, GraphID: graphID, JobID: jobID, Count: count, At: e.now()})
}

func (e *engine) enqueuePriorityTask(t domain.Task, r domain.Responder) int {
	t.TaskID = e.nextTaskID
	e.nextTaskID++
	e.priority = append(e.priority, t)
	e.responders[t.TaskID] = r
	e.undelivered++
	e.emit(domain.EventTasksEnqueued, t.GraphID, priorityJobID, 1)
	return t.TaskID
}

func (e *engine) enqueueTasks(tasks []domain.Task) []int {
	if len(tasks) == 0 {
		return nil
	}
	job := e.findOrCreateJob(tasks[0])

	ids := make([]int, 0, len(tasks))
	for _, t := range tasks {
		t.TaskID = e.nextTaskID
		e.nextTaskID++
		job.AddTask(t)
		e.undelivered++
		ids = append(ids, t.TaskID)
		if t.GraphID != job.GraphID {
			slog.Warn("Task graph does not match job graph",
				"taskID", t.TaskID, "taskGraphID", t.GraphID, "jobID", job.ID, "jobGraphID", job.GraphID)
		}
	}
	slog.Debug("Enqueued tasks", "jobID", job.ID, "graphID", job.GraphID, "count", len(ids))
	e.emit(domain.EventTasksEnqueued, job.GraphID, job.ID, len(ids))
	return ids
}

func (e *engine) findJob(jobID string) *Job {
	for job := range e.jobs.All() {
		if job.ID == jobID {
			return job
		}
	}
	return nil
}

func (e *engine) findOrCreateJob(t domain.Task) *Job {
	if job := e.findJob(t.JobID); job != nil {
		return job
	}
	job := NewJob(t.JobID, t.GraphID, t.UserID, e.visibility)
	e.jobs.InsertAtTail(job)
	slog.Info("Created job", "jobID", job.ID, "graphID", job.GraphID, "userID", job.UserID)
	return job
}

func (e *engine) registerConsumer(graphID string, c domain.Consumer) {
	e.consumers[graphID] = append(e.consumers[graphID], c)
	e.waiting++
}

func (e *engine) removeConsumer(graphID string, c domain.Consumer) bool {
	deque := e.consumers[graphID]
	i := slices.Index(deque, c)
	if i < 0 {
		return false
	}
	deque = slices.Delete(deque, i, i+1)
	if len(deque) == 0 {
		delete(e.consumers, graphID)
	} else {
		e.consumers[graphID] = deque
	}
	e.waiting--
	slog.Debug("Removed closed consumer", "graphID", graphID)
	return true
}

func (e *engine) deleteJobTask(taskID int) bool {
	for job := range e.jobs.All() {
		if job.ContainsInvisible(taskID) {
			job.MarkTasksCompleted(taskID)
			e.emit(domain.EventTaskCompleted, job.GraphID, job.ID, 1)
			return true
		}
	}
	return false
}

func (e *engine) deletePriorityTask(taskID int) (domain.Responder, bool) {
	r, ok := e.responders[taskID]
	if ok {
		delete(e.responders, taskID)
	}
	return r, ok
}

// abandonPriorityTask forgets the producer of a priority task and drops the
// task if no worker has taken it yet. It reports whether the task was dropped.
func (e *engine) abandonPriorityTask(taskID int) bool {
	delete(e.responders, taskID)
	i := slices.IndexFunc(e.priority, func(t domain.Task) bool { return t.TaskID == taskID })
	if i < 0 {
		return false
	}
	e.priority = slices.Delete(e.priority, i, i+1)
	e.undelivered--
	return true
}

func (e *engine) deleteJob(jobID string) bool {
	job := e.findJob(jobID)
	if job == nil {
		return false
	}
	e.undelivered -= job.VisibleCount()
	e.jobs.Remove(job)
	if e.retry == job {
		e.retry = nil
	}
	slog.Info("Deleted job", "jobID", jobID, "dropped", job.VisibleCount())
	e.emit(domain.EventJobDeleted, job.GraphID, job.ID, job.VisibleCount())
	return true
}

func (e *engine) redeliver() int {
	now := e.now()
	total := 0
	for job := range e.jobs.All() {
		if n := job.Redeliver(now); n > 0 {
			total += n
			e.emit(domain.EventTasksRedelivered, job.GraphID, job.ID, n)
		}
	}
	e.undelivered += total
	return total
}

// deliverOnce pairs one unit of work with a waiting consumer. It returns false
// when no progress is possible until new tasks or consumers arrive.
func (e *engine) deliverOnce() bool {
	if e.undelivered == 0 || e.waiting == 0 {
		return false
	}

	job, isPriority := e.nextWork()
	if job == nil {
		panic(fmt.Sprintf("broker: %d undelivered tasks counted but none visible", e.undelivered))
	}

	if e.dispatch(job) {
		return true
	}

	if isPriority {
		e.priority = append(job.visible, e.priority...)
	} else {
		e.retry = job
	}
	if e.waiting != 0 {
		panic(fmt.Sprintf("broker: delivery exhausted all consumers but %d still counted as waiting", e.waiting))
	}
	return false
}

// nextWork picks priority work first, then a job that missed its turn, then
// rotates the job ring to the next job with visible tasks.
func (e *engine) nextWork() (*Job, bool) {
	if len(e.priority) > 0 {
		t := e.priority[0]
		e.priority = e.priority[1:]
		job := NewJob(priorityJobID, t.GraphID, t.UserID, e.visibility)
		job.visible = []domain.Task{t}
		return job, true
	}
	if job := e.retry; job != nil {
		e.retry = nil
		if job.HasVisibleTasks() {
			return job, false
		}
	}
	job, ok := e.jobs.AdvanceToElement((*Job).HasVisibleTasks)
	if !ok {
		return nil, false
	}
	return job, false
}

// dispatch offers job to consumers with matching graph affinity first, then
// to the other graphs, those with the most spare consumers first.
func (e *engine) dispatch(job *Job) bool {
	if e.drain(job, job.GraphID) {
		return true
	}
	for _, graphID := range e.graphsBySpareConsumers() {
		if e.drain(job, graphID) {
			return true
		}
	}
	return false
}

func (e *engine) drain(job *Job, graphID string) bool {
	for len(e.consumers[graphID]) > 0 {
		c := e.consumers[graphID][0]
		e.consumers[graphID] = e.consumers[graphID][1:]
		e.waiting--
		if len(e.consumers[graphID]) == 0 {
			delete(e.consumers, graphID)
		}
		if e.deliver(job, c) {
			if graphID != job.GraphID {
				slog.Debug("Delivered to consumer of another graph", "jobGraphID", job.GraphID, "consumerGraphID", graphID)
			}
			return true
		}
	}
	return false
}

func (e *engine) graphsBySpareConsumers() []string {
	graphs := make([]string, 0, len(e.consumers))
	for g := range e.consumers {
		graphs = append(graphs, g)
	}
	slices.SortFunc(graphs, func(a, b string) int {
		if c := cmp.Compare(len(e.consumers[b]), len(e.consumers[a])); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return graphs
}

// deliver hands up to batchSize tasks of job to c. On a failed write the tasks
// go back on the tail of the job's visible queue and c is dropped.
func (e *engine) deliver(job *Job, c domain.Consumer) bool {
	if !c.IsOpen() {
		slog.Debug("Consumer connection was closed, dropping it", "graphID", job.GraphID)
		return false
	}

	batch := job.takeVisible(e.batchSize)
	if err := c.Send(batch); err != nil {
		slog.Debug("Consumer write failed, requeueing tasks", "jobID", job.ID, "count", len(batch), "error", err)
		job.returnVisible(batch)
		return false
	}

	e.undelivered -= len(batch)
	job.MarkTasksDelivered(batch, e.now())
	slog.Debug("Delivered tasks", "jobID", job.ID, "graphID", job.GraphID, "count", len(batch))
	e.emit(domain.EventTasksDelivered, job.GraphID, job.ID, len(batch))
	return true
}

// visibleTotal recomputes what the undelivered counter should hold.
func (e *engine) visibleTotal() int {
	n := len(e.priority)
	for job := range e.jobs.All() {
		n += job.VisibleCount()
	}
	return n
}

func (e *engine) stats() Stats {
	s := Stats{
		UndeliveredTasks: e.undelivered,
		PriorityTasks:    len(e.priority),
		PendingResponses: len(e.responders),
		WaitingConsumers: e.waiting,
		ConsumersByGraph: make(map[string]int, len(e.consumers)),
		Jobs:             e.jobs.Len(),
	}
	for g, deque := range e.consumers {
		s.ConsumersByGraph[g] = len(deque)
	}
	for job := range e.jobs.All() {
		s.InvisibleTasks += job.InvisibleCount()
	}
	return s
}

func (e *engine) jobStatuses() []JobStatus {
	out := make([]JobStatus, 0, e.jobs.Len())
	for job := range e.jobs.All() {
		out = append(out, job.Status())
	}
	return out
}

func (e *engine) activeJobsPerGraph() map[string]int {
	active := make(map[string]int)
	for job := range e.jobs.All() {
		if !job.IsComplete() {
			active[job.GraphID]++
		}
	}
	return active
}

func (e *engine) logStatus() {
	slog.Debug("Queue status",
		"undelivered", e.undelivered,
		"highPriority", len(e.priority),
		"producersWaiting", len(e.responders),
		"consumersWaiting", e.waiting,
		"jobs", e.jobs.Len())
}
