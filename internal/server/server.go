// Package server maps HTTP verbs on queue paths onto broker operations.
//
//	HEAD   /{type}/...                 200, or 400 if the body is not a task batch
//	GET    /jobs/{user}/{graph}        long-poll for a batch of tasks for graph
//	POST   /jobs/{user}/{graph}/{job}  202 after enqueueing a task batch
//	DELETE /jobs/{user}/{graph}/{job}/{task}  200 ack, 404 if unknown
//	DELETE /jobs/{user}/{graph}/{job}  200 after dropping the whole job
//	POST   /priority/{user}/{graph}    suspends until a worker answers
//	DELETE /priority/{user}/{graph}/{job}/{task}  routes the body to the producer
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dontdude/graphbroker/internal/broker"
	"github.com/dontdude/graphbroker/internal/catalog"
	"github.com/dontdude/graphbroker/internal/domain"
	"github.com/dontdude/graphbroker/internal/platform/web"
)

// WorkerIDHeader carries the polling worker's id.
const WorkerIDHeader = "X-Worker-Id"

const (
	queueJobs     = "jobs"
	queuePriority = "priority"
)

// maxBodyBytes bounds task batches and priority results.
const maxBodyBytes = 32 << 20

// Provisioner asks for workers for a graph.
type Provisioner interface {
	RequestWorkersForGraph(graphID string) bool
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter limits submissions per client.
func WithRateLimiter(rl *web.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithStatusHub serves live status on /status/ws.
func WithStatusHub(h *web.StatusHub) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server holds the HTTP handlers.
type Server struct {
	broker      *broker.Broker
	workers     *catalog.WorkerCatalog
	provisioner Provisioner

	limiter *web.RateLimiter
	hub     *web.StatusHub
	metrics http.Handler
}

// New creates a Server. provisioner may be nil.
func New(b *broker.Broker, workers *catalog.WorkerCatalog, provisioner Provisioner, opts ...Option) *Server {
	s := &Server{broker: b, workers: workers, provisioner: provisioner}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	if s.hub != nil {
		mux.Handle("GET /status/ws", s.hub)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	submit := http.HandlerFunc(s.handleSubmit)
	if s.limiter != nil {
		submit = s.limiter.Middleware(submit)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			s.handleHead(w, r)
		case http.MethodGet:
			s.handlePoll(w, r)
		case http.MethodPost:
			submit(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		default:
			w.Header().Set("Allow", "HEAD, GET, POST, DELETE")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})

	return web.EnableCORS(mux)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if _, err := domain.DecodeTasks(body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handlePoll suspends a worker until the broker hands it a batch.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	path := domain.ParseQueuePath(r.URL.Path)
	if path.QueueType != queueJobs || path.GraphID == "" {
		http.Error(w, "expected /jobs/{user}/{graph}", http.StatusBadRequest)
		return
	}
	workerID := r.Header.Get(WorkerIDHeader)
	if workerID == "" {
		http.Error(w, WorkerIDHeader+" header is required", http.StatusBadRequest)
		return
	}

	s.workers.Catalog(workerID, path.GraphID)

	c := web.NewPollConsumer(r.Context())
	if err := s.broker.RegisterConsumer(r.Context(), path.GraphID, c); err != nil {
		s.brokerError(w, err)
		return
	}

	tasks, err := c.Wait()
	if err != nil && tasks == nil {
		slog.Debug("Poll ended without work", "workerID", workerID, "graphID", path.GraphID, "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	data, err := domain.EncodeTasks(tasks)
	if err != nil {
		slog.Error("Failed to encode task batch", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("Failed to write batch to worker, awaiting redelivery",
			"workerID", workerID, "count", len(tasks), "error", err)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	path := domain.ParseQueuePath(r.URL.Path)
	switch path.QueueType {
	case queueJobs:
		s.handleEnqueueJob(w, r, path)
	case queuePriority:
		s.handleEnqueuePriority(w, r, path)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request, path domain.QueuePath) {
	if path.UserID == "" || path.GraphID == "" || path.JobID == "" {
		http.Error(w, "expected /jobs/{user}/{graph}/{job}", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tasks, err := domain.DecodeTasks(body)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	for i, t := range tasks {
		if t.UserID != path.UserID || t.GraphID != path.GraphID || t.JobID != path.JobID {
			http.Error(w, fmt.Sprintf("task %d: %v", i, domain.ErrPathMismatch), http.StatusBadRequest)
			return
		}
	}

	s.ensureWorkers(path.GraphID)

	ids, err := s.broker.EnqueueTasks(r.Context(), tasks)
	if err != nil {
		s.brokerError(w, err)
		return
	}
	slog.Info("Received task batch", "jobID", path.JobID, "graphID", path.GraphID, "count", len(ids))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   path.JobID,
		"task_ids": ids,
		"status":   "queued",
	})
}

// handleEnqueuePriority holds the producer's connection open until a worker
// posts the result.
func (s *Server) handleEnqueuePriority(w http.ResponseWriter, r *http.Request, path domain.QueuePath) {
	if path.UserID == "" || path.GraphID == "" {
		http.Error(w, "expected /priority/{user}/{graph}", http.StatusBadRequest)
		return
	}
	var t domain.Task
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&t); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if t.UserID != path.UserID || t.GraphID != path.GraphID {
		http.Error(w, domain.ErrPathMismatch.Error(), http.StatusBadRequest)
		return
	}

	s.ensureWorkers(path.GraphID)

	resp := web.NewPendingResponse(r.Context())
	id, err := s.broker.EnqueuePriorityTask(r.Context(), t, resp)
	if err != nil {
		s.brokerError(w, err)
		return
	}
	slog.Info("Received priority task", "taskID", id, "graphID", path.GraphID)

	result, err := resp.Wait()
	if err != nil {
		dropped, aerr := s.broker.AbandonPriorityTask(context.Background(), id)
		slog.Debug("Producer went away before the result arrived", "taskID", id, "dropped", dropped, "error", aerr)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	path := domain.ParseQueuePath(r.URL.Path)
	ctx := r.Context()

	switch {
	case path.QueueType == queueJobs && path.HasTask():
		found, err := s.broker.DeleteJobTask(ctx, path.TaskID)
		if err != nil {
			s.brokerError(w, err)
			return
		}
		if !found {
			http.Error(w, domain.ErrTaskNotFound.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case path.QueueType == queueJobs && path.JobID != "":
		found, err := s.broker.DeleteJob(ctx, path.JobID)
		if err != nil {
			s.brokerError(w, err)
			return
		}
		if !found {
			http.Error(w, domain.ErrJobNotFound.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)

	case path.QueueType == queuePriority && path.HasTask():
		s.handlePriorityResult(w, r, path)

	default:
		http.Error(w, "expected a task or job path", http.StatusBadRequest)
	}
}

func (s *Server) handlePriorityResult(w http.ResponseWriter, r *http.Request, path domain.QueuePath) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	resp, found, err := s.broker.DeletePriorityTask(r.Context(), path.TaskID)
	if err != nil {
		s.brokerError(w, err)
		return
	}
	if !found {
		http.Error(w, domain.ErrTaskNotFound.Error(), http.StatusNotFound)
		return
	}
	if err := resp.Respond(body); err != nil {
		slog.Info("Priority producer is gone, result discarded", "taskID", path.TaskID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Broker  broker.Stats       `json:"broker"`
	Jobs    []broker.JobStatus `json:"jobs"`
	Workers map[string]int     `json:"workers_by_graph"`
	Targets map[string]int     `json:"target_workers_by_graph"`
}

// Snapshot gathers the status view served on /status and /status/ws.
func (s *Server) Snapshot(ctx context.Context) (any, error) {
	stats, err := s.broker.Stats(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err := s.broker.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	return statusResponse{
		Broker:  stats,
		Jobs:    jobs,
		Workers: s.workers.WorkersByGraph(),
		Targets: s.workers.Targets(),
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		s.brokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ensureWorkers asks for capacity when no live worker serves graphID.
func (s *Server) ensureWorkers(graphID string) {
	if s.provisioner == nil || s.workers.WorkersAvailable(graphID) {
		return
	}
	s.provisioner.RequestWorkersForGraph(graphID)
}

func (s *Server) brokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrBrokerClosed):
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client gone.
	default:
		slog.Error("Broker call failed", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
