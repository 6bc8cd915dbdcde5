// Package provision requests new worker capacity for graphs that lack
// workers. Requests run on their own goroutines and never hold up matching.
package provision

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dontdude/graphbroker/internal/domain"
)

// WorkerCounter reports how many workers are alive.
type WorkerCounter interface {
	Size() int
}

// Config tunes the tracker.
type Config struct {
	// MaxWorkers caps the total worker count; no request is made at or above it.
	MaxWorkers int
	// WorkersPerRequest is how many workers one request asks for.
	WorkersPerRequest int
	// StartupTime is how long after a request the graph is assumed to be
	// starting workers, so no new request is made.
	StartupTime time.Duration
	// SpotPollInterval and SpotWaitTimeout bound the wait for spot capacity.
	SpotPollInterval time.Duration
	SpotWaitTimeout  time.Duration
	// RetryMaxElapsed bounds retries of one provider call.
	RetryMaxElapsed time.Duration
	// WorkerConfig is handed to every launched worker; the graph id is added.
	WorkerConfig map[string]string
}

// DefaultConfig mirrors the broker defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:        4,
		WorkersPerRequest: 1,
		StartupTime:       time.Hour,
		SpotPollInterval:  15 * time.Second,
		SpotWaitTimeout:   5 * time.Minute,
		RetryMaxElapsed:   2 * time.Minute,
	}
}

// Tracker keeps at most one outstanding InstanceRequest per graph.
type Tracker struct {
	mu            sync.Mutex
	outstanding   map[string]*InstanceRequest
	lastRequested map[string]time.Time

	provider domain.ComputeProvider
	workers  WorkerCounter
	pool     *Pool
	cfg      Config
	events   domain.EventSink
	now      func() time.Time

	newBackOff func() backoff.BackOff
}

// NewTracker creates a tracker. A nil provider means the broker works offline
// and never launches workers.
func NewTracker(provider domain.ComputeProvider, workers WorkerCounter, pool *Pool, cfg Config, events domain.EventSink) *Tracker {
	if events == nil {
		events = domain.DiscardEvents{}
	}
	if cfg.WorkersPerRequest < 1 {
		cfg.WorkersPerRequest = 1
	}
	t := &Tracker{
		outstanding:   make(map[string]*InstanceRequest),
		lastRequested: make(map[string]time.Time),
		provider:      provider,
		workers:       workers,
		pool:          pool,
		cfg:           cfg,
		events:        events,
		now:           time.Now,
	}
	t.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = t.cfg.RetryMaxElapsed
		return b
	}
	return t
}

// NoOutstandingRequests reports whether graphID has no request in flight.
func (t *Tracker) NoOutstandingRequests(graphID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.outstanding[graphID]
	return !ok
}

// RequestWorkersForGraph issues a capacity request for graphID unless one is
// already outstanding or recently made, the cluster is at its worker cap, or
// the broker is offline. It reports whether a request was queued.
func (t *Tracker) RequestWorkersForGraph(graphID string) bool {
	if t.provider == nil {
		slog.Debug("Working offline, not requesting workers", "graphID", graphID)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.outstanding[graphID]; ok {
		return false
	}
	if last, ok := t.lastRequested[graphID]; ok && t.now().Sub(last) < t.cfg.StartupTime {
		slog.Info("Workers still starting, not requesting more", "graphID", graphID)
		return false
	}
	room := t.cfg.MaxWorkers - t.workers.Size()
	if room <= 0 {
		slog.Warn("Worker cap reached, not requesting more", "graphID", graphID, "maxWorkers", t.cfg.MaxWorkers)
		return false
	}
	count := min(t.cfg.WorkersPerRequest, room)

	req := &InstanceRequest{
		GraphID:      graphID,
		Count:        count,
		spec:         t.launchSpec(graphID),
		provider:     t.provider,
		pollInterval: t.cfg.SpotPollInterval,
		spotWait:     t.cfg.SpotWaitTimeout,
		newBackOff:   t.newBackOff,
	}
	if !t.pool.TrySubmit(req, func(error) { t.finish(graphID, req) }) {
		slog.Warn("Provision pool not accepting requests, dropping request", "graphID", graphID)
		return false
	}

	t.outstanding[graphID] = req
	t.lastRequested[graphID] = t.now()
	slog.Info("Requesting workers", "graphID", graphID, "count", count)
	t.events.Emit(domain.Event{Type: domain.EventWorkersRequested, GraphID: graphID, Count: count, At: t.now()})
	return true
}

func (t *Tracker) finish(graphID string, req *InstanceRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding[graphID] == req {
		delete(t.outstanding, graphID)
	}
}

func (t *Tracker) launchSpec(graphID string) domain.LaunchSpec {
	cfg := make(map[string]string, len(t.cfg.WorkerConfig)+2)
	for k, v := range t.cfg.WorkerConfig {
		cfg[k] = v
	}
	cfg["initial-graph-id"] = graphID
	cfg["auto-shutdown"] = "true"
	return domain.LaunchSpec{
		GraphID:      graphID,
		ClientToken:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		WorkerConfig: cfg,
	}
}
