// Package catalog keeps track of live workers and their graph affinity, and
// computes how many workers each graph should ideally have.
package catalog

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultWorkerTTL is how long a worker may stay silent before it is
// considered dead.
const DefaultWorkerTTL = 2 * time.Minute

// WorkerObservation is the latest sighting of a worker.
type WorkerObservation struct {
	WorkerID      string    `json:"worker_id"`
	GraphAffinity string    `json:"graph_affinity"`
	LastSeen      time.Time `json:"last_seen"`
}

// Option configures a WorkerCatalog.
type Option func(*WorkerCatalog)

// WithTTL sets how long a silent worker is kept.
func WithTTL(d time.Duration) Option {
	return func(c *WorkerCatalog) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *WorkerCatalog) {
		if now != nil {
			c.now = now
		}
	}
}

// WorkerCatalog is safe for concurrent use.
type WorkerCatalog struct {
	mu             sync.Mutex
	observations   map[string]WorkerObservation
	workersByGraph map[string]map[string]struct{}
	targets        map[string]int

	ttl time.Duration
	now func() time.Time
}

// New creates an empty catalog.
func New(opts ...Option) *WorkerCatalog {
	c := &WorkerCatalog{
		observations:   make(map[string]WorkerObservation),
		workersByGraph: make(map[string]map[string]struct{}),
		targets:        make(map[string]int),
		ttl:            DefaultWorkerTTL,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Catalog records a sighting of workerID, replacing any earlier observation.
// A worker that switched graphs is moved to its new affinity group.
func (c *WorkerCatalog) Catalog(workerID, graphAffinity string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.observations[workerID]; ok && old.GraphAffinity != graphAffinity {
		c.unlink(old)
	}
	c.observations[workerID] = WorkerObservation{
		WorkerID:      workerID,
		GraphAffinity: graphAffinity,
		LastSeen:      c.now(),
	}
	workers := c.workersByGraph[graphAffinity]
	if workers == nil {
		workers = make(map[string]struct{})
		c.workersByGraph[graphAffinity] = workers
	}
	workers[workerID] = struct{}{}
}

// PurgeDeadWorkers forgets every worker not seen within the TTL and returns
// how many were removed.
func (c *WorkerCatalog) PurgeDeadWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked()
}

func (c *WorkerCatalog) purgeLocked() int {
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for id, obs := range c.observations {
		if obs.LastSeen.Before(cutoff) {
			delete(c.observations, id)
			c.unlink(obs)
			n++
		}
	}
	if n > 0 {
		slog.Info("Purged dead workers", "count", n, "remaining", len(c.observations))
	}
	return n
}

func (c *WorkerCatalog) unlink(obs WorkerObservation) {
	workers := c.workersByGraph[obs.GraphAffinity]
	delete(workers, obs.WorkerID)
	if len(workers) == 0 {
		delete(c.workersByGraph, obs.GraphAffinity)
	}
}

// WorkersAvailable reports whether any live worker has affinity for graphID.
func (c *WorkerCatalog) WorkersAvailable(graphID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	return len(c.workersByGraph[graphID]) > 0
}

// Size returns the number of known workers.
func (c *WorkerCatalog) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observations)
}

// WorkerCount returns the number of workers with affinity for graphID.
func (c *WorkerCatalog) WorkerCount(graphID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workersByGraph[graphID])
}

// WorkersByGraph returns the worker count per graph.
func (c *WorkerCatalog) WorkersByGraph() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.workersByGraph))
	for g, workers := range c.workersByGraph {
		out[g] = len(workers)
	}
	return out
}

// Observations returns every live observation ordered by worker id.
func (c *WorkerCatalog) Observations() []WorkerObservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerObservation, 0, len(c.observations))
	for _, obs := range c.observations {
		out = append(out, obs)
	}
	slices.SortFunc(out, func(a, b WorkerObservation) int { return cmp.Compare(a.WorkerID, b.WorkerID) })
	return out
}

// UpdateTargetWorkerCounts splits the current workers across graphs in
// proportion to their active jobs. Largest-remainder apportionment keeps the
// targets summing exactly to the number of workers.
func (c *WorkerCatalog) UpdateTargetWorkerCounts(activeJobsPerGraph map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = apportion(len(c.observations), activeJobsPerGraph)
}

// TargetWorkerCount returns the last computed target for graphID.
func (c *WorkerCatalog) TargetWorkerCount(graphID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targets[graphID]
}

// Targets returns a copy of the last computed targets.
func (c *WorkerCatalog) Targets() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.targets))
	for g, n := range c.targets {
		out[g] = n
	}
	return out
}

// NotEnoughWorkers reports whether graphID has fewer workers than its target.
func (c *WorkerCatalog) NotEnoughWorkers(graphID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workersByGraph[graphID]) < c.targets[graphID]
}

// TooManyWorkers reports whether graphID has more workers than its target.
func (c *WorkerCatalog) TooManyWorkers(graphID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workersByGraph[graphID]) > c.targets[graphID]
}

func apportion(workers int, jobsPerGraph map[string]int) map[string]int {
	totalJobs := 0
	for _, n := range jobsPerGraph {
		totalJobs += n
	}
	targets := make(map[string]int, len(jobsPerGraph))
	if totalJobs == 0 || workers == 0 {
		for g := range jobsPerGraph {
			targets[g] = 0
		}
		return targets
	}

	type share struct {
		graph     string
		remainder int
	}
	shares := make([]share, 0, len(jobsPerGraph))
	assigned := 0
	for g, n := range jobsPerGraph {
		targets[g] = n * workers / totalJobs
		assigned += targets[g]
		shares = append(shares, share{graph: g, remainder: n * workers % totalJobs})
	}
	slices.SortFunc(shares, func(a, b share) int {
		if c := cmp.Compare(b.remainder, a.remainder); c != 0 {
			return c
		}
		return cmp.Compare(a.graph, b.graph)
	})
	for i := 0; assigned < workers; i++ {
		targets[shares[i].graph]++
		assigned++
	}
	return targets
}
