// Package housekeeping runs the broker's periodic maintenance: forgetting dead
// workers, recomputing target worker counts, requesting workers for graphs
// that have work but nobody to do it, and redelivering timed-out tasks.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/dontdude/graphbroker/internal/catalog"
)

// Broker is the part of the broker housekeeping drives.
type Broker interface {
	ActiveJobsPerGraph(ctx context.Context) (map[string]int, error)
	Redeliver(ctx context.Context) (int, error)
}

// Provisioner asks for workers for a graph.
type Provisioner interface {
	RequestWorkersForGraph(graphID string) bool
}

// Housekeeper schedules maintenance with cron expressions.
type Housekeeper struct {
	broker      Broker
	workers     *catalog.WorkerCatalog
	provisioner Provisioner

	schedule           string
	redeliveryInterval time.Duration

	// Each job runs at most once at a time; overlapping ticks are skipped.
	maintaining  *semaphore.Weighted
	redelivering *semaphore.Weighted
}

// New creates a Housekeeper. provisioner may be nil. A zero
// redeliveryInterval disables the redelivery sweep.
func New(b Broker, workers *catalog.WorkerCatalog, provisioner Provisioner, schedule string, redeliveryInterval time.Duration) *Housekeeper {
	return &Housekeeper{
		broker:             b,
		workers:            workers,
		provisioner:        provisioner,
		schedule:           schedule,
		redeliveryInterval: redeliveryInterval,
		maintaining:        semaphore.NewWeighted(1),
		redelivering:       semaphore.NewWeighted(1),
	}
}

// Run schedules the jobs and blocks until ctx is cancelled and running jobs
// have finished.
func (h *Housekeeper) Run(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc(h.schedule, func() { h.runGuarded(ctx, h.maintaining, "maintain", h.Maintain) }); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", h.schedule, err)
	}
	if h.redeliveryInterval > 0 {
		spec := fmt.Sprintf("@every %s", h.redeliveryInterval)
		if _, err := c.AddFunc(spec, func() { h.runGuarded(ctx, h.redelivering, "redeliver", h.Redeliver) }); err != nil {
			return fmt.Errorf("invalid redelivery interval %s: %w", h.redeliveryInterval, err)
		}
	}

	slog.Info("Housekeeping started", "schedule", h.schedule, "redeliveryInterval", h.redeliveryInterval)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("Housekeeping stopped")
	return nil
}

func (h *Housekeeper) runGuarded(ctx context.Context, sem *semaphore.Weighted, name string, fn func(context.Context) error) {
	if !sem.TryAcquire(1) {
		slog.Debug("Previous run still in progress, skipping", "job", name)
		return
	}
	defer sem.Release(1)

	if err := fn(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Housekeeping job failed", "job", name, "error", err)
	}
}

// Maintain purges dead workers, recomputes target worker counts from the
// active jobs, and requests workers for every graph with active jobs but no
// live workers.
func (h *Housekeeper) Maintain(ctx context.Context) error {
	h.workers.PurgeDeadWorkers()

	active, err := h.broker.ActiveJobsPerGraph(ctx)
	if err != nil {
		return fmt.Errorf("reading active jobs: %w", err)
	}
	h.workers.UpdateTargetWorkerCounts(active)

	graphs := make([]string, 0, len(active))
	for g := range active {
		graphs = append(graphs, g)
	}
	slices.Sort(graphs)

	for _, g := range graphs {
		switch {
		case h.workers.WorkerCount(g) == 0:
			if h.provisioner != nil {
				h.provisioner.RequestWorkersForGraph(g)
			}
		case h.workers.NotEnoughWorkers(g):
			slog.Debug("Graph is short of workers", "graphID", g,
				"workers", h.workers.WorkerCount(g), "target", h.workers.TargetWorkerCount(g))
		case h.workers.TooManyWorkers(g):
			slog.Debug("Graph has more workers than it needs", "graphID", g,
				"workers", h.workers.WorkerCount(g), "target", h.workers.TargetWorkerCount(g))
		}
	}
	return nil
}

// Redeliver makes timed-out tasks visible again.
func (h *Housekeeper) Redeliver(ctx context.Context) error {
	_, err := h.broker.Redeliver(ctx)
	return err
}
