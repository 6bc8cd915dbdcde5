// Package metrics exposes broker and worker catalog state to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dontdude/graphbroker/internal/broker"
	"github.com/dontdude/graphbroker/internal/domain"
)

const namespace = "graphbroker"

// collectTimeout bounds how long a scrape waits for the broker goroutine.
const collectTimeout = 2 * time.Second

// StatsSource reports broker counters.
type StatsSource interface {
	Stats(ctx context.Context) (broker.Stats, error)
}

// WorkerSource reports cataloged workers and their targets.
type WorkerSource interface {
	WorkersByGraph() map[string]int
	Targets() map[string]int
}

var (
	descUndelivered = prometheus.NewDesc(namespace+"_undelivered_tasks", "Tasks waiting to be delivered, priority tasks included.", nil, nil)
	descPriority    = prometheus.NewDesc(namespace+"_priority_tasks", "Priority tasks waiting to be delivered.", nil, nil)
	descPending     = prometheus.NewDesc(namespace+"_pending_priority_responses", "Priority producers waiting for a result.", nil, nil)
	descInvisible   = prometheus.NewDesc(namespace+"_invisible_tasks", "Delivered tasks not yet acknowledged.", nil, nil)
	descJobs        = prometheus.NewDesc(namespace+"_jobs", "Jobs known to the broker.", nil, nil)
	descConsumers   = prometheus.NewDesc(namespace+"_waiting_consumers", "Workers long-polling for tasks.", []string{"graph"}, nil)
	descWorkers     = prometheus.NewDesc(namespace+"_workers", "Live workers by graph affinity.", []string{"graph"}, nil)
	descTargets     = prometheus.NewDesc(namespace+"_target_workers", "Target worker count by graph.", []string{"graph"}, nil)
)

// Collector reads gauges from the broker and worker catalog on every scrape.
type Collector struct {
	stats   StatsSource
	workers WorkerSource
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(stats StatsSource, workers WorkerSource) *Collector {
	return &Collector{stats: stats, workers: workers}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descUndelivered, descPriority, descPending, descInvisible, descJobs, descConsumers, descWorkers, descTargets} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if s, err := c.stats.Stats(ctx); err != nil {
		slog.Warn("Could not read broker stats for metrics", "error", err)
	} else {
		ch <- prometheus.MustNewConstMetric(descUndelivered, prometheus.GaugeValue, float64(s.UndeliveredTasks))
		ch <- prometheus.MustNewConstMetric(descPriority, prometheus.GaugeValue, float64(s.PriorityTasks))
		ch <- prometheus.MustNewConstMetric(descPending, prometheus.GaugeValue, float64(s.PendingResponses))
		ch <- prometheus.MustNewConstMetric(descInvisible, prometheus.GaugeValue, float64(s.InvisibleTasks))
		ch <- prometheus.MustNewConstMetric(descJobs, prometheus.GaugeValue, float64(s.Jobs))
		for g, n := range s.ConsumersByGraph {
			ch <- prometheus.MustNewConstMetric(descConsumers, prometheus.GaugeValue, float64(n), g)
		}
	}

	for g, n := range c.workers.WorkersByGraph() {
		ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(n), g)
	}
	for g, n := range c.workers.Targets() {
		ch <- prometheus.MustNewConstMetric(descTargets, prometheus.GaugeValue, float64(n), g)
	}
}

// EventCounter counts broker events by type. It is a domain.EventSink.
type EventCounter struct {
	tasks *prometheus.CounterVec
}

var _ domain.EventSink = (*EventCounter)(nil)

func NewEventCounter() *EventCounter {
	return &EventCounter{
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Broker events weighted by the number of tasks or workers involved.",
			},
			[]string{"type"},
		),
	}
}

func (e *EventCounter) Emit(ev domain.Event) {
	e.tasks.WithLabelValues(string(ev.Type)).Add(float64(ev.Count))
}

func (e *EventCounter) Describe(ch chan<- *prometheus.Desc) { e.tasks.Describe(ch) }
func (e *EventCounter) Collect(ch chan<- prometheus.Metric) { e.tasks.Collect(ch) }
