// Command worker is a reference broker worker. It long-polls the broker for
// tasks of one graph, works on them and acknowledges each one. It is
// configured through WORKER_* environment variables, which is how launched
// workers receive their settings.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/dontdude/graphbroker/internal/domain"
	"github.com/dontdude/graphbroker/pkg/client"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	v := viper.New()
	v.SetEnvPrefix("WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("broker-address", "http://localhost:9001")
	v.SetDefault("initial-graph-id", "")
	v.SetDefault("worker-id", uuid.NewString())
	v.SetDefault("auto-shutdown", false)
	v.SetDefault("idle-timeout", "10m")
	v.SetDefault("work-time", "200ms")

	graphID := v.GetString("initial-graph-id")
	if graphID == "" {
		slog.Error("WORKER_INITIAL_GRAPH_ID is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &worker{
		client:       client.New(v.GetString("broker-address"), client.WithWorkerID(v.GetString("worker-id"))),
		graphID:      graphID,
		autoShutdown: v.GetBool("auto-shutdown"),
		idleTimeout:  v.GetDuration("idle-timeout"),
		workTime:     v.GetDuration("work-time"),
	}
	slog.Info("Starting worker", "workerID", v.GetString("worker-id"), "graphID", graphID)
	if err := w.run(ctx); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

type worker struct {
	client       *client.Client
	graphID      string
	autoShutdown bool
	idleTimeout  time.Duration
	workTime     time.Duration
}

func (w *worker) run(ctx context.Context) error {
	for {
		pollCtx, cancel := context.WithTimeout(ctx, w.idleTimeout)
		tasks, err := w.client.Poll(pollCtx, w.graphID)
		cancel()

		switch {
		case ctx.Err() != nil:
			slog.Info("Worker stopped")
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			if w.autoShutdown {
				slog.Info("No work within idle timeout, shutting down", "idleTimeout", w.idleTimeout)
				return nil
			}
			continue
		case err != nil:
			return fmt.Errorf("polling: %w", err)
		}

		for _, t := range tasks {
			w.handle(ctx, t)
		}
	}
}

// handle works on one task and reports completion. A task the broker does not
// know as a job task is a priority task, whose result goes back to the
// waiting producer.
func (w *worker) handle(ctx context.Context, t domain.Task) {
	start := time.Now()
	select {
	case <-time.After(w.workTime):
	case <-ctx.Done():
		return
	}
	result, _ := json.Marshal(map[string]any{
		"taskId":   t.TaskID,
		"graphId":  t.GraphID,
		"workedMs": time.Since(start).Milliseconds(),
	})

	err := w.client.Ack(ctx, t)
	if errors.Is(err, domain.ErrTaskNotFound) {
		err = w.client.RespondPriority(ctx, t, result)
	}
	if err != nil {
		slog.Warn("Could not report task completion", "taskID", t.TaskID, "jobID", t.JobID, "error", err)
		return
	}
	slog.Debug("Task done", "taskID", t.TaskID, "jobID", t.JobID)
}
