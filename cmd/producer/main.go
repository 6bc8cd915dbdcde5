// Command producer submits a demo job to the broker, or a single priority
// task whose result it prints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dontdude/graphbroker/internal/domain"
	"github.com/dontdude/graphbroker/pkg/client"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		broker   string
		user     string
		graph    string
		job      string
		count    int
		priority bool
	)
	cmd := &cobra.Command{
		Use:          "producer",
		Short:        "Submit demo tasks to the broker.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(broker)
			ctx := cmd.Context()

			if priority {
				result, err := c.Priority(ctx, domain.Task{UserID: user, GraphID: graph, JobID: job})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(result))
				return nil
			}

			if job == "" {
				job = uuid.NewString()
			}
			tasks := make([]domain.Task, count)
			for i := range tasks {
				origin, _ := json.Marshal(map[string]int{"index": i})
				tasks[i].Extra = map[string]json.RawMessage{"origin": origin}
			}
			ids, err := c.Submit(ctx, user, graph, job, tasks)
			if err != nil {
				return err
			}
			slog.Info("Submitted job", "jobID", job, "graphID", graph, "tasks", len(ids))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&broker, "broker", "http://localhost:9001", "Broker base URL.")
	flags.StringVar(&user, "user", "demo", "User id.")
	flags.StringVar(&graph, "graph", "default", "Graph id.")
	flags.StringVar(&job, "job", "", "Job id (random when empty).")
	flags.IntVar(&count, "count", 10, "Number of tasks to submit.")
	flags.BoolVar(&priority, "priority", false, "Submit one priority task and wait for its result.")
	return cmd
}
