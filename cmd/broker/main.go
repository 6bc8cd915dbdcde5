package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dontdude/graphbroker/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfg config.Config

	rc := &cobra.Command{
		Use:   "broker",
		Short: "Matches graph-scoped compute tasks with long-polling workers.",
		Long: `broker queues analyst compute tasks per job, hands them out fairly to
workers that long-poll for a graph, and launches new workers when a graph
has work but nobody to do it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			file, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			if cfg, err = config.Load(v, file); err != nil {
				return err
			}
			h, err := cfg.Log.Handler(os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(h))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	flags := rc.Flags()
	flags.String("listen", ":9001", "Address to serve HTTP on.")
	flags.String("provider", config.ProviderNone, "Where to launch workers: none, ec2 or docker.")
	flags.Int("max-workers", 4, "Never launch workers beyond this many.")
	flags.String("log-level", "info", "Log level: debug, info, warn or error.")
	for key, flag := range map[string]string{
		"listen":      "listen",
		"provider":    "provider",
		"max_workers": "max-workers",
		"log.level":   "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rc.AddCommand(newEventsCommand(&cfg))
	return rc
}
