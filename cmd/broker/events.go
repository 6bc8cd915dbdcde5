package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dontdude/graphbroker/internal/config"
	"github.com/dontdude/graphbroker/internal/platform/events"
)

// newEventsCommand prints broker events from the Redis channel as JSON lines.
func newEventsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail broker events published to Redis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := events.NewRedisPublisher(cfg.Events.RedisAddr, cfg.Events.Channel)
			if err != nil {
				return err
			}
			defer pub.Close()

			ch, err := pub.Subscribe(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for e := range ch {
				if err := enc.Encode(e); err != nil {
					return fmt.Errorf("writing event: %w", err)
				}
			}
			return nil
		},
	}
}
