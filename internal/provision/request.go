package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dontdude/graphbroker/internal/domain"
)

// InstanceRequest asks a provider for workers for one graph: spot capacity
// first, then on-demand capacity for whatever the spot market did not fill.
type InstanceRequest struct {
	GraphID string
	Count   int

	spec         domain.LaunchSpec
	provider     domain.ComputeProvider
	pollInterval time.Duration
	spotWait     time.Duration
	newBackOff   func() backoff.BackOff
}

// Run issues the request and returns once every requested worker is either
// running on spot capacity or has been asked for on demand.
func (r *InstanceRequest) Run(ctx context.Context) error {
	log := slog.With("graphID", r.GraphID, "count", r.Count, "clientToken", r.spec.ClientToken)

	var ids []string
	err := r.retry(ctx, func() error {
		var err error
		ids, err = r.provider.RequestSpot(ctx, r.spec, r.Count)
		if errors.Is(err, domain.ErrSpotUnsupported) {
			return backoff.Permanent(err)
		}
		return err
	})

	active := 0
	switch {
	case errors.Is(err, domain.ErrSpotUnsupported):
		log.Info("Provider has no spot market, requesting on-demand workers")
	case err != nil:
		log.Warn("Spot request failed, falling back to on-demand", "error", err)
	default:
		log.Info("Requested spot workers", "spotRequests", len(ids))
		active = r.awaitSpot(ctx, ids)
	}

	shortfall := r.Count - active
	if shortfall <= 0 {
		log.Info("Spot capacity fulfilled the request")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Info("Topping up with on-demand workers", "shortfall", shortfall)
	if err := r.retry(ctx, func() error {
		return r.provider.RunOnDemand(ctx, r.spec, shortfall)
	}); err != nil {
		return fmt.Errorf("on-demand request for graph %s: %w", r.GraphID, err)
	}
	return nil
}

// awaitSpot polls until no spot request is still open, or until the wait
// deadline passes, and returns how many became active.
func (r *InstanceRequest) awaitSpot(ctx context.Context, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	deadline := time.Now().Add(r.spotWait)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	active := 0
	for {
		states, err := r.provider.SpotStates(ctx, ids)
		if err != nil {
			slog.Warn("Could not poll spot requests", "graphID", r.GraphID, "error", err)
		} else {
			open := 0
			active = 0
			for _, id := range ids {
				switch states[id] {
				case domain.SpotOpen:
					open++
				case domain.SpotActive:
					active++
				}
			}
			if open == 0 {
				return active
			}
		}

		if time.Now().After(deadline) {
			slog.Warn("Gave up waiting for spot requests", "graphID", r.GraphID, "active", active)
			return active
		}
		select {
		case <-ctx.Done():
			return active
		case <-ticker.C:
		}
	}
}

func (r *InstanceRequest) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(r.newBackOff(), ctx))
}
