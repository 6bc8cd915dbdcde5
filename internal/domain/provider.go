package domain

import "context"

// SpotState is the lifecycle state of a spot capacity request.
type SpotState string

const (
	SpotOpen      SpotState = "open"
	SpotActive    SpotState = "active"
	SpotClosed    SpotState = "closed"
	SpotCancelled SpotState = "cancelled"
	SpotFailed    SpotState = "failed"
)

// LaunchSpec describes the workers to launch for a graph.
type LaunchSpec struct {
	GraphID string
	// ClientToken makes a launch idempotent across retries.
	ClientToken string
	// WorkerConfig is handed to each launched worker (user data or env).
	WorkerConfig map[string]string
}

// ComputeProvider defines the contract for launching worker capacity.
// Implementations wrap a cloud or container API; calls may be slow and are
// never made from the broker's goroutine.
type ComputeProvider interface {
	// RequestSpot asks for count spot-priced workers and returns the ids of the
	// spot requests. Providers without a spot market return ErrSpotUnsupported.
	RequestSpot(ctx context.Context, spec LaunchSpec, count int) ([]string, error)

	// SpotStates reports the current state of each spot request id.
	SpotStates(ctx context.Context, requestIDs []string) (map[string]SpotState, error)

	// RunOnDemand launches count on-demand workers.
	RunOnDemand(ctx context.Context, spec LaunchSpec, count int) error
}
