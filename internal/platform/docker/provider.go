// Package docker launches broker workers as local containers. It has no spot
// market, so every request is served on demand.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dontdude/graphbroker/internal/domain"
)

// DefaultMemoryLimit is the hard memory limit of each worker container.
const DefaultMemoryLimit = 512 * 1024 * 1024

// api is the part of the Docker SDK the provider drives.
type api interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
}

// Config describes the worker containers.
type Config struct {
	Image string
	// Network is the Docker network workers join, so they can reach the broker.
	Network     string
	MemoryLimit int64
}

// Provider is a domain.ComputeProvider backed by the local Docker daemon.
type Provider struct {
	cli api
	cfg Config
}

var _ domain.ComputeProvider = (*Provider)(nil)

// NewProvider connects to the Docker daemon from the environment and pings it.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	slog.Info("Docker provider initialized", "image", cfg.Image)
	return newProvider(cli, cfg), nil
}

func newProvider(cli api, cfg Config) *Provider {
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	return &Provider{cli: cli, cfg: cfg}
}

// RequestSpot always fails with domain.ErrSpotUnsupported.
func (p *Provider) RequestSpot(context.Context, domain.LaunchSpec, int) ([]string, error) {
	return nil, domain.ErrSpotUnsupported
}

// SpotStates always fails with domain.ErrSpotUnsupported.
func (p *Provider) SpotStates(context.Context, []string) (map[string]domain.SpotState, error) {
	return nil, domain.ErrSpotUnsupported
}

// RunOnDemand pulls the worker image and starts count containers.
func (p *Provider) RunOnDemand(ctx context.Context, spec domain.LaunchSpec, count int) error {
	slog.Info("Pulling image", "image", p.cfg.Image)
	reader, err := p.cli.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	// Drain the response body so the pull completes.
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	var netCfg *network.NetworkingConfig
	if p.cfg.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{p.cfg.Network: {}},
		}
	}

	for i := range count {
		name := fmt.Sprintf("graph-worker-%s-%d", shortToken(spec.ClientToken), i)
		resp, err := p.cli.ContainerCreate(ctx, &container.Config{
			Image:  p.cfg.Image,
			Env:    Env(spec.WorkerConfig),
			Labels: map[string]string{"graphbroker.graph": spec.GraphID},
		}, &container.HostConfig{
			AutoRemove: true,
			Resources: container.Resources{
				Memory: p.cfg.MemoryLimit,
			},
		}, netCfg, nil, name)
		if err != nil {
			return fmt.Errorf("failed to create container: %w", err)
		}
		if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container %s: %w", resp.ID, err)
		}
		slog.Info("Started worker container", "graphID", spec.GraphID, "containerID", resp.ID)
	}
	return nil
}

// Env turns worker configuration into WORKER_* environment variables, sorted.
func Env(cfg map[string]string) []string {
	env := make([]string, 0, len(cfg))
	for k, v := range cfg {
		key := "WORKER_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(k))
		env = append(env, key+"="+v)
	}
	slices.Sort(env)
	return env
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
