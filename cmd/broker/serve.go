package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/graphbroker/internal/broker"
	"github.com/dontdude/graphbroker/internal/catalog"
	"github.com/dontdude/graphbroker/internal/config"
	"github.com/dontdude/graphbroker/internal/domain"
	"github.com/dontdude/graphbroker/internal/housekeeping"
	"github.com/dontdude/graphbroker/internal/metrics"
	"github.com/dontdude/graphbroker/internal/platform/docker"
	"github.com/dontdude/graphbroker/internal/platform/ec2"
	"github.com/dontdude/graphbroker/internal/platform/events"
	"github.com/dontdude/graphbroker/internal/platform/web"
	"github.com/dontdude/graphbroker/internal/provision"
	"github.com/dontdude/graphbroker/internal/server"
)

const (
	shutdownTimeout   = 10 * time.Second
	provisionQueueLen = 64
)

// serve runs the broker until ctx is cancelled or a component fails.
func serve(ctx context.Context, cfg config.Config) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	return serveOn(ctx, cfg, ln)
}

// serveOn is serve with the listener already bound. It closes ln.
func serveOn(ctx context.Context, cfg config.Config, ln net.Listener) error {
	defer ln.Close()

	// Events.
	counter := metrics.NewEventCounter()
	sink := events.Tee{counter}
	publisher, err := newPublisher(cfg.Events)
	if err != nil {
		return err
	}
	var dispatcher *events.Dispatcher
	if publisher != nil {
		dispatcher = events.NewDispatcher(publisher, events.DefaultBuffer)
		sink = append(sink, dispatcher)
	}

	// Matching.
	b := broker.New(
		broker.WithBatchSize(cfg.BatchSize),
		broker.WithVisibilityTimeout(cfg.VisibilityTimeout),
		broker.WithEventSink(sink),
	)
	workers := catalog.New(catalog.WithTTL(cfg.WorkerTTL))

	// Provisioning.
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}
	pool := provision.NewPool(cfg.ExecutorConcurrency, provisionQueueLen)
	tracker := provision.NewTracker(provider, workers, pool, provision.Config{
		MaxWorkers:        cfg.MaxWorkers,
		WorkersPerRequest: cfg.WorkersPerRequest,
		StartupTime:       cfg.WorkerStartupTime,
		SpotPollInterval:  cfg.EC2.SpotPollInterval,
		SpotWaitTimeout:   cfg.EC2.SpotWaitTimeout,
		RetryMaxElapsed:   2 * time.Minute,
		WorkerConfig:      map[string]string{"broker-address": cfg.BrokerAddress},
	}, sink)

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(b, workers),
		counter,
	)

	// HTTP.
	hub := web.NewStatusHub()
	opts := []server.Option{
		server.WithStatusHub(hub),
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	var limiter *web.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = web.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		opts = append(opts, server.WithRateLimiter(limiter))
	}
	srv := server.New(b, workers, tracker, opts...)

	hk := housekeeping.New(b, workers, tracker, cfg.HousekeepingSchedule, cfg.RedeliveryInterval)

	g, gctx := errgroup.WithContext(ctx)
	pool.Start(gctx)

	// Suspended long-polls end with gctx so Shutdown does not wait on them.
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return hk.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx, cfg.StatusInterval, srv.Snapshot)
		return nil
	})
	if dispatcher != nil {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	if limiter != nil {
		g.Go(func() error {
			limiter.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("Broker listening", "addr", ln.Addr().String(), "provider", cfg.Provider)
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	pool.Stop()
	slog.Info("Broker stopped")
	return err
}

func newProvider(ctx context.Context, cfg config.Config) (domain.ComputeProvider, error) {
	switch cfg.Provider {
	case config.ProviderEC2:
		return ec2.NewProvider(ec2.Config{
			Region:       cfg.EC2.Region,
			AMIID:        cfg.EC2.AMIID,
			InstanceType: cfg.EC2.InstanceType,
			SubnetID:     cfg.EC2.SubnetID,
			IAMRole:      cfg.EC2.IAMRole,
			KeyName:      cfg.EC2.KeyName,
			SpotPrice:    cfg.EC2.SpotPrice,
			WorkerName:   cfg.EC2.WorkerName,
			Project:      cfg.EC2.Project,
		})
	case config.ProviderDocker:
		return docker.NewProvider(ctx, docker.Config{
			Image:   cfg.Docker.Image,
			Network: cfg.Docker.Network,
		})
	default:
		slog.Info("No compute provider configured, working offline")
		return nil, nil
	}
}

func newPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case config.EventsRedis:
		return events.NewRedisPublisher(cfg.RedisAddr, cfg.Channel)
	case config.EventsRabbitMQ:
		return events.NewRabbitPublisher(cfg.AMQPURL, cfg.Exchange)
	default:
		return nil, nil
	}
}
