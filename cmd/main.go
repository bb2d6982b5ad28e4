package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"areastate/internal/configuration"
	"areastate/internal/logging"
	"areastate/internal/metrics"
	"areastate/internal/node"
	"areastate/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("areastate exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	props, err := configuration.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	logging.Init(props.App.LogLevel)
	slog.Info("Starting area-state node...", "profile", props.App.Profile)

	key, err := loadIdentity(props)
	if err != nil {
		return err
	}
	slog.Info("node identity loaded", "node_id", key.ID())

	shutdownTracing, err := telemetry.Setup(ctx, props.Telemetry.ServiceName, props.Telemetry.Endpoint, key.ID().String())
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	host, err := node.New(newHostConfig(props), key, newTransport(props))
	if err != nil {
		slog.Error("Failed to create host", "error", err)
		return err
	}
	if err := host.Start(ctx); err != nil {
		slog.Error("Failed to start host", "error", err)
		host.Stop()
		return err
	}
	if err := registerStaticAreas(host, props.Registry.Areas); err != nil {
		slog.Warn("some static areas were not registered", "error", err)
	}

	var metricsServer *metrics.Server
	if props.Metrics.Enabled {
		metricsServer = metrics.NewServer(props.Metrics.Address, host.Ready)
		if err := metricsServer.Start(); err != nil {
			slog.Error("Failed to start metrics server", "error", err)
		}
	}

	slog.Info("Node ready", "node_id", key.ID(), "areas", host.LocalAreas())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down node...")
		if metricsServer != nil {
			metricsServer.Stop()
		}
		host.Stop()
		return nil
	})
	return g.Wait()
}
