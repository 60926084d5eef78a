// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/igpu-exporter/internal/config"
	"github.com/skobkin/igpu-exporter/internal/gpu"
	"github.com/skobkin/igpu-exporter/internal/httpserver"
	"github.com/skobkin/igpu-exporter/internal/metrics"
	"github.com/skobkin/igpu-exporter/internal/procscan"
	"github.com/skobkin/igpu-exporter/internal/sampler"
	"github.com/skobkin/igpu-exporter/internal/supervisor"
	"github.com/skobkin/igpu-exporter/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle. It returns when the GPU tool
// exits, the HTTP listener fails, or ctx is canceled.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	gpus, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		appLogger.Warn("gpu discovery failed", "err", err)
	}
	appLogger.Info("discovered GPUs", "count", len(gpus))

	registry := metrics.NewRegistry()
	registry.RegisterRuntime()
	registry.SetDevices(gpus)

	samplerManager := sampler.NewManager(baseLogger.With("component", "sampler"))
	defer samplerManager.Close()

	sup, err := supervisor.New(supervisor.Options{
		Binary:        cfg.Binary,
		RefreshPeriod: cfg.RefreshPeriod,
		Logger:        baseLogger.With("component", "supervisor"),
		Handler: func(sample telemetry.Sample) {
			reading := telemetry.NewReading(sample, time.Now())
			registry.Apply(reading)
			samplerManager.Publish(reading)
		},
	})
	if err != nil {
		return fmt.Errorf("init supervisor: %w", err)
	}
	defer func() {
		if err := sup.Close(); err != nil {
			appLogger.Warn("supervisor close", "err", err)
		}
	}()
	registry.WatchDecodeBuffer(sup.Buffered)

	var procManager *procscan.Manager
	if cfg.Proc.Enable {
		procManager, err = procscan.NewManager(cfg.Proc, cfg.ProcRoot, gpus, baseLogger.With("component", "procscan"))
		if err != nil {
			return fmt.Errorf("init proc scanner: %w", err)
		}
		defer func() {
			if err := procManager.Close(); err != nil {
				appLogger.Warn("proc manager close", "err", err)
			}
		}()
		registry.WatchProcesses(procManager)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sup.Start(runCtx); err != nil {
		return fmt.Errorf("spawn gpu tool: %w", err)
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), gpus, registry, samplerManager, procManager)

	g, gctx := errgroup.WithContext(runCtx)

	if procManager != nil {
		g.Go(func() error {
			return procManager.Run(gctx)
		})
	}

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		// The tool exiting for any reason ends the program.
		defer cancel()
		err := sup.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("shutdown initiated", "reason", context.Cause(gctx))
		// Stops the tool when the listener failed first.
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appLogger.Info("shutdown complete")
	return nil
}
