package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/igpu-exporter/internal/app"
	"github.com/skobkin/igpu-exporter/internal/config"
	"github.com/skobkin/igpu-exporter/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		version.Print(os.Stdout, "igpu-exporter")
		return
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "version", version.Current().String(), "port", cfg.Port, "binary", cfg.Binary, "refresh_period", cfg.RefreshPeriod)

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		stop()
		os.Exit(1)
	}
}
