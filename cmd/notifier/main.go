package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hray3182/lifeline-notifier/internal/app"
	"github.com/hray3182/lifeline-notifier/internal/config"
	"github.com/hray3182/lifeline-notifier/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		log.Error("failed to start notifier", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log.Info("starting notifier", slog.String("addr", cfg.HTTPAddr))
	runErr := n.Run(ctx)
	stop()

	log.Info("shutting down")
	if err := n.Close(); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}
	if runErr != nil {
		log.Error("notifier stopped", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
}
