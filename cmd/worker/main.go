// Package main is the entrypoint for the visionq job worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"visionq/internal/config"
	"visionq/internal/detect"
	"visionq/internal/storage"
	"visionq/internal/store"
	"visionq/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "detector_provider", cfg.Detector.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	files := storage.New(cfg.Storage)
	if err := files.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare data dirs: %w", err)
	}

	detector, err := detect.NewDetector(cfg.Detector)
	if err != nil {
		return fmt.Errorf("create detector: %w", err)
	}
	engine := detect.NewEngine(detector, cfg.Detector.InferTimeout)

	w := worker.New(store.NewPostgresStore(pool), engine, files, cfg)
	return w.Run(ctx)
}
