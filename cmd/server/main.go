// Package main provides the entry point for the VoxDub API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxdub/voxdub-api/internal/bootstrap"
	"github.com/voxdub/voxdub-api/internal/config"
	"github.com/voxdub/voxdub-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting VoxDub API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("workspace_root", cfg.WorkspaceRoot),
		slog.String("db_path", cfg.DBPath),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	// Initialize dependencies using bootstrap
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	// Background sweep of expired terminal jobs and their workspaces
	go deps.Sweeper.Run(ctx)

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Service, deps.Languages, logger)
	routerCfg := server.DefaultConfig()
	routerCfg.MetricsHandler = deps.MetricsHandler
	router := server.NewRouter(handlers, logger, routerCfg)

	// Create HTTP server. The write timeout is disabled so event streams can
	// outlive any fixed bound; per-stage work is bounded elsewhere.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	// Stop in-flight pipeline executors; they persist a terminal state first.
	if err := deps.Service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executors did not stop in time",
			slog.String("error", err.Error()),
		)
	}

	logger.Info("server stopped gracefully")
	return nil
}
