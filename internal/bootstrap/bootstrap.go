// Package bootstrap provides dependency initialization for the dubbing API.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxdub/voxdub-api/internal/automation"
	"github.com/voxdub/voxdub-api/internal/bus"
	"github.com/voxdub/voxdub-api/internal/config"
	"github.com/voxdub/voxdub-api/internal/cost"
	"github.com/voxdub/voxdub-api/internal/job"
	"github.com/voxdub/voxdub-api/internal/media"
	"github.com/voxdub/voxdub-api/internal/metrics"
	"github.com/voxdub/voxdub-api/internal/pipeline"
	"github.com/voxdub/voxdub-api/internal/planner"
	"github.com/voxdub/voxdub-api/internal/provider"
	"github.com/voxdub/voxdub-api/internal/scheduler"
	"github.com/voxdub/voxdub-api/internal/source"
	"github.com/voxdub/voxdub-api/internal/storage"
	"github.com/voxdub/voxdub-api/internal/store"
	"github.com/voxdub/voxdub-api/internal/workspace"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Service   *automation.Service
	Languages *config.Languages
	Sweeper   *workspace.Sweeper
	// MetricsHandler serves the Prometheus scrape endpoint.
	MetricsHandler http.Handler

	repoCloser interface{ Close() error }
}

// Close releases resources held by the dependency graph, currently the
// persistent job store when one is configured.
func (d *Dependencies) Close() error {
	if d.repoCloser != nil {
		return d.repoCloser.Close()
	}
	return nil
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	languages, err := config.LoadLanguages(cfg.LanguagesFile)
	if err != nil {
		return nil, fmt.Errorf("load languages: %w", err)
	}

	deps := &Dependencies{Languages: languages}

	repo, err := initRepository(ctx, cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	providerClient, err := provider.NewClient(cfg.ProviderBaseURL, provider.WithAPIKey(cfg.ProviderAPIKey))
	if err != nil {
		return nil, fmt.Errorf("create provider client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	deps.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	toolkit := media.NewFFmpegToolkit()
	resolver := source.NewHTTPResolver(nil, toolkit)
	progressBus := bus.New()

	sched := scheduler.New(providerClient,
		scheduler.WithPollBounds(cfg.PollMin(), cfg.PollMax()),
		scheduler.WithLogger(logger),
		scheduler.WithRetryObserver(func(int) { m.ChunkRetries.Inc() }),
	)

	deliverer, err := initDeliverer(cfg, logger)
	if err != nil {
		return nil, err
	}

	executor := pipeline.New(pipeline.Deps{
		Repo:         repo,
		Bus:          progressBus,
		Resolver:     resolver,
		Toolkit:      toolkit,
		Planner:      planner.New(toolkit, logger),
		Scheduler:    sched,
		Workspace:    ws,
		Deliverer:    deliverer,
		Metrics:      m,
		Logger:       logger,
		CleanupDelay: cfg.CleanupDelay(),
	})

	deps.Service = automation.New(automation.Deps{
		Repo:       repo,
		Bus:        progressBus,
		Resolver:   resolver,
		Workspace:  ws,
		Executor:   executor,
		Calculator: cost.NewCalculator(cfg.DubRatePerMinute, cfg.ProcessRatePerChunk),
		Languages:  languages,
		Metrics:    m,
		Logger:     logger,
	})
	deps.Sweeper = workspace.NewSweeper(repo, ws, cfg.CleanupDelay(), logger)

	return deps, nil
}

// initRepository creates the job repository based on configuration: the
// SQLite store when DB_PATH is set, the in-memory store otherwise. Jobs left
// non-terminal by a previous process are failed on startup.
func initRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Dependencies) (job.Repository, error) {
	if cfg.DBPath == "" {
		logger.Info("in-memory job store configured")
		return job.NewMemoryRepository(), nil
	}

	repo, err := store.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	deps.repoCloser = repo

	reset, err := repo.ResetInterrupted(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset interrupted jobs: %w", err)
	}
	logger.Info("SQLite job store configured",
		slog.String("db_path", cfg.DBPath),
		slog.Int("interrupted_jobs_reset", reset),
	)
	return repo, nil
}

// initDeliverer creates the S3 deliverer when S3 delivery is configured.
func initDeliverer(cfg *config.Config, logger *slog.Logger) (pipeline.Deliverer, error) {
	if !cfg.S3Enabled() {
		return nil, nil
	}

	deliverer, err := storage.NewS3Deliverer(storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 deliverer: %w", err)
	}
	logger.Info("S3 delivery configured",
		slog.String("bucket", cfg.S3Bucket),
		slog.String("region", cfg.S3Region),
	)
	return deliverer, nil
}
