package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/spf13/cobra"
)

func newServeCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scoring API and workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, load)
		},
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("log-format", "", "log format (json, text)")
	cmd.Flags().String("rules", "", "rules file used to seed an empty repository")
	cmd.Flags().String("model", "", "detector model file")
	return cmd
}

func runServe(cmd *cobra.Command, load configLoader) error {
	cfg, err := load(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"features", cfg.Features.Type,
		"eventbus", cfg.EventBus.Type,
		"fusion_mode", cfg.Scoring.FusionMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Feature Store
	backend, err := features.New(cfg.Features)
	if err != nil {
		return fmt.Errorf("failed to initialize feature store: %w", err)
	}
	store := features.NewStore(backend)
	defer store.Close()
	slog.Info("feature store initialized", "type", cfg.Features.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := loadEngine(ctx, cfg.Scoring, repo)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	agg, err := loadEnsemble(ctx, cfg.Scoring, repo)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	pipeline := scoring.NewPipeline(engine, store, asDetector(agg), cfg.Scoring, logger)
	enricher := velocity.NewEnricher(repo, store, cfg.Scoring, logger)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, repo, engine, pipeline, enricher)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Worker.Concurrency}); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Store:    store,
		Bus:      busImpl,
		Engine:   engine,
		Pipeline: pipeline,
		Enricher: enricher,
		Version:  Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case runErr = <-errCh:
		slog.Error("server failed", "error", runErr)
	}

	// Stop async workers first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop workers", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return runErr
}
