package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	"github.com/ternarybob/optiq/internal/executor"
	"github.com/ternarybob/optiq/internal/handlers"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/storage"
	"github.com/ternarybob/optiq/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	JobStore interfaces.JobStore
	Registry *executor.Registry
	Executor interfaces.Executor
	Runner   worker.Runner
	Pool     *worker.Pool

	retention *cron.Cron

	// HTTP handlers
	SubmitHandler *handlers.SubmitHandler
	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initWorker(); err != nil {
		return nil, fmt.Errorf("failed to initialize worker pool: %w", err)
	}
	app.initHandlers()
	app.initRetention()

	logger.Info().
		Str("backend", cfg.Storage.Backend).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage opens the job store and recovers state left by a
// previous process.
func (a *App) initStorage() error {
	store, err := storage.NewJobStore(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.JobStore = store

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recovered, err := store.RecoverOrphanedJobs(ctx)
	if err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}
	if recovered > 0 {
		a.Logger.Info().Int("count", recovered).Msg("Marked orphaned jobs from previous run as failed")
	}

	return nil
}

// initWorker builds the executor, runner and pool, and re-enqueues
// pending jobs from the previous run.
func (a *App) initWorker() error {
	a.Registry = executor.DefaultRegistry()
	a.Executor = executor.NewEngine(a.Registry)

	if a.Config.Worker.StartMethod != "spawn" {
		a.Logger.Warn().
			Str("start_method", a.Config.Worker.StartMethod).
			Msg("Unsupported job start method, using spawn")
	}
	a.Runner = worker.NewProcessRunner(a.Logger)

	a.Pool = worker.NewPool(a.Logger, a.JobStore, a.Executor, a.Runner, &a.Config.Worker)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := a.JobStore.RecoverPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("pending recovery failed: %w", err)
	}
	for _, jobID := range pending {
		a.Pool.Enqueue(jobID)
	}
	if len(pending) > 0 {
		a.Logger.Info().Int("count", len(pending)).Msg("Re-queued pending jobs from previous run")
	}

	a.Pool.Start()
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.SubmitHandler = handlers.NewSubmitHandler(a.JobStore, a.Executor, a.Pool, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobStore, a.Pool, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.JobStore, a.Pool, a.Registry, a.Config, a.Logger)
}

// initRetention schedules the terminal-job sweep when enabled
func (a *App) initRetention() {
	if !a.Config.Retention.Enabled {
		return
	}

	a.retention = cron.New()
	_, err := a.retention.AddFunc(a.Config.Retention.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		cutoff := time.Now().UTC().Add(-a.Config.Retention.RetentionMaxAge())
		pruned, err := a.JobStore.PruneTerminalJobs(ctx, cutoff)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Retention sweep failed")
			return
		}
		if pruned > 0 {
			a.Logger.Info().Int("count", pruned).Msg("Pruned terminal jobs past retention")
		}
	})
	if err != nil {
		a.Logger.Warn().Err(err).Str("schedule", a.Config.Retention.Schedule).Msg("Invalid retention schedule, sweeper disabled")
		a.retention = nil
		return
	}

	a.retention.Start()
	a.Logger.Info().
		Str("schedule", a.Config.Retention.Schedule).
		Str("max_age", a.Config.Retention.MaxAge).
		Msg("Retention sweeper started")
}

// Close closes all application resources
func (a *App) Close() error {
	if a.retention != nil {
		a.retention.Stop()
	}

	if a.Pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Pool.Stop(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
		}
	}

	if a.JobStore != nil {
		if err := a.JobStore.Close(); err != nil {
			return fmt.Errorf("failed to close job store: %w", err)
		}
		a.Logger.Info().Msg("Job store closed")
	}

	return nil
}
