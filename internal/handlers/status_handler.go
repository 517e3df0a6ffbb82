package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	"github.com/ternarybob/optiq/internal/executor"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/worker"
)

// StatusHandler serves health, queue and version requests
type StatusHandler struct {
	store    interfaces.JobStore
	pool     *worker.Pool
	registry *executor.Registry
	config   *common.Config
	logger   arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(store interfaces.JobStore, pool *worker.Pool, registry *executor.Registry, config *common.Config, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		store:    store,
		pool:     pool,
		registry: registry,
		config:   config,
		logger:   logger,
	}
}

// HealthHandler handles GET /health. Readiness probes key off the 503
// when worker threads have died or stalled.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats := h.pool.Stats()
	if stats.WorkersAlive == 0 {
		h.logger.Error().Msg("Health check failed: worker threads are not alive")
		WriteError(w, http.StatusServiceUnavailable, ErrServiceUnavailable, "Worker threads are not running")
		return
	}

	stale := time.Since(stats.LastActivity)
	if stale > h.config.Worker.StaleDuration() {
		h.logger.Error().
			Float64("stale_seconds", stale.Seconds()).
			Msg("Health check failed: workers stuck")
		WriteError(w, http.StatusServiceUnavailable, ErrServiceUnavailable,
			fmt.Sprintf("Worker threads stuck for %.0fs", stale.Seconds()))
		return
	}

	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Health check failed: job store unreachable")
		WriteError(w, http.StatusServiceUnavailable, ErrServiceUnavailable, "Job store is unreachable")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"registered_assets": h.registry.Snapshot(),
	})
}

// QueueHandler handles GET /queue
func (h *StatusHandler) QueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats := h.pool.Stats()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pending_jobs":   stats.PendingJobs,
		"active_jobs":    stats.ActiveJobs,
		"worker_threads": stats.WorkerThreads,
		"workers_alive":  stats.WorkersAlive > 0,
	})
}

// VersionHandler handles GET /version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":     common.GetVersion(),
		"build":       common.Build,
		"git_commit":  common.GitCommit,
		"environment": h.config.Environment,
	})
}
