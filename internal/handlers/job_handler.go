package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/models"
	"github.com/ternarybob/optiq/internal/worker"
)

// JobHandler serves job listing, inspection and lifecycle requests
type JobHandler struct {
	store  interfaces.JobStore
	pool   *worker.Pool
	logger arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(store interfaces.JobStore, pool *worker.Pool, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:  store,
		pool:   pool,
		logger: logger,
	}
}

// ListJobsHandler returns a filtered, paginated job list
// GET /jobs?status=running&username=alice&job_type=run&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	ctx := r.Context()

	status := r.URL.Query().Get("status")
	username := r.URL.Query().Get("username")
	jobType := r.URL.Query().Get("job_type")

	if status != "" && !models.JobStatus(status).IsValid() {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest,
			fmt.Sprintf("Invalid status filter '%s'. Valid values: [cancelled failed pending running success validating]", status))
		return
	}
	if jobType != "" && !models.JobType(jobType).IsValid() {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest,
			fmt.Sprintf("Invalid job_type filter '%s'. Valid values: [grid_search run]", jobType))
		return
	}
	limit, ok := QueryInt(r, "limit", 50, 1, 500)
	if !ok {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, "Invalid limit. Must be between 1 and 500.")
		return
	}
	offset, ok := QueryInt(r, "offset", 0, 0, 1<<31-1)
	if !ok {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, "Invalid offset. Must be non-negative.")
		return
	}

	filter := &interfaces.JobFilter{
		Status:   status,
		Username: username,
		JobType:  jobType,
		Limit:    limit,
		Offset:   offset,
	}

	total, err := h.store.CountJobs(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to count jobs")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to list jobs")
		return
	}
	jobs, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to list jobs")
		return
	}

	items := make([]map[string]interface{}, 0, len(jobs))
	for i := range jobs {
		items = append(items, buildSummary(&jobs[i]))
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// JobSubrouteHandler dispatches /jobs/{job_id} and its sub-paths
func (h *JobHandler) JobSubrouteHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		WriteError(w, http.StatusNotFound, ErrNotFound, "Job id is required.")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.getJob(w, r, jobID)
		case http.MethodDelete:
			h.deleteJob(w, r, jobID)
		default:
			WriteError(w, http.StatusMethodNotAllowed, ErrInvalidRequest, "Method not allowed")
		}
	case "summary":
		if RequireMethod(w, r, "GET") {
			h.getJobSummary(w, r, jobID)
		}
	case "logs":
		if RequireMethod(w, r, "GET") {
			h.getJobLogs(w, r, jobID)
		}
	case "payload":
		if RequireMethod(w, r, "GET") {
			h.getJobPayload(w, r, jobID)
		}
	case "artifact":
		if RequireMethod(w, r, "GET") {
			h.getJobArtifact(w, r, jobID)
		}
	case "grid-result":
		if RequireMethod(w, r, "GET") {
			h.getGridResult(w, r, jobID)
		}
	case "cancel":
		if RequireMethod(w, r, "POST") {
			h.cancelJob(w, r, jobID)
		}
	default:
		WriteError(w, http.StatusNotFound, ErrNotFound, "Unknown job endpoint.")
	}
}

// loadJob fetches a job, writing the 404 envelope when absent
func (h *JobHandler) loadJob(w http.ResponseWriter, r *http.Request, jobID string) (*models.Job, bool) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, ErrNotFound, fmt.Sprintf("Unknown job '%s'.", jobID))
		} else {
			h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load job")
			WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to load job")
		}
		return nil, false
	}
	return job, true
}

func jobTypeOf(job *models.Job) string {
	if v, ok := job.PayloadOverview[models.OverviewJobType].(string); ok {
		return v
	}
	return string(job.JobType)
}

// getJob handles GET /jobs/{job_id}
func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()
	job, ok := h.loadJob(w, r, jobID)
	if !ok {
		return
	}

	progressEvents, err := h.store.GetProgressEvents(ctx, jobID)
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load progress events")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to load job")
		return
	}
	logs, err := h.store.GetLogs(ctx, jobID, &interfaces.LogQuery{})
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load logs")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to load job")
		return
	}

	jobType := jobTypeOf(job)
	result := decodeResult(job.Result)

	// Per-pair grid results are always included so callers can see
	// failures without a separate /grid-result round trip; run results
	// only appear once the job succeeds.
	var runResult, gridResult map[string]interface{}
	if jobType == string(models.JobTypeGridSearch) {
		gridResult = result
	} else if job.Status == models.JobStatusSuccess {
		runResult = result
	}

	var estRemaining interface{}
	if !job.Status.IsTerminal() {
		if s := estimatedRemaining(job.LatestMetrics); s != "" {
			estRemaining = s
		}
	}

	var completedPairs, failedPairs interface{}
	if jobType == string(models.JobTypeGridSearch) {
		if gridResult != nil {
			completedPairs = gridResult["completed_pairs"]
			failedPairs = gridResult["failed_pairs"]
		} else {
			c, _ := intMetric(job.LatestMetrics, models.MetricCompletedSoFar)
			f, _ := intMetric(job.LatestMetrics, models.MetricFailedSoFar)
			completedPairs, failedPairs = c, f
		}
	}

	response := overviewBaseFields(job.PayloadOverview)
	response["job_id"] = job.ID
	response["status"] = job.Status
	response["message"] = job.Message
	response["created_at"] = job.CreatedAt
	response["started_at"] = job.StartedAt
	response["completed_at"] = job.CompletedAt
	response["estimated_remaining"] = estRemaining
	response["latest_metrics"] = job.LatestMetrics
	response["completed_pairs"] = completedPairs
	response["failed_pairs"] = failedPairs
	response["progress_events"] = progressEvents
	response["logs"] = logs
	response["result"] = runResult
	response["grid_result"] = gridResult

	if elapsed, seconds, ok := computeElapsed(job.CreatedAt, job.StartedAt, job.CompletedAt); ok {
		response["elapsed"] = elapsed
		response["elapsed_seconds"] = seconds
	} else {
		response["elapsed"] = nil
		response["elapsed_seconds"] = nil
	}

	WriteJSON(w, http.StatusOK, response)
}

// getJobSummary handles GET /jobs/{job_id}/summary
func (h *JobHandler) getJobSummary(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()
	job, ok := h.loadJob(w, r, jobID)
	if !ok {
		return
	}

	if count, err := h.store.GetProgressCount(ctx, jobID); err == nil {
		job.ProgressCount = count
	}
	if count, err := h.store.GetLogCount(ctx, jobID, ""); err == nil {
		job.LogCount = count
	}

	WriteJSON(w, http.StatusOK, buildSummary(job))
}

// getJobLogs handles GET /jobs/{job_id}/logs
func (h *JobHandler) getJobLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	exists, err := h.store.JobExists(ctx, jobID)
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to check job")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to load logs")
		return
	}
	if !exists {
		WriteError(w, http.StatusNotFound, ErrNotFound, fmt.Sprintf("Unknown job '%s'.", jobID))
		return
	}

	limit, ok := QueryInt(r, "limit", 0, 1, 5000)
	if !ok {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, "Invalid limit. Must be between 1 and 5000.")
		return
	}
	offset, ok := QueryInt(r, "offset", 0, 0, 1<<31-1)
	if !ok {
		WriteError(w, http.StatusUnprocessableEntity, ErrInvalidRequest, "Invalid offset. Must be non-negative.")
		return
	}

	logs, err := h.store.GetLogs(ctx, jobID, &interfaces.LogQuery{
		Limit:  limit,
		Offset: offset,
		Level:  r.URL.Query().Get("level"),
	})
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load logs")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to load logs")
		return
	}
	WriteJSON(w, http.StatusOK, logs)
}

// getJobPayload handles GET /jobs/{job_id}/payload
func (h *JobHandler) getJobPayload(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := h.loadJob(w, r, jobID)
	if !ok {
		return
	}
	if len(job.Payload) == 0 {
		WriteError(w, http.StatusNotFound, ErrNotFound, "Payload not available for this job.")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   job.ID,
		"job_type": jobTypeOf(job),
		"payload":  json.RawMessage(job.Payload),
	})
}

// getJobArtifact handles GET /jobs/{job_id}/artifact
func (h *JobHandler) getJobArtifact(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := h.loadJob(w, r, jobID)
	if !ok {
		return
	}

	if jobTypeOf(job) == string(models.JobTypeGridSearch) {
		WriteError(w, http.StatusNotFound, ErrNotFound,
			"Grid search jobs produce per-pair artifacts. Use GET /jobs/{job_id}/grid-result instead.")
		return
	}

	switch job.Status {
	case models.JobStatusPending, models.JobStatusValidating, models.JobStatusRunning:
		WriteError(w, http.StatusConflict, ErrConflict, "Job has not finished yet.")
		return
	case models.JobStatusFailed:
		message := job.Message
		if message == "" {
			message = "unknown error"
		}
		WriteError(w, http.StatusConflict, ErrConflict,
			fmt.Sprintf("Job failed and did not produce an artifact. Error: %s", message))
		return
	case models.JobStatusCancelled:
		WriteError(w, http.StatusConflict, ErrConflict, "Job was cancelled and did not produce an artifact.")
		return
	}

	var result models.RunResult
	if len(job.Result) > 0 {
		if err := json.Unmarshal(job.Result, &result); err != nil {
			h.logger.Warn().Str("job_id", jobID).Err(err).Msg("Job has corrupted result data")
			WriteError(w, http.StatusInternalServerError, ErrInternal, "Job result data is corrupted.")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"program_artifact": result.ProgramArtifact,
		})
		return
	}

	WriteError(w, http.StatusConflict, ErrConflict, "Job did not produce an artifact.")
}

// getGridResult handles GET /jobs/{job_id}/grid-result
func (h *JobHandler) getGridResult(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := h.loadJob(w, r, jobID)
	if !ok {
		return
	}

	if jobTypeOf(job) != string(models.JobTypeGridSearch) {
		WriteError(w, http.StatusNotFound, ErrNotFound, "Job is not a grid search.")
		return
	}
	if !job.Status.IsTerminal() {
		WriteError(w, http.StatusConflict, ErrConflict, "Job has not finished yet.")
		return
	}

	if len(job.Result) == 0 {
		switch job.Status {
		case models.JobStatusFailed:
			message := job.Message
			if message == "" {
				message = "unknown error"
			}
			WriteError(w, http.StatusConflict, ErrConflict,
				fmt.Sprintf("Grid search failed and produced no result. Error: %s", message))
		case models.JobStatusCancelled:
			WriteError(w, http.StatusConflict, ErrConflict, "Grid search was cancelled and produced no result.")
		default:
			WriteError(w, http.StatusNotFound, ErrNotFound, "No grid search result available.")
		}
		return
	}

	var result models.GridSearchResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Grid search result data is corrupted.")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// cancelJob handles POST /jobs/{job_id}/cancel
func (h *JobHandler) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()
	job, ok := h.loadJob(w, r, jobID)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		WriteError(w, http.StatusConflict, ErrConflict,
			fmt.Sprintf("Job is already in terminal state '%s'.", job.Status))
		return
	}

	h.pool.Cancel(jobID)

	status := models.JobStatusCancelled
	message := "Cancelled by user"
	now := time.Now().UTC()
	if err := h.store.UpdateJob(ctx, jobID, &models.JobUpdate{
		Status:      &status,
		Message:     &message,
		CompletedAt: &now,
	}); err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to cancel job")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to cancel job")
		return
	}

	h.logger.Info().Str("job_id", jobID).Str("previous_status", string(job.Status)).Msg("Job cancelled")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"status": models.JobStatusCancelled,
	})
}

// deleteJob handles DELETE /jobs/{job_id}
func (h *JobHandler) deleteJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()
	job, ok := h.loadJob(w, r, jobID)
	if !ok {
		return
	}
	if !job.Status.IsTerminal() {
		WriteError(w, http.StatusConflict, ErrConflict,
			fmt.Sprintf("Cannot delete job in '%s' state. Cancel it first.", job.Status))
		return
	}

	if err := h.store.DeleteJob(ctx, jobID); err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to delete job")
		WriteError(w, http.StatusInternalServerError, ErrInternal, "Failed to delete job")
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"deleted": true,
	})
}
