package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/optiq/internal/models"
)

func seedJob(t *testing.T, env *handlerEnv, jobID string, jobType models.JobType, status models.JobStatus, result string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, env.store.CreateJob(ctx, jobID, jobType))

	overview := map[string]interface{}{
		models.OverviewJobType:       string(jobType),
		models.OverviewUsername:      "alice",
		models.OverviewModuleName:    "predict",
		models.OverviewOptimizerName: "mipro",
	}
	require.NoError(t, env.store.SetPayloadOverview(ctx, jobID, overview))

	if status == models.JobStatusPending {
		return
	}

	update := &models.JobUpdate{Status: &status}
	if status.IsTerminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
		if status == models.JobStatusFailed {
			msg := "ValueError: bad metric"
			update.Message = &msg
		}
	}
	if result != "" {
		update.Result = json.RawMessage(result)
	}
	require.NoError(t, env.store.UpdateJob(ctx, jobID, update))
}

func TestListJobs_InvalidFilters(t *testing.T) {
	env := setupHandlers(t)

	rr := doRequest(env.jobs.ListJobsHandler, "GET", "/jobs?status=bogus", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, ErrInvalidRequest, body["error"])
	assert.Equal(t, "Invalid status filter 'bogus'. Valid values: [cancelled failed pending running success validating]", body["detail"])

	rr = doRequest(env.jobs.ListJobsHandler, "GET", "/jobs?job_type=bogus", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body = decodeBody(t, rr)
	assert.Equal(t, "Invalid job_type filter 'bogus'. Valid values: [grid_search run]", body["detail"])

	rr = doRequest(env.jobs.ListJobsHandler, "GET", "/jobs?limit=0", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doRequest(env.jobs.ListJobsHandler, "GET", "/jobs?limit=501", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = doRequest(env.jobs.ListJobsHandler, "GET", "/jobs?offset=-1", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestListJobs_FilteredPage(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusSuccess,
		`{"baseline_test_metric": 0.4, "optimized_test_metric": 0.6}`)
	seedJob(t, env, "job-2", models.JobTypeRun, models.JobStatusPending, "")
	seedJob(t, env, "job-3", models.JobTypeGridSearch, models.JobStatusPending, "")

	rr := doRequest(env.jobs.ListJobsHandler, "GET", "/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, 3.0, body["total"])
	assert.Equal(t, 50.0, body["limit"])
	items := body["items"].([]interface{})
	require.Len(t, items, 3)

	rr = doRequest(env.jobs.ListJobsHandler, "GET", "/jobs?status=pending&job_type=run", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Equal(t, 1.0, body["total"])
	items = body["items"].([]interface{})
	require.Len(t, items, 1)
	first := items[0].(map[string]interface{})
	assert.Equal(t, "job-2", first["job_id"])
	assert.Equal(t, "alice", first["username"])

	rr = doRequest(env.jobs.ListJobsHandler, "GET", "/jobs?username=nobody", "")
	body = decodeBody(t, rr)
	assert.Equal(t, 0.0, body["total"])
}

func TestGetJob_NotFound(t *testing.T) {
	env := setupHandlers(t)

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/missing", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, ErrNotFound, body["error"])
	assert.Equal(t, "Unknown job 'missing'.", body["detail"])
}

func TestGetJob_SuccessfulRun(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusSuccess,
		`{"baseline_test_metric": 0.4, "optimized_test_metric": 0.6}`)
	require.NoError(t, env.store.RecordProgress(context.Background(), "job-1",
		models.EventBaselineEvaluated, map[string]interface{}{"baseline_test_metric": 0.4}))
	require.NoError(t, env.store.AppendLog(context.Background(), "job-1",
		models.LogLevelInfo, "engine", "done", time.Now()))

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "run", body["job_type"])

	result := body["result"].(map[string]interface{})
	assert.Equal(t, 0.6, result["optimized_test_metric"])
	assert.Nil(t, body["grid_result"])
	assert.Nil(t, body["estimated_remaining"])

	events := body["progress_events"].([]interface{})
	require.Len(t, events, 1)
	logs := body["logs"].([]interface{})
	require.Len(t, logs, 1)
}

func TestGetJob_RunningRunHidesResult(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusRunning, "")
	require.NoError(t, env.store.UpdateJob(context.Background(), "job-1", &models.JobUpdate{
		LatestMetrics: map[string]interface{}{models.TqdmRemaining: 30.0},
	}))

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Nil(t, body["result"])
	assert.Equal(t, "00:00:30", body["estimated_remaining"])
}

func TestGetJob_GridIncludesResultAndPairs(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeGridSearch, models.JobStatusSuccess,
		`{"completed_pairs": 3, "failed_pairs": 1, "total_pairs": 4}`)

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	grid := body["grid_result"].(map[string]interface{})
	assert.Equal(t, 4.0, grid["total_pairs"])
	assert.Equal(t, 3.0, body["completed_pairs"])
	assert.Equal(t, 1.0, body["failed_pairs"])
	assert.Nil(t, body["result"])
}

func TestGetJobSummary(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusSuccess,
		`{"baseline_test_metric": 0.4, "optimized_test_metric": 0.6}`)
	require.NoError(t, env.store.AppendLog(context.Background(), "job-1",
		models.LogLevelInfo, "engine", "done", time.Now()))

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, 0.2, body["metric_improvement"])
	assert.Equal(t, 1.0, body["log_count"])
	// The summary stays coarse: no event or log bodies
	assert.NotContains(t, body, "progress_events")
	assert.NotContains(t, body, "logs")
}

func TestGetJobLogs(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusRunning, "")
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, env.store.AppendLog(ctx, "job-1", models.LogLevelInfo, "engine", "one", base))
	require.NoError(t, env.store.AppendLog(ctx, "job-1", models.LogLevelError, "worker", "two", base.Add(time.Millisecond)))

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1/logs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var logs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, "one", logs[0]["message"])

	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1/logs?level=error", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "two", logs[0]["message"])

	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/missing/logs", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1/logs?limit=9999", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestGetJobPayload(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusPending, "")

	// Overview exists but the verbatim body was never stored
	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1/payload", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "Payload not available for this job.", body["detail"])

	require.NoError(t, env.store.UpdateJob(context.Background(), "job-1", &models.JobUpdate{
		Payload: json.RawMessage(runBody),
	}))

	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1/payload", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Equal(t, "job-1", body["job_id"])
	payload := body["payload"].(map[string]interface{})
	assert.Equal(t, "predict", payload["module_name"])
}

func TestGetJobArtifact(t *testing.T) {
	env := setupHandlers(t)

	seedJob(t, env, "running", models.JobTypeRun, models.JobStatusRunning, "")
	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/running/artifact", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Job has not finished yet.", decodeBody(t, rr)["detail"])

	seedJob(t, env, "failed", models.JobTypeRun, models.JobStatusFailed, "")
	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/failed/artifact", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Job failed and did not produce an artifact. Error: ValueError: bad metric",
		decodeBody(t, rr)["detail"])

	seedJob(t, env, "grid", models.JobTypeGridSearch, models.JobStatusSuccess, `{"total_pairs": 1}`)
	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/grid/artifact", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, decodeBody(t, rr)["detail"], "grid-result")

	seedJob(t, env, "done", models.JobTypeRun, models.JobStatusSuccess,
		`{"program_artifact": {"metadata": {"artifact_id": "done"}}}`)
	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/done/artifact", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	artifact := body["program_artifact"].(map[string]interface{})
	metadata := artifact["metadata"].(map[string]interface{})
	assert.Equal(t, "done", metadata["artifact_id"])
}

func TestGetGridResult(t *testing.T) {
	env := setupHandlers(t)

	seedJob(t, env, "run-job", models.JobTypeRun, models.JobStatusSuccess, `{}`)
	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/run-job/grid-result", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Job is not a grid search.", decodeBody(t, rr)["detail"])

	seedJob(t, env, "active", models.JobTypeGridSearch, models.JobStatusRunning, "")
	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/active/grid-result", "")
	require.Equal(t, http.StatusConflict, rr.Code)

	seedJob(t, env, "failed", models.JobTypeGridSearch, models.JobStatusFailed, "")
	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/failed/grid-result", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, decodeBody(t, rr)["detail"], "Grid search failed")

	gridResult := `{
		"module_name": "predict",
		"optimizer_name": "mipro",
		"metric_name": "metric",
		"total_pairs": 2,
		"completed_pairs": 2,
		"failed_pairs": 0,
		"pair_results": [
			{"pair_index": 0, "generation_model": "gpt-4o-mini", "reflection_model": "gpt-4o"},
			{"pair_index": 1, "generation_model": "gpt-4o", "reflection_model": "gpt-4o"}
		]
	}`
	seedJob(t, env, "done", models.JobTypeGridSearch, models.JobStatusSuccess, gridResult)
	rr = doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/done/grid-result", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, 2.0, body["total_pairs"])
	pairs := body["pair_results"].([]interface{})
	require.Len(t, pairs, 2)
}

func TestGetGridResult_FailedSweepReturnsPairTable(t *testing.T) {
	env := setupHandlers(t)

	// A sweep where every pair failed: the job is terminal failed, but
	// the stored per-pair table is still served.
	gridResult := `{
		"module_name": "predict",
		"optimizer_name": "mipro",
		"metric_name": "metric",
		"total_pairs": 2,
		"completed_pairs": 0,
		"failed_pairs": 2,
		"pair_results": [
			{"pair_index": 0, "generation_model": "gpt-4o-mini", "reflection_model": "gpt-4o", "error": "APIError: model unavailable"},
			{"pair_index": 1, "generation_model": "gpt-4o", "reflection_model": "gpt-4o", "error": "APIError: model unavailable"}
		]
	}`
	seedJob(t, env, "all-failed", models.JobTypeGridSearch, models.JobStatusFailed, gridResult)

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/all-failed/grid-result", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	body := decodeBody(t, rr)
	assert.Equal(t, 0.0, body["completed_pairs"])
	assert.Equal(t, 2.0, body["failed_pairs"])
	pairs := body["pair_results"].([]interface{})
	require.Len(t, pairs, 2)
	first := pairs[0].(map[string]interface{})
	assert.Equal(t, "APIError: model unavailable", first["error"])
}

func TestCancelJob(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusPending, "")

	rr := doRequest(env.jobs.JobSubrouteHandler, "POST", "/jobs/job-1/cancel", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "cancelled", body["status"])

	job, err := env.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, "Cancelled by user", job.Message)
	require.NotNil(t, job.CompletedAt)

	// A second cancel hits the terminal guard
	rr = doRequest(env.jobs.JobSubrouteHandler, "POST", "/jobs/job-1/cancel", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Job is already in terminal state 'cancelled'.", decodeBody(t, rr)["detail"])
}

func TestDeleteJob(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "active", models.JobTypeRun, models.JobStatusRunning, "")

	rr := doRequest(env.jobs.JobSubrouteHandler, "DELETE", "/jobs/active", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Cannot delete job in 'running' state. Cancel it first.", decodeBody(t, rr)["detail"])

	seedJob(t, env, "done", models.JobTypeRun, models.JobStatusSuccess, `{}`)
	rr = doRequest(env.jobs.JobSubrouteHandler, "DELETE", "/jobs/done", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, true, body["deleted"])

	exists, err := env.store.JobExists(context.Background(), "done")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestJobSubroute_UnknownEndpoint(t *testing.T) {
	env := setupHandlers(t)
	seedJob(t, env, "job-1", models.JobTypeRun, models.JobStatusPending, "")

	rr := doRequest(env.jobs.JobSubrouteHandler, "GET", "/jobs/job-1/bogus", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Unknown job endpoint.", decodeBody(t, rr)["detail"])

	rr = doRequest(env.jobs.JobSubrouteHandler, "PUT", "/jobs/job-1", "")
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
