package handlers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/optiq/internal/models"
)

func TestSecondsToHHMMSS(t *testing.T) {
	assert.Equal(t, "00:00:00", secondsToHHMMSS(0))
	assert.Equal(t, "00:00:59", secondsToHHMMSS(59.9))
	assert.Equal(t, "00:01:05", secondsToHHMMSS(65))
	assert.Equal(t, "01:01:01", secondsToHHMMSS(3661))
	assert.Equal(t, "27:46:40", secondsToHHMMSS(100000))
}

func TestComputeElapsed(t *testing.T) {
	created := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	started := created.Add(5 * time.Second)
	completed := started.Add(90 * time.Second)

	// Completed job measures started_at to completed_at
	elapsed, seconds, ok := computeElapsed(created, &started, &completed)
	require.True(t, ok)
	assert.Equal(t, "00:01:30", elapsed)
	assert.Equal(t, 90.0, seconds)

	// Completed without started_at falls back to created_at
	elapsed, seconds, ok = computeElapsed(created, nil, &completed)
	require.True(t, ok)
	assert.Equal(t, "00:01:35", elapsed)
	assert.Equal(t, 95.0, seconds)

	// Never started, never completed: nothing to report
	_, _, ok = computeElapsed(created, nil, nil)
	assert.False(t, ok)

	// Running job measures against the wall clock
	recentStart := time.Now().UTC().Add(-2 * time.Second)
	_, seconds, ok = computeElapsed(created, &recentStart, nil)
	require.True(t, ok)
	assert.GreaterOrEqual(t, seconds, 2.0)
	assert.Less(t, seconds, 10.0)
}

func TestEstimatedRemaining(t *testing.T) {
	assert.Empty(t, estimatedRemaining(nil))
	assert.Empty(t, estimatedRemaining(map[string]interface{}{}))
	assert.Empty(t, estimatedRemaining(map[string]interface{}{models.TqdmRemaining: "soon"}))
	assert.Equal(t, "00:02:05", estimatedRemaining(map[string]interface{}{models.TqdmRemaining: 125.0}))
}

func TestBuildSummary_RunJob(t *testing.T) {
	started := time.Now().UTC().Add(-time.Minute)
	completed := started.Add(30 * time.Second)
	job := &models.Job{
		ID:          "job-1",
		Status:      models.JobStatusSuccess,
		JobType:     models.JobTypeRun,
		Message:     "Optimization completed successfully",
		CreatedAt:   started.Add(-time.Second),
		StartedAt:   &started,
		CompletedAt: &completed,
		Result:      json.RawMessage(`{"baseline_test_metric": 0.4, "optimized_test_metric": 0.65}`),
		PayloadOverview: map[string]interface{}{
			models.OverviewJobType:       "run",
			models.OverviewUsername:      "alice",
			models.OverviewModuleName:    "predict",
			models.OverviewOptimizerName: "mipro",
			models.OverviewModelName:     "gpt-4o-mini",
		},
		ProgressCount: 12,
		LogCount:      4,
	}

	summary := buildSummary(job)

	assert.Equal(t, "job-1", summary["job_id"])
	assert.Equal(t, "alice", summary["username"])
	assert.Equal(t, "gpt-4o-mini", summary["model_name"])
	assert.Equal(t, 0.4, summary["baseline_test_metric"])
	assert.Equal(t, 0.65, summary["optimized_test_metric"])
	assert.Equal(t, 0.25, summary["metric_improvement"])
	assert.Equal(t, 12, summary["progress_count"])
	assert.Equal(t, "00:00:30", summary["elapsed"])
	assert.Equal(t, 30.0, summary["elapsed_seconds"])
	// Terminal jobs never show a remaining estimate
	assert.Nil(t, summary["estimated_remaining"])
	assert.Nil(t, summary["best_pair_label"])
}

func TestBuildSummary_GridJobBestPair(t *testing.T) {
	result := `{
		"best_pair": {
			"generation_model": "gpt-4o-mini",
			"reflection_model": "gpt-4o",
			"baseline_test_metric": 0.41,
			"optimized_test_metric": 0.6333333
		},
		"completed_pairs": 4,
		"failed_pairs": 1
	}`
	job := &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusSuccess,
		JobType:   models.JobTypeGridSearch,
		CreatedAt: time.Now().UTC(),
		Result:    json.RawMessage(result),
		PayloadOverview: map[string]interface{}{
			models.OverviewJobType: "grid_search",
		},
	}

	summary := buildSummary(job)

	assert.Equal(t, "gpt-4o-mini + gpt-4o", summary["best_pair_label"])
	assert.Equal(t, 0.41, summary["baseline_test_metric"])
	assert.Equal(t, 0.6333333, summary["optimized_test_metric"])
	// Improvement is rounded to six decimal places
	assert.Equal(t, 0.223333, summary["metric_improvement"])
	assert.Equal(t, 4.0, summary["completed_pairs"])
	assert.Equal(t, 1.0, summary["failed_pairs"])
}

func TestBuildSummary_GridJobLiveCounters(t *testing.T) {
	job := &models.Job{
		ID:        "job-1",
		Status:    models.JobStatusRunning,
		JobType:   models.JobTypeGridSearch,
		CreatedAt: time.Now().UTC(),
		LatestMetrics: map[string]interface{}{
			models.MetricCompletedSoFar: 2.0,
			models.MetricFailedSoFar:    1.0,
			models.TqdmRemaining:        45.0,
		},
		PayloadOverview: map[string]interface{}{
			models.OverviewJobType: "grid_search",
		},
	}

	summary := buildSummary(job)

	assert.Equal(t, 2, summary["completed_pairs"])
	assert.Equal(t, 1, summary["failed_pairs"])
	assert.Equal(t, "00:00:45", summary["estimated_remaining"])
	assert.Nil(t, summary["baseline_test_metric"])
}

func TestOverviewBaseFields_Defaults(t *testing.T) {
	fields := overviewBaseFields(nil)

	assert.Equal(t, "run", fields["job_type"])
	assert.Equal(t, map[string]interface{}{}, fields["module_kwargs"])
	assert.Nil(t, fields["username"])
	assert.Nil(t, fields["total_pairs"])
}

func TestDecodeResult(t *testing.T) {
	assert.Nil(t, decodeResult(nil))
	assert.Nil(t, decodeResult(json.RawMessage("{broken")))

	result := decodeResult(json.RawMessage(`{"metric_name": "metric"}`))
	require.NotNil(t, result)
	assert.Equal(t, "metric", result["metric_name"])
}
