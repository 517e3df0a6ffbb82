package handlers

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/ternarybob/optiq/internal/models"
)

// secondsToHHMMSS formats a non-negative duration as HH:MM:SS
func secondsToHHMMSS(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// computeElapsed returns elapsed time for a job as an HH:MM:SS string
// and raw seconds. The reference point is started_at when set,
// created_at otherwise; jobs that never started report nothing.
func computeElapsed(createdAt time.Time, startedAt, completedAt *time.Time) (string, float64, bool) {
	ref := createdAt
	if startedAt != nil {
		ref = *startedAt
	}

	var seconds float64
	switch {
	case completedAt != nil:
		seconds = completedAt.Sub(ref).Seconds()
	case startedAt != nil:
		seconds = time.Since(ref).Seconds()
	default:
		return "", 0, false
	}
	if seconds < 0 {
		seconds = 0
	}
	return secondsToHHMMSS(seconds), math.Round(seconds*100) / 100, true
}

// estimatedRemaining extracts the progress-bar remaining time from
// latest_metrics as HH:MM:SS. Empty when unavailable.
func estimatedRemaining(metrics map[string]interface{}) string {
	if metrics == nil {
		return ""
	}
	if v, ok := metrics[models.TqdmRemaining].(float64); ok && v >= 0 {
		return secondsToHHMMSS(v)
	}
	return ""
}

// overviewBaseFields maps stored overview keys to the shared response
// field names. Missing keys surface as nulls.
func overviewBaseFields(overview map[string]interface{}) map[string]interface{} {
	get := func(key string) interface{} {
		if overview == nil {
			return nil
		}
		return overview[key]
	}

	jobType := get(models.OverviewJobType)
	if jobType == nil {
		jobType = string(models.JobTypeRun)
	}
	moduleKwargs := get(models.OverviewModuleKwargs)
	if moduleKwargs == nil {
		moduleKwargs = map[string]interface{}{}
	}

	return map[string]interface{}{
		// Universal
		"job_type":       jobType,
		"username":       get(models.OverviewUsername),
		"module_name":    get(models.OverviewModuleName),
		"module_kwargs":  moduleKwargs,
		"optimizer_name": get(models.OverviewOptimizerName),
		"column_mapping": get(models.OverviewColumnMapping),
		"dataset_rows":   get(models.OverviewDatasetRows),
		// Run-specific
		"model_name":            get(models.OverviewModelName),
		"model_settings":        get(models.OverviewModelSettings),
		"reflection_model_name": get(models.OverviewReflectionModelName),
		"prompt_model_name":     get(models.OverviewPromptModelName),
		"task_model_name":       get(models.OverviewTaskModelName),
		// Grid-search-specific
		"total_pairs":       get(models.OverviewTotalPairs),
		"generation_models": get(models.OverviewGenerationModels),
		"reflection_models": get(models.OverviewReflectionModels),
	}
}

// decodeResult parses the stored result column into a generic map.
// Returns nil for missing or corrupted data.
func decodeResult(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	return result
}

func intMetric(metrics map[string]interface{}, key string) (int, bool) {
	if v, ok := metrics[key].(float64); ok {
		return int(v), true
	}
	if v, ok := metrics[key].(int); ok {
		return v, true
	}
	return 0, false
}

// buildSummary assembles the coarse job summary returned by the list
// and summary endpoints.
func buildSummary(job *models.Job) map[string]interface{} {
	overview := job.PayloadOverview
	jobType := string(job.JobType)
	if v, ok := overview[models.OverviewJobType].(string); ok {
		jobType = v
	}

	// Only active jobs show estimated_remaining
	var estRemaining interface{}
	if !job.Status.IsTerminal() {
		if s := estimatedRemaining(job.LatestMetrics); s != "" {
			estRemaining = s
		}
	}

	var baseline, optimized, completedPairs, failedPairs, bestPairLabel interface{}
	result := decodeResult(job.Result)
	if result != nil {
		if jobType == string(models.JobTypeGridSearch) {
			if bestPair, ok := result["best_pair"].(map[string]interface{}); ok {
				baseline = bestPair["baseline_test_metric"]
				optimized = bestPair["optimized_test_metric"]
				gen, _ := bestPair["generation_model"].(string)
				refl, _ := bestPair["reflection_model"].(string)
				bestPairLabel = gen + " + " + refl
			}
			completedPairs = result["completed_pairs"]
			failedPairs = result["failed_pairs"]
		} else {
			baseline = result["baseline_test_metric"]
			optimized = result["optimized_test_metric"]
		}
	}

	// Live counters from latest_metrics until the result lands
	if jobType == string(models.JobTypeGridSearch) {
		if completedPairs == nil {
			v, _ := intMetric(job.LatestMetrics, models.MetricCompletedSoFar)
			completedPairs = v
		}
		if failedPairs == nil {
			v, _ := intMetric(job.LatestMetrics, models.MetricFailedSoFar)
			failedPairs = v
		}
	}

	var metricImprovement interface{}
	if b, ok := baseline.(float64); ok {
		if o, ok := optimized.(float64); ok {
			metricImprovement = math.Round((o-b)*1e6) / 1e6
		}
	}

	summary := overviewBaseFields(overview)
	summary["job_id"] = job.ID
	summary["status"] = job.Status
	summary["message"] = job.Message
	summary["created_at"] = job.CreatedAt
	summary["started_at"] = job.StartedAt
	summary["completed_at"] = job.CompletedAt
	summary["estimated_remaining"] = estRemaining
	summary["split_fractions"] = overview[models.OverviewSplitFractions]
	summary["shuffle"] = overview[models.OverviewShuffle]
	summary["seed"] = overview[models.OverviewSeed]
	summary["optimizer_kwargs"] = orEmptyMap(overview[models.OverviewOptimizerKwargs])
	summary["compile_kwargs"] = orEmptyMap(overview[models.OverviewCompileKwargs])
	summary["latest_metrics"] = job.LatestMetrics
	summary["progress_count"] = job.ProgressCount
	summary["log_count"] = job.LogCount
	summary["baseline_test_metric"] = baseline
	summary["optimized_test_metric"] = optimized
	summary["metric_improvement"] = metricImprovement
	summary["completed_pairs"] = completedPairs
	summary["failed_pairs"] = failedPairs
	summary["best_pair_label"] = bestPairLabel

	if elapsed, seconds, ok := computeElapsed(job.CreatedAt, job.StartedAt, job.CompletedAt); ok {
		summary["elapsed"] = elapsed
		summary["elapsed_seconds"] = seconds
	} else {
		summary["elapsed"] = nil
		summary["elapsed_seconds"] = nil
	}

	return summary
}

func orEmptyMap(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}
