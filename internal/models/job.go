package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusValidating JobStatus = "validating"
	JobStatusRunning    JobStatus = "running"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further status transitions are permitted
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid reports whether s is a known status value
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusValidating, JobStatusRunning,
		JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobType distinguishes single runs from grid searches
type JobType string

const (
	JobTypeRun        JobType = "run"
	JobTypeGridSearch JobType = "grid_search"
)

// IsValid reports whether t is a known job type
func (t JobType) IsValid() bool {
	return t == JobTypeRun || t == JobTypeGridSearch
}

// Job is the durable record of a single optimization request
type Job struct {
	ID              string                 `json:"job_id"`
	Status          JobStatus              `json:"status"`
	JobType         JobType                `json:"job_type"`
	Username        string                 `json:"username,omitempty"`
	Message         string                 `json:"message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	LatestMetrics   map[string]interface{} `json:"latest_metrics,omitempty"`
	Result          json.RawMessage        `json:"result,omitempty"`
	PayloadOverview map[string]interface{} `json:"payload_overview,omitempty"`
	Payload         json.RawMessage        `json:"-"` // Verbatim request body, returned only by the payload endpoint

	// Populated by list queries in the same round trip
	ProgressCount int `json:"progress_count"`
	LogCount      int `json:"log_count"`
}

// JobUpdate is a partial update applied to a job row.
// Nil fields are left untouched; LatestMetrics is merged, not replaced.
type JobUpdate struct {
	Status        *JobStatus
	JobType       *JobType
	Message       *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LatestMetrics map[string]interface{}
	Result        json.RawMessage
	Payload       json.RawMessage
}

// Payload overview keys persisted on every job for cheap listing
const (
	OverviewJobType             = "job_type"
	OverviewUsername            = "username"
	OverviewModuleName          = "module_name"
	OverviewModuleKwargs        = "module_kwargs"
	OverviewOptimizerName       = "optimizer_name"
	OverviewModelName           = "model_name"
	OverviewModelSettings       = "model_settings"
	OverviewReflectionModelName = "reflection_model_name"
	OverviewPromptModelName     = "prompt_model_name"
	OverviewTaskModelName       = "task_model_name"
	OverviewColumnMapping       = "column_mapping"
	OverviewDatasetRows         = "dataset_rows"
	OverviewSplitFractions      = "split_fractions"
	OverviewShuffle             = "shuffle"
	OverviewSeed                = "seed"
	OverviewOptimizerKwargs     = "optimizer_kwargs"
	OverviewCompileKwargs       = "compile_kwargs"
	OverviewTotalPairs          = "total_pairs"
	OverviewGenerationModels    = "generation_models"
	OverviewReflectionModels    = "reflection_models"
)

// Well-known progress event names emitted by executors
const (
	EventDatasetSplitsReady = "dataset_splits_ready"
	EventBaselineEvaluated  = "baseline_evaluated"
	EventOptimizedEvaluated = "optimized_evaluated"
	EventOptimizerProgress  = "optimizer_progress"
)
