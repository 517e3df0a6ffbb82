package models

import (
	"time"
)

// ProgressEvent is one telemetry record emitted while a job runs.
// Events are keyed by (job_id, timestamp) and ordered chronologically.
type ProgressEvent struct {
	JobID     string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Event     string                 `json:"event,omitempty"`
	Metrics   map[string]interface{} `json:"metrics"`
}

// LogEntry is one log line captured from the child process
type LogEntry struct {
	ID        int64     `json:"-"`
	JobID     string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Logger    string    `json:"logger"`
	Message   string    `json:"message"`
}

// Log levels stored uppercase; filtering is case-insensitive
const (
	LogLevelDebug   = "DEBUG"
	LogLevelInfo    = "INFO"
	LogLevelWarning = "WARNING"
	LogLevelError   = "ERROR"
)

// Progress-bar metric keys recognized inside event metrics
const (
	TqdmTotal     = "tqdm_total"
	TqdmN         = "tqdm_n"
	TqdmElapsed   = "tqdm_elapsed"
	TqdmRate      = "tqdm_rate"
	TqdmRemaining = "tqdm_remaining"
	TqdmPercent   = "tqdm_percent"
	TqdmDesc      = "tqdm_desc"
)

// Grid-search live counters merged into latest_metrics by the executor
const (
	MetricCompletedSoFar = "completed_so_far"
	MetricFailedSoFar    = "failed_so_far"
)

// ProgressSnapshot is a typed view over the progress-bar keys of a
// metrics map, decoded on demand for rendering.
type ProgressSnapshot struct {
	Total       *float64
	Current     *float64
	Elapsed     *float64
	Rate        *float64
	Remaining   *float64
	Percent     *float64
	Description string
}

// SnapshotFromMetrics extracts the recognized progress-bar fields.
// Unknown keys are ignored; non-numeric values for numeric fields are
// treated as absent.
func SnapshotFromMetrics(metrics map[string]interface{}) ProgressSnapshot {
	snap := ProgressSnapshot{
		Total:     numericMetric(metrics, TqdmTotal),
		Current:   numericMetric(metrics, TqdmN),
		Elapsed:   numericMetric(metrics, TqdmElapsed),
		Rate:      numericMetric(metrics, TqdmRate),
		Remaining: numericMetric(metrics, TqdmRemaining),
		Percent:   numericMetric(metrics, TqdmPercent),
	}
	if desc, ok := metrics[TqdmDesc].(string); ok {
		snap.Description = desc
	}
	return snap
}

func numericMetric(metrics map[string]interface{}, key string) *float64 {
	switch v := metrics[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}
