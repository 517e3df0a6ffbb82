package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/optiq/internal/models"
)

// JobFilter narrows list and count queries. Zero values mean "no filter".
type JobFilter struct {
	Status   string
	Username string
	JobType  string
	Limit    int
	Offset   int
}

// LogQuery controls log pagination and level filtering.
// A zero Limit returns all entries; Level match is case-insensitive.
type LogQuery struct {
	Limit  int
	Offset int
	Level  string
}

// JobStore is the durable record of jobs, progress events and logs.
// Implementations must make each operation atomic with respect to
// concurrent callers.
type JobStore interface {
	// CreateJob inserts a pending job row. Returns ErrJobExists if the
	// id is already taken.
	CreateJob(ctx context.Context, jobID string, jobType models.JobType) error

	// UpdateJob applies a partial update. LatestMetrics is merged into
	// the existing map. Once a job is terminal, status, message,
	// completed_at and result are frozen. No-op if the job is absent.
	UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) error

	// GetJob returns the full row including progress and log counts.
	// Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	JobExists(ctx context.Context, jobID string) (bool, error)

	// DeleteJob removes the job and all dependent events and logs.
	DeleteJob(ctx context.Context, jobID string) error

	// RecordProgress appends a progress event and merges its metrics into
	// the job's latest_metrics in the same transaction, evicting the
	// oldest event when the per-job cap is exceeded. No-op if the job
	// has been deleted.
	RecordProgress(ctx context.Context, jobID, event string, metrics map[string]interface{}) error

	GetProgressEvents(ctx context.Context, jobID string) ([]models.ProgressEvent, error)
	GetProgressCount(ctx context.Context, jobID string) (int, error)

	// AppendLog stores one log line, evicting the oldest when the cap is
	// exceeded. Silently drops the line if the job does not exist.
	AppendLog(ctx context.Context, jobID, level, loggerName, message string, timestamp time.Time) error

	GetLogs(ctx context.Context, jobID string, query *LogQuery) ([]models.LogEntry, error)
	GetLogCount(ctx context.Context, jobID string, level string) (int, error)

	// SetPayloadOverview replaces the overview wholesale and refreshes
	// the denormalized username column.
	SetPayloadOverview(ctx context.Context, jobID string, overview map[string]interface{}) error

	// ListJobs returns jobs ordered by created_at descending with
	// progress_count and log_count computed in the same round trip.
	ListJobs(ctx context.Context, filter *JobFilter) ([]models.Job, error)
	CountJobs(ctx context.Context, filter *JobFilter) (int, error)

	// RecoverOrphanedJobs rewrites running/validating rows left by a
	// previous process to failed. Returns the number of rows changed.
	RecoverOrphanedJobs(ctx context.Context) (int, error)

	// RecoverPendingJobs returns pending job ids, oldest first.
	RecoverPendingJobs(ctx context.Context) ([]string, error)

	// PruneTerminalJobs deletes terminal jobs completed before the cutoff.
	PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
