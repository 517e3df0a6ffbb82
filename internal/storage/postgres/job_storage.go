package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/models"
)

const uniqueViolation = "23505"

const jobColumns = `j.job_id, j.status, j.job_type, j.username, j.message,
       j.created_at, j.started_at, j.completed_at,
       j.latest_metrics, j.result, j.payload_overview, j.payload,
       COALESCE(p.cnt, 0), COALESCE(l.cnt, 0)`

const jobCountJoins = `
	LEFT JOIN (SELECT job_id, COUNT(*) AS cnt FROM job_progress_events GROUP BY job_id) p ON p.job_id = j.job_id
	LEFT JOIN (SELECT job_id, COUNT(*) AS cnt FROM job_logs GROUP BY job_id) l ON l.job_id = j.job_id`

// JobStore implements the remote PostgreSQL backend. Concurrency is
// delegated to the database; no local lock is taken.
type JobStore struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
	limits *common.LimitsConfig
}

// NewJobStore creates a job store over an open connection pool
func NewJobStore(pool *pgxpool.Pool, logger arbor.ILogger, limits *common.LimitsConfig) interfaces.JobStore {
	return &JobStore{
		pool:   pool,
		logger: logger,
		limits: limits,
	}
}

// CreateJob inserts a pending job row
func (s *JobStore) CreateJob(ctx context.Context, jobID string, jobType models.JobType) error {
	query := `
		INSERT INTO jobs (job_id, status, job_type, message, created_at, latest_metrics, payload_overview)
		VALUES ($1, $2, $3, '', $4, '{}', '{}')
	`
	_, err := s.pool.Exec(ctx, query, jobID, string(models.JobStatusPending), string(jobType), time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return interfaces.ErrJobExists
		}
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to create job")
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug().Str("job_id", jobID).Str("job_type", string(jobType)).Msg("Job created")
	return nil
}

// UpdateJob applies a partial update inside one transaction.
// Terminal rows keep their status, message, completed_at and result.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		curStatus string
		startedAt *time.Time
	)
	err = tx.QueryRow(ctx,
		"SELECT status, started_at FROM jobs WHERE job_id = $1 FOR UPDATE", jobID,
	).Scan(&curStatus, &startedAt)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job for update: %w", err)
	}

	terminal := models.JobStatus(curStatus).IsTerminal()

	sets := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Status != nil && !terminal {
		sets = append(sets, "status = "+arg(string(*update.Status)))

		newStatus := *update.Status
		if startedAt == nil && update.StartedAt == nil &&
			(newStatus == models.JobStatusValidating || newStatus == models.JobStatusRunning) {
			sets = append(sets, "started_at = "+arg(time.Now().UTC()))
		}
	}
	if update.JobType != nil {
		sets = append(sets, "job_type = "+arg(string(*update.JobType)))
	}
	if update.Message != nil && !terminal {
		sets = append(sets, "message = "+arg(*update.Message))
	}
	if update.StartedAt != nil && startedAt == nil {
		sets = append(sets, "started_at = "+arg(update.StartedAt.UTC()))
	}
	if update.CompletedAt != nil && !terminal {
		sets = append(sets, "completed_at = "+arg(update.CompletedAt.UTC()))
	}
	if update.Result != nil && !terminal {
		sets = append(sets, "result = "+arg(string(update.Result))+"::jsonb")
	}
	if update.Payload != nil {
		sets = append(sets, "payload = "+arg(string(update.Payload))+"::jsonb")
	}
	if len(update.LatestMetrics) > 0 {
		raw, err := json.Marshal(update.LatestMetrics)
		if err != nil {
			return fmt.Errorf("failed to serialize latest_metrics: %w", err)
		}
		sets = append(sets, "latest_metrics = latest_metrics || "+arg(string(raw))+"::jsonb")
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE jobs SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE job_id = " + arg(jobID)

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to update job")
		return fmt.Errorf("failed to update job: %w", err)
	}

	return tx.Commit(ctx)
}

// GetJob returns the full row with progress and log counts
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs j" + jobCountJoins + " WHERE j.job_id = $1"
	row := s.pool.QueryRow(ctx, query, jobID)

	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, interfaces.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// JobExists reports whether the job id has a row
func (s *JobStore) JobExists(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)", jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}
	return exists, nil
}

// DeleteJob removes the job; events and logs cascade
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM jobs WHERE job_id = $1", jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// RecordProgress appends an event and merges metrics in one transaction
func (s *JobStore) RecordProgress(ctx context.Context, jobID, event string, metrics map[string]interface{}) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, "SELECT 1 FROM jobs WHERE job_id = $1 FOR UPDATE", jobID).Scan(&one)
	if err == pgx.ErrNoRows {
		// Job deleted mid-run; drop the event
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}

	if metrics == nil {
		metrics = map[string]interface{}{}
	}
	raw, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to serialize metrics: %w", err)
	}

	insert := `
		INSERT INTO job_progress_events (job_id, timestamp, event, metrics)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (job_id, timestamp) DO UPDATE SET
			event = EXCLUDED.event,
			metrics = EXCLUDED.metrics
	`
	if _, err := tx.Exec(ctx, insert, jobID, time.Now().UTC(), event, string(raw)); err != nil {
		return fmt.Errorf("failed to insert progress event: %w", err)
	}

	merge := "UPDATE jobs SET latest_metrics = latest_metrics || $1::jsonb WHERE job_id = $2"
	if _, err := tx.Exec(ctx, merge, string(raw), jobID); err != nil {
		return fmt.Errorf("failed to merge latest_metrics: %w", err)
	}

	evict := `
		DELETE FROM job_progress_events
		WHERE job_id = $1 AND timestamp IN (
			SELECT timestamp FROM job_progress_events
			WHERE job_id = $1
			ORDER BY timestamp DESC
			OFFSET $2
		)
	`
	if _, err := tx.Exec(ctx, evict, jobID, s.limits.MaxProgressEvents); err != nil {
		return fmt.Errorf("failed to evict progress events: %w", err)
	}

	return tx.Commit(ctx)
}

// GetProgressEvents returns events in chronological order
func (s *JobStore) GetProgressEvents(ctx context.Context, jobID string) ([]models.ProgressEvent, error) {
	query := `
		SELECT job_id, timestamp, event, metrics
		FROM job_progress_events
		WHERE job_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress events: %w", err)
	}
	defer rows.Close()

	events := []models.ProgressEvent{}
	for rows.Next() {
		var (
			ev         models.ProgressEvent
			ts         time.Time
			event      *string
			metricsRaw []byte
		)
		if err := rows.Scan(&ev.JobID, &ts, &event, &metricsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}
		ev.Timestamp = ts.UTC()
		if event != nil {
			ev.Event = *event
		}
		if err := json.Unmarshal(metricsRaw, &ev.Metrics); err != nil {
			ev.Metrics = map[string]interface{}{}
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetProgressCount returns the number of stored events for a job
func (s *JobStore) GetProgressCount(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM job_progress_events WHERE job_id = $1", jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count progress events: %w", err)
	}
	return count, nil
}

// AppendLog stores one log line; silently drops when the job is gone
func (s *JobStore) AppendLog(ctx context.Context, jobID, level, loggerName, message string, timestamp time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, "SELECT 1 FROM jobs WHERE job_id = $1 FOR UPDATE", jobID).Scan(&one)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}

	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	insert := "INSERT INTO job_logs (job_id, timestamp, level, logger, message) VALUES ($1, $2, $3, $4, $5)"
	if _, err := tx.Exec(ctx, insert, jobID, timestamp.UTC(), level, loggerName, message); err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	evict := `
		DELETE FROM job_logs
		WHERE id IN (
			SELECT id FROM job_logs
			WHERE job_id = $1
			ORDER BY timestamp DESC, id DESC
			OFFSET $2
		)
	`
	if _, err := tx.Exec(ctx, evict, jobID, s.limits.MaxLogEntries); err != nil {
		return fmt.Errorf("failed to evict log entries: %w", err)
	}

	return tx.Commit(ctx)
}

// GetLogs returns log entries in chronological order
func (s *JobStore) GetLogs(ctx context.Context, jobID string, query *interfaces.LogQuery) ([]models.LogEntry, error) {
	sqlQuery := "SELECT id, job_id, timestamp, level, logger, message FROM job_logs WHERE job_id = $1"
	args := []interface{}{jobID}

	if query != nil && query.Level != "" {
		args = append(args, query.Level)
		sqlQuery += fmt.Sprintf(" AND UPPER(level) = UPPER($%d)", len(args))
	}
	sqlQuery += " ORDER BY timestamp ASC, id ASC"
	if query != nil {
		if query.Limit > 0 {
			args = append(args, query.Limit)
			sqlQuery += fmt.Sprintf(" LIMIT $%d", len(args))
		}
		if query.Offset > 0 {
			args = append(args, query.Offset)
			sqlQuery += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := s.pool.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	entries := []models.LogEntry{}
	for rows.Next() {
		var (
			entry models.LogEntry
			ts    time.Time
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &ts, &entry.Level, &entry.Logger, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Timestamp = ts.UTC()
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetLogCount counts log entries with the same level filter as GetLogs
func (s *JobStore) GetLogCount(ctx context.Context, jobID string, level string) (int, error) {
	query := "SELECT COUNT(*) FROM job_logs WHERE job_id = $1"
	args := []interface{}{jobID}
	if level != "" {
		args = append(args, level)
		query += fmt.Sprintf(" AND UPPER(level) = UPPER($%d)", len(args))
	}

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return count, nil
}

// SetPayloadOverview replaces the overview and refreshes the username column
func (s *JobStore) SetPayloadOverview(ctx context.Context, jobID string, overview map[string]interface{}) error {
	raw, err := json.Marshal(overview)
	if err != nil {
		return fmt.Errorf("failed to serialize payload overview: %w", err)
	}

	username := ""
	if u, ok := overview[models.OverviewUsername].(string); ok {
		username = u
	}

	_, err = s.pool.Exec(ctx,
		"UPDATE jobs SET payload_overview = $1::jsonb, username = $2 WHERE job_id = $3",
		string(raw), username, jobID)
	if err != nil {
		return fmt.Errorf("failed to set payload overview: %w", err)
	}
	return nil
}

// ListJobs returns jobs newest-first with counts in the same round trip
func (s *JobStore) ListJobs(ctx context.Context, filter *interfaces.JobFilter) ([]models.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs j" + jobCountJoins + " WHERE 1=1"
	args := []interface{}{}
	query, args = applyJobFilter(query, args, filter)
	query += " ORDER BY j.created_at DESC"

	if filter != nil && filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

// CountJobs returns the total matching the same filters as ListJobs
func (s *JobStore) CountJobs(ctx context.Context, filter *interfaces.JobFilter) (int, error) {
	query := "SELECT COUNT(*) FROM jobs j WHERE 1=1"
	args := []interface{}{}
	query, args = applyJobFilter(query, args, filter)

	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// RecoverOrphanedJobs fails rows left running or validating by a dead process
func (s *JobStore) RecoverOrphanedJobs(ctx context.Context) (int, error) {
	query := `
		UPDATE jobs
		SET status = $1, message = $2, completed_at = $3
		WHERE status IN ($4, $5)
	`
	tag, err := s.pool.Exec(ctx, query,
		string(models.JobStatusFailed),
		"Job interrupted by service restart",
		time.Now().UTC(),
		string(models.JobStatusRunning),
		string(models.JobStatusValidating),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecoverPendingJobs returns pending job ids oldest-first
func (s *JobStore) RecoverPendingJobs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT job_id FROM jobs WHERE status = $1 ORDER BY created_at ASC",
		string(models.JobStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneTerminalJobs deletes terminal jobs completed before the cutoff
func (s *JobStore) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4
	`
	tag, err := s.pool.Exec(ctx, query,
		string(models.JobStatusSuccess),
		string(models.JobStatusFailed),
		string(models.JobStatusCancelled),
		olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies the connection pool
func (s *JobStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool
func (s *JobStore) Close() error {
	s.pool.Close()
	return nil
}

func applyJobFilter(query string, args []interface{}, filter *interfaces.JobFilter) (string, []interface{}) {
	if filter == nil {
		return query, args
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND j.status = $%d", len(args))
	}
	if filter.Username != "" {
		args = append(args, filter.Username)
		query += fmt.Sprintf(" AND j.username = $%d", len(args))
	}
	if filter.JobType != "" {
		args = append(args, filter.JobType)
		query += fmt.Sprintf(" AND j.job_type = $%d", len(args))
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                    models.Job
		status, jobType        string
		username               *string
		createdAt              time.Time
		startedAt, completedAt *time.Time
		metricsRaw             []byte
		resultRaw              []byte
		overviewRaw            []byte
		payloadRaw             []byte
	)

	err := row.Scan(
		&job.ID, &status, &jobType, &username, &job.Message,
		&createdAt, &startedAt, &completedAt,
		&metricsRaw, &resultRaw, &overviewRaw, &payloadRaw,
		&job.ProgressCount, &job.LogCount,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.JobType = models.JobType(jobType)
	if username != nil {
		job.Username = *username
	}
	job.CreatedAt = createdAt.UTC()
	if startedAt != nil {
		t := startedAt.UTC()
		job.StartedAt = &t
	}
	if completedAt != nil {
		t := completedAt.UTC()
		job.CompletedAt = &t
	}
	if err := json.Unmarshal(metricsRaw, &job.LatestMetrics); err != nil {
		job.LatestMetrics = map[string]interface{}{}
	}
	if len(resultRaw) > 0 {
		job.Result = json.RawMessage(resultRaw)
	}
	if err := json.Unmarshal(overviewRaw, &job.PayloadOverview); err != nil {
		job.PayloadOverview = map[string]interface{}{}
	}
	if len(payloadRaw) > 0 {
		job.Payload = json.RawMessage(payloadRaw)
	}

	return &job, nil
}
