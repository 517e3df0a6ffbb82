package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/models"
)

// nsToTime converts a stored nanosecond timestamp to UTC time
func nsToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

const jobColumns = `j.job_id, j.status, j.job_type, j.username, j.message,
       j.created_at, j.started_at, j.completed_at,
       j.latest_metrics, j.result, j.payload_overview, j.payload,
       COALESCE(p.cnt, 0), COALESCE(l.cnt, 0)`

const jobCountJoins = `
	LEFT JOIN (SELECT job_id, COUNT(*) AS cnt FROM job_progress_events GROUP BY job_id) p ON p.job_id = j.job_id
	LEFT JOIN (SELECT job_id, COUNT(*) AS cnt FROM job_logs GROUP BY job_id) l ON l.job_id = j.job_id`

// JobStore implements the embedded SQLite backend. The database is
// single-writer, so every mutating operation holds an internal mutex.
type JobStore struct {
	db     *SQLiteDB
	logger arbor.ILogger
	limits *common.LimitsConfig
	mu     sync.Mutex
}

// NewJobStore creates a job store over an open SQLite connection
func NewJobStore(db *SQLiteDB, logger arbor.ILogger, limits *common.LimitsConfig) interfaces.JobStore {
	return &JobStore{
		db:     db,
		logger: logger,
		limits: limits,
	}
}

// CreateJob inserts a pending job row
func (s *JobStore) CreateJob(ctx context.Context, jobID string, jobType models.JobType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE job_id = ?", jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}
	if exists > 0 {
		return interfaces.ErrJobExists
	}

	query := `
		INSERT INTO jobs (job_id, status, job_type, message, created_at, latest_metrics, payload_overview)
		VALUES (?, ?, ?, '', ?, '{}', '{}')
	`
	_, err = s.db.db.ExecContext(ctx, query, jobID, string(models.JobStatusPending), string(jobType), time.Now().UTC().UnixNano())
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to create job")
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug().Str("job_id", jobID).Str("job_type", string(jobType)).Msg("Job created")
	return nil
}

// UpdateJob applies a partial update inside one transaction.
// Terminal rows keep their status, message, completed_at and result.
func (s *JobStore) UpdateJob(ctx context.Context, jobID string, update *models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		curStatus  string
		startedAt  sql.NullInt64
		metricsRaw string
	)
	err = tx.QueryRowContext(ctx,
		"SELECT status, started_at, latest_metrics FROM jobs WHERE job_id = ?", jobID,
	).Scan(&curStatus, &startedAt, &metricsRaw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job for update: %w", err)
	}

	terminal := models.JobStatus(curStatus).IsTerminal()

	sets := []string{}
	args := []interface{}{}

	if update.Status != nil && !terminal {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))

		// started_at is set when status first becomes validating or running
		newStatus := *update.Status
		if !startedAt.Valid && update.StartedAt == nil &&
			(newStatus == models.JobStatusValidating || newStatus == models.JobStatusRunning) {
			sets = append(sets, "started_at = ?")
			args = append(args, time.Now().UTC().UnixNano())
		}
	}
	if update.JobType != nil {
		sets = append(sets, "job_type = ?")
		args = append(args, string(*update.JobType))
	}
	if update.Message != nil && !terminal {
		sets = append(sets, "message = ?")
		args = append(args, *update.Message)
	}
	if update.StartedAt != nil && !startedAt.Valid {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC().UnixNano())
	}
	if update.CompletedAt != nil && !terminal {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC().UnixNano())
	}
	if update.Result != nil && !terminal {
		sets = append(sets, "result = ?")
		args = append(args, string(update.Result))
	}
	if update.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, string(update.Payload))
	}
	if len(update.LatestMetrics) > 0 {
		merged := map[string]interface{}{}
		if err := json.Unmarshal([]byte(metricsRaw), &merged); err != nil {
			merged = map[string]interface{}{}
		}
		for k, v := range update.LatestMetrics {
			merged[k] = v
		}
		mergedRaw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to serialize latest_metrics: %w", err)
		}
		sets = append(sets, "latest_metrics = ?")
		args = append(args, string(mergedRaw))
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
	query += " WHERE job_id = ?"
	args = append(args, jobID)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to update job")
		return fmt.Errorf("failed to update job: %w", err)
	}

	return tx.Commit()
}

// GetJob returns the full row with progress and log counts
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs j" + jobCountJoins + " WHERE j.job_id = ?"
	row := s.db.db.QueryRowContext(ctx, query, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// JobExists reports whether the job id has a row
func (s *JobStore) JobExists(ctx context.Context, jobID string) (bool, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE job_id = ?", jobID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check job existence: %w", err)
	}
	return count > 0, nil
}

// DeleteJob removes the job; events and logs cascade
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.db.ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// RecordProgress appends an event and merges metrics in one transaction
func (s *JobStore) RecordProgress(ctx context.Context, jobID, event string, metrics map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var metricsRaw string
	err = tx.QueryRowContext(ctx, "SELECT latest_metrics FROM jobs WHERE job_id = ?", jobID).Scan(&metricsRaw)
	if err == sql.ErrNoRows {
		// Job deleted mid-run; drop the event
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job metrics: %w", err)
	}

	if metrics == nil {
		metrics = map[string]interface{}{}
	}
	eventMetrics, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to serialize metrics: %w", err)
	}

	// Duplicate timestamps dedupe onto the same row
	insert := `
		INSERT INTO job_progress_events (job_id, timestamp, event, metrics)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id, timestamp) DO UPDATE SET
			event = excluded.event,
			metrics = excluded.metrics
	`
	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, insert, jobID, now, event, string(eventMetrics)); err != nil {
		return fmt.Errorf("failed to insert progress event: %w", err)
	}

	merged := map[string]interface{}{}
	if err := json.Unmarshal([]byte(metricsRaw), &merged); err != nil {
		merged = map[string]interface{}{}
	}
	for k, v := range metrics {
		merged[k] = v
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to serialize latest_metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET latest_metrics = ? WHERE job_id = ?", string(mergedRaw), jobID); err != nil {
		return fmt.Errorf("failed to merge latest_metrics: %w", err)
	}

	// Evict oldest events past the cap
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_progress_events WHERE job_id = ?", jobID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count progress events: %w", err)
	}
	if overflow := count - s.limits.MaxProgressEvents; overflow > 0 {
		evict := `
			DELETE FROM job_progress_events
			WHERE job_id = ? AND timestamp IN (
				SELECT timestamp FROM job_progress_events
				WHERE job_id = ? ORDER BY timestamp ASC LIMIT ?
			)
		`
		if _, err := tx.ExecContext(ctx, evict, jobID, jobID, overflow); err != nil {
			return fmt.Errorf("failed to evict progress events: %w", err)
		}
	}

	return tx.Commit()
}

// GetProgressEvents returns events in chronological order
func (s *JobStore) GetProgressEvents(ctx context.Context, jobID string) ([]models.ProgressEvent, error) {
	query := `
		SELECT job_id, timestamp, event, metrics
		FROM job_progress_events
		WHERE job_id = ?
		ORDER BY timestamp ASC
	`
	rows, err := s.db.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress events: %w", err)
	}
	defer rows.Close()

	events := []models.ProgressEvent{}
	for rows.Next() {
		var (
			ev         models.ProgressEvent
			ts         int64
			event      sql.NullString
			metricsRaw string
		)
		if err := rows.Scan(&ev.JobID, &ts, &event, &metricsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan progress event: %w", err)
		}
		ev.Timestamp = nsToTime(ts)
		if event.Valid {
			ev.Event = event.String
		}
		if err := json.Unmarshal([]byte(metricsRaw), &ev.Metrics); err != nil {
			ev.Metrics = map[string]interface{}{}
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}

// GetProgressCount returns the number of stored events for a job
func (s *JobStore) GetProgressCount(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_progress_events WHERE job_id = ?", jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count progress events: %w", err)
	}
	return count, nil
}

// AppendLog stores one log line; silently drops when the job is gone
func (s *JobStore) AppendLog(ctx context.Context, jobID, level, loggerName, message string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs WHERE job_id = ?", jobID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}
	if exists == 0 {
		return nil
	}

	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	insert := "INSERT INTO job_logs (job_id, timestamp, level, logger, message) VALUES (?, ?, ?, ?, ?)"
	if _, err := tx.ExecContext(ctx, insert, jobID, timestamp.UTC().UnixNano(), level, loggerName, message); err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_logs WHERE job_id = ?", jobID).Scan(&count); err != nil {
		return fmt.Errorf("failed to count log entries: %w", err)
	}
	if overflow := count - s.limits.MaxLogEntries; overflow > 0 {
		evict := `
			DELETE FROM job_logs
			WHERE id IN (
				SELECT id FROM job_logs
				WHERE job_id = ? ORDER BY timestamp ASC, id ASC LIMIT ?
			)
		`
		if _, err := tx.ExecContext(ctx, evict, jobID, overflow); err != nil {
			return fmt.Errorf("failed to evict log entries: %w", err)
		}
	}

	return tx.Commit()
}

// GetLogs returns log entries in chronological order
func (s *JobStore) GetLogs(ctx context.Context, jobID string, query *interfaces.LogQuery) ([]models.LogEntry, error) {
	sqlQuery := "SELECT id, job_id, timestamp, level, logger, message FROM job_logs WHERE job_id = ?"
	args := []interface{}{jobID}

	if query != nil && query.Level != "" {
		sqlQuery += " AND UPPER(level) = UPPER(?)"
		args = append(args, query.Level)
	}
	sqlQuery += " ORDER BY timestamp ASC, id ASC"
	if query != nil {
		if query.Limit > 0 {
			sqlQuery += " LIMIT ? OFFSET ?"
			args = append(args, query.Limit, query.Offset)
		} else if query.Offset > 0 {
			// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded
			sqlQuery += " LIMIT -1 OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := s.db.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	entries := []models.LogEntry{}
	for rows.Next() {
		var (
			entry models.LogEntry
			ts    int64
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &ts, &entry.Level, &entry.Logger, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Timestamp = nsToTime(ts)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetLogCount counts log entries with the same level filter as GetLogs
func (s *JobStore) GetLogCount(ctx context.Context, jobID string, level string) (int, error) {
	query := "SELECT COUNT(*) FROM job_logs WHERE job_id = ?"
	args := []interface{}{jobID}
	if level != "" {
		query += " AND UPPER(level) = UPPER(?)"
		args = append(args, level)
	}

	var count int
	if err := s.db.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count logs: %w", err)
	}
	return count, nil
}

// SetPayloadOverview replaces the overview and refreshes the username column
func (s *JobStore) SetPayloadOverview(ctx context.Context, jobID string, overview map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(overview)
	if err != nil {
		return fmt.Errorf("failed to serialize payload overview: %w", err)
	}

	username := ""
	if u, ok := overview[models.OverviewUsername].(string); ok {
		username = u
	}

	_, err = s.db.db.ExecContext(ctx,
		"UPDATE jobs SET payload_overview = ?, username = ? WHERE job_id = ?",
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
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.db.QueryContext(ctx, query, args...)
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
	if err := s.db.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// RecoverOrphanedJobs fails rows left running or validating by a dead process
func (s *JobStore) RecoverOrphanedJobs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE jobs
		SET status = ?, message = ?, completed_at = ?
		WHERE status IN (?, ?)
	`
	res, err := s.db.db.ExecContext(ctx, query,
		string(models.JobStatusFailed),
		"Job interrupted by service restart",
		time.Now().UTC().UnixNano(),
		string(models.JobStatusRunning),
		string(models.JobStatusValidating),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// RecoverPendingJobs returns pending job ids oldest-first
func (s *JobStore) RecoverPendingJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx,
		"SELECT job_id FROM jobs WHERE status = ? ORDER BY created_at ASC",
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
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`
	res, err := s.db.db.ExecContext(ctx, query,
		string(models.JobStatusSuccess),
		string(models.JobStatusFailed),
		string(models.JobStatusCancelled),
		olderThan.UTC().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// Ping verifies the database connection
func (s *JobStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the underlying connection
func (s *JobStore) Close() error {
	return s.db.Close()
}

func applyJobFilter(query string, args []interface{}, filter *interfaces.JobFilter) (string, []interface{}) {
	if filter == nil {
		return query, args
	}
	if filter.Status != "" {
		query += " AND j.status = ?"
		args = append(args, filter.Status)
	}
	if filter.Username != "" {
		query += " AND j.username = ?"
		args = append(args, filter.Username)
	}
	if filter.JobType != "" {
		query += " AND j.job_type = ?"
		args = append(args, filter.JobType)
	}
	return query, args
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                    models.Job
		status, jobType        string
		username               sql.NullString
		createdAt              int64
		startedAt, completedAt sql.NullInt64
		metricsRaw             string
		resultRaw              sql.NullString
		overviewRaw            string
		payloadRaw             sql.NullString
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
	if username.Valid {
		job.Username = username.String
	}
	job.CreatedAt = nsToTime(createdAt)
	if startedAt.Valid {
		t := nsToTime(startedAt.Int64)
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := nsToTime(completedAt.Int64)
		job.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(metricsRaw), &job.LatestMetrics); err != nil {
		job.LatestMetrics = map[string]interface{}{}
	}
	if resultRaw.Valid && resultRaw.String != "" {
		job.Result = json.RawMessage(resultRaw.String)
	}
	if err := json.Unmarshal([]byte(overviewRaw), &job.PayloadOverview); err != nil {
		job.PayloadOverview = map[string]interface{}{}
	}
	if payloadRaw.Valid && payloadRaw.String != "" {
		job.Payload = json.RawMessage(payloadRaw.String)
	}

	return &job, nil
}
