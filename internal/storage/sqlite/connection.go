package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	_ "modernc.org/sqlite"
)

// SQLiteDB manages the embedded database connection
type SQLiteDB struct {
	db     *sql.DB
	logger arbor.ILogger
	config *common.LocalConfig
}

// NewSQLiteDB creates a new SQLite database connection
func NewSQLiteDB(logger arbor.ILogger, config *common.LocalConfig) (*SQLiteDB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(config.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// modernc.org/sqlite uses "sqlite" driver name (not "sqlite3")
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteDB{
		db:     db,
		logger: logger,
		config: config,
	}

	if err := s.configure(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Str("path", config.Path).Msg("SQLite job store initialized")
	return s, nil
}

// configure sets up SQLite pragmas and settings
func (s *SQLiteDB) configure() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA cache_size = -%d", s.config.CacheSizeMB*1024), // Negative for KB
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.config.BusyTimeoutMS),
		"PRAGMA foreign_keys = ON", // Cascade deletes from jobs to events and logs
		"PRAGMA synchronous = NORMAL",
	}

	if s.config.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate creates the job tables if they do not exist
func (s *SQLiteDB) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id           TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			job_type         TEXT NOT NULL,
			username         TEXT,
			message          TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			started_at       INTEGER,
			completed_at     INTEGER,
			latest_metrics   TEXT NOT NULL DEFAULT '{}',
			result           TEXT,
			payload_overview TEXT NOT NULL DEFAULT '{}',
			payload          TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
		`CREATE TABLE IF NOT EXISTS job_progress_events (
			job_id    TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
			timestamp INTEGER NOT NULL,
			event     TEXT,
			metrics   TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (job_id, timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id    TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
			timestamp INTEGER NOT NULL,
			level     TEXT NOT NULL,
			logger    TEXT NOT NULL DEFAULT '',
			message   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs(job_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// DB returns the underlying database connection
func (s *SQLiteDB) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
