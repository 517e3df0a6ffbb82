package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
)

// NewPool opens a connection pool to the remote database and ensures
// the job schema exists.
func NewPool(logger arbor.ILogger, config *common.RemoteConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote database URL: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = int32(config.MaxConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach remote database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Int("max_conns", int(poolConfig.MaxConns)).Msg("PostgreSQL job store initialized")
	return pool, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id           TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			job_type         TEXT NOT NULL,
			username         TEXT,
			message          TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL,
			started_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ,
			latest_metrics   JSONB NOT NULL DEFAULT '{}',
			result           JSONB,
			payload_overview JSONB NOT NULL DEFAULT '{}',
			payload          JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
		`CREATE TABLE IF NOT EXISTS job_progress_events (
			job_id    TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL,
			event     TEXT,
			metrics   JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (job_id, timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			id        BIGSERIAL PRIMARY KEY,
			job_id    TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ NOT NULL,
			level     TEXT NOT NULL,
			logger    TEXT NOT NULL DEFAULT '',
			message   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs(job_id)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
