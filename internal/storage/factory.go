package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optiq/internal/common"
	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/storage/postgres"
	"github.com/ternarybob/optiq/internal/storage/sqlite"
)

// NewJobStore creates the configured job store backend
func NewJobStore(logger arbor.ILogger, config *common.Config) (interfaces.JobStore, error) {
	switch config.Storage.Backend {
	case common.BackendLocal, "":
		db, err := sqlite.NewSQLiteDB(logger, &config.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("failed to open local job store: %w", err)
		}
		return sqlite.NewJobStore(db, logger, &config.Limits), nil
	case common.BackendRemote:
		pool, err := postgres.NewPool(logger, &config.Storage.Remote)
		if err != nil {
			return nil, fmt.Errorf("failed to open remote job store: %w", err)
		}
		return postgres.NewJobStore(pool, logger, &config.Limits), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", config.Storage.Backend)
	}
}
