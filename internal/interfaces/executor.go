package interfaces

import (
	"context"

	"github.com/ternarybob/optiq/internal/models"
)

// ProgressFunc receives telemetry from an executor while it runs.
// Implementations may call it zero or more times; it must be safe to
// call from the executing goroutine only.
type ProgressFunc func(event string, metrics map[string]interface{})

// Executor performs the optimization work. The control plane treats it
// as a black box: validation happens on the worker thread before a
// child process is spawned, execution happens inside the child.
type Executor interface {
	// Validate checks a run payload against the executor's registry.
	// Returns an *executor.ValidationError for user-correctable input.
	Validate(payload *models.RunPayload) error

	// ValidateGrid is the grid-search analogue of Validate. It is a
	// required method; there is no silent fallback.
	ValidateGrid(payload *models.GridSearchPayload) error

	// Run executes a single optimization. progress may be nil.
	Run(ctx context.Context, payload *models.RunPayload, artifactID string, progress ProgressFunc) (*models.RunResult, error)

	// RunGrid executes the model-pair sweep. Per-pair failures are
	// reported inside the result; an error return fails the whole job.
	RunGrid(ctx context.Context, payload *models.GridSearchPayload, artifactID string, progress ProgressFunc) (*models.GridSearchResult, error)
}
