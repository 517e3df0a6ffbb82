package executor

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/ternarybob/optiq/internal/interfaces"
	"github.com/ternarybob/optiq/internal/models"
)

// Engine is the deterministic reference executor. It performs the full
// dataset-split / baseline / optimize / evaluate sequence with
// simulated metrics so the service runs end to end without an external
// optimization library; production deployments substitute a real
// engine behind the same interface.
type Engine struct {
	registry *Registry

	// StepDelay slows the optimizer loop down; useful for exercising
	// cancellation paths.
	StepDelay time.Duration

	// Steps is the number of optimizer iterations reported via tqdm
	// progress events.
	Steps int

	// EvalPair overrides per-pair grid evaluation. The default runs the
	// simulated optimizer; an error records the pair as failed without
	// stopping the sweep.
	EvalPair func(ctx context.Context, payload *models.GridSearchPayload, gen, refl models.ModelConfig) (baseline, optimized float64, err error)
}

// NewEngine creates a reference engine over the given registry
func NewEngine(registry *Registry) *Engine {
	return &Engine{
		registry: registry,
		Steps:    10,
	}
}

// Registry returns the engine's asset registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Validate checks a run payload against the registry and the dataset
func (e *Engine) Validate(payload *models.RunPayload) error {
	if !e.registry.HasModule(payload.ModuleName) {
		return NewValidationError("unknown module name: %s", payload.ModuleName)
	}
	if !e.registry.HasOptimizer(payload.OptimizerName) {
		return NewValidationError("unknown optimizer name: %s", payload.OptimizerName)
	}
	return e.validateColumns(payload.Dataset, payload.ColumnMapping)
}

// ValidateGrid checks a grid-search payload
func (e *Engine) ValidateGrid(payload *models.GridSearchPayload) error {
	if !e.registry.HasModule(payload.ModuleName) {
		return NewValidationError("unknown module name: %s", payload.ModuleName)
	}
	if !e.registry.HasOptimizer(payload.OptimizerName) {
		return NewValidationError("unknown optimizer name: %s", payload.OptimizerName)
	}
	return e.validateColumns(payload.Dataset, payload.ColumnMapping)
}

func (e *Engine) validateColumns(dataset []map[string]interface{}, mapping *models.ColumnMapping) error {
	if len(dataset) == 0 || mapping == nil {
		return nil
	}
	row := dataset[0]
	for field, column := range mapping.Inputs {
		if _, ok := row[column]; !ok {
			return NewValidationError("Dataset column mismatch: field %q maps to missing column %q", field, column)
		}
	}
	for field, column := range mapping.Outputs {
		if _, ok := row[column]; !ok {
			return NewValidationError("Dataset column mismatch: field %q maps to missing column %q", field, column)
		}
	}
	return nil
}

// Run executes a single simulated optimization
func (e *Engine) Run(ctx context.Context, payload *models.RunPayload, artifactID string, progress interfaces.ProgressFunc) (*models.RunResult, error) {
	start := time.Now()
	emit := func(event string, metrics map[string]interface{}) {
		if progress != nil {
			progress(event, metrics)
		}
	}

	counts := splitDataset(len(payload.Dataset), payload.EffectiveSplits())
	emit(models.EventDatasetSplitsReady, map[string]interface{}{
		"train": counts.Train, "val": counts.Val, "test": counts.Test,
	})

	modelName := ""
	if payload.ModelSettings != nil {
		modelName = payload.ModelSettings.Name
	}
	baseline := simulatedMetric(payload.ModuleName, modelName, payload.Seed, 0)
	emit(models.EventBaselineEvaluated, map[string]interface{}{"baseline_test_metric": baseline})

	if err := e.optimizerLoop(ctx, emit); err != nil {
		return nil, err
	}

	optimized := simulatedMetric(payload.ModuleName, modelName, payload.Seed, 1)
	if optimized < baseline {
		optimized = baseline
	}
	emit(models.EventOptimizedEvaluated, map[string]interface{}{"optimized_test_metric": optimized})

	improvement := optimized - baseline
	runtime := time.Since(start).Seconds()
	return &models.RunResult{
		ModuleName:          payload.ModuleName,
		OptimizerName:       payload.OptimizerName,
		MetricName:          "metric",
		SplitCounts:         counts,
		BaselineTestMetric:  &baseline,
		OptimizedTestMetric: &optimized,
		MetricImprovement:   &improvement,
		ProgramArtifact: &models.ProgramArtifact{
			Metadata: map[string]interface{}{
				"artifact_id":    artifactID,
				"module_name":    payload.ModuleName,
				"optimizer_name": payload.OptimizerName,
			},
		},
		RuntimeSeconds: &runtime,
	}, nil
}

// RunGrid executes the simulated model-pair sweep. Pair failures are
// recorded per pair; the sweep itself fails only when every pair fails.
func (e *Engine) RunGrid(ctx context.Context, payload *models.GridSearchPayload, artifactID string, progress interfaces.ProgressFunc) (*models.GridSearchResult, error) {
	start := time.Now()
	emit := func(event string, metrics map[string]interface{}) {
		if progress != nil {
			progress(event, metrics)
		}
	}

	counts := splitDataset(len(payload.Dataset), payload.EffectiveSplits())
	emit(models.EventDatasetSplitsReady, map[string]interface{}{
		"train": counts.Train, "val": counts.Val, "test": counts.Test,
	})

	result := &models.GridSearchResult{
		ModuleName:    payload.ModuleName,
		OptimizerName: payload.OptimizerName,
		MetricName:    "metric",
		SplitCounts:   counts,
		TotalPairs:    payload.TotalPairs(),
		PairResults:   []models.PairResult{},
	}

	index := 0
	for _, gen := range payload.GenerationModels {
		for _, refl := range payload.ReflectionModels {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			pair := models.PairResult{
				PairIndex:       index,
				GenerationModel: gen.Name,
				ReflectionModel: refl.Name,
			}

			baseline, optimized, err := e.evalPair(ctx, payload, gen, refl)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil, ctx.Err()
			case err != nil:
				pair.Error = err.Error()
				result.FailedPairs++
				result.PairResults = append(result.PairResults, pair)
			default:
				if optimized < baseline {
					optimized = baseline
				}
				improvement := optimized - baseline
				pair.BaselineTestMetric = &baseline
				pair.OptimizedTestMetric = &optimized
				pair.MetricImprovement = &improvement
				result.CompletedPairs++

				result.PairResults = append(result.PairResults, pair)
				if result.BestPair == nil ||
					(result.BestPair.OptimizedTestMetric != nil &&
						*pair.OptimizedTestMetric > *result.BestPair.OptimizedTestMetric) {
					best := pair
					result.BestPair = &best
				}
			}

			index++
			emit(models.EventOptimizerProgress, map[string]interface{}{
				models.MetricCompletedSoFar: result.CompletedPairs,
				models.MetricFailedSoFar:    result.FailedPairs,
				models.TqdmTotal:            result.TotalPairs,
				models.TqdmN:                index,
			})
		}
	}

	runtime := time.Since(start).Seconds()
	result.RuntimeSeconds = &runtime

	// An all-fail sweep is a job failure, but the per-pair table is
	// still returned so callers can inspect each error.
	if result.CompletedPairs == 0 && result.FailedPairs > 0 {
		return result, fmt.Errorf("all %d grid pairs failed", result.FailedPairs)
	}
	return result, nil
}

// evalPair runs one generation/reflection pair through the optimizer
func (e *Engine) evalPair(ctx context.Context, payload *models.GridSearchPayload, gen, refl models.ModelConfig) (float64, float64, error) {
	if e.EvalPair != nil {
		return e.EvalPair(ctx, payload, gen, refl)
	}
	if err := e.optimizerLoop(ctx, nil); err != nil {
		return 0, 0, err
	}
	baseline := simulatedMetric(payload.ModuleName, gen.Name+refl.Name, payload.Seed, 0)
	optimized := simulatedMetric(payload.ModuleName, gen.Name+refl.Name, payload.Seed, 1)
	return baseline, optimized, nil
}

func (e *Engine) optimizerLoop(ctx context.Context, emit func(string, map[string]interface{})) error {
	steps := e.Steps
	if steps < 1 {
		steps = 1
	}
	start := time.Now()
	for i := 1; i <= steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.StepDelay):
			}
		}
		if emit != nil {
			elapsed := time.Since(start).Seconds()
			rate := float64(i) / maxFloat(elapsed, 1e-9)
			remaining := float64(steps-i) / maxFloat(rate, 1e-9)
			emit(models.EventOptimizerProgress, map[string]interface{}{
				models.TqdmTotal:     steps,
				models.TqdmN:         i,
				models.TqdmElapsed:   elapsed,
				models.TqdmRate:      rate,
				models.TqdmRemaining: remaining,
				models.TqdmPercent:   100 * float64(i) / float64(steps),
				models.TqdmDesc:      "optimizing",
			})
		}
	}
	return nil
}

// splitDataset partitions n rows by the configured fractions, assigning
// rounding leftovers to the training split.
func splitDataset(n int, fractions *models.SplitFractions) models.SplitCounts {
	val := int(float64(n) * fractions.Val)
	test := int(float64(n) * fractions.Test)
	train := n - val - test
	if train < 0 {
		train = 0
	}
	return models.SplitCounts{Train: train, Val: val, Test: test}
}

// simulatedMetric derives a stable pseudo-metric in [0, 1) from the
// module, model and seed so repeated runs are reproducible.
func simulatedMetric(moduleName, modelName string, seed *int64, phase int64) float64 {
	h := fnv.New64a()
	h.Write([]byte(moduleName))
	h.Write([]byte(modelName))
	base := int64(h.Sum64() % (1 << 31))
	if seed != nil {
		base += *seed
	}
	rng := rand.New(rand.NewSource(base + phase*7919))
	metric := 0.3 + 0.4*rng.Float64()
	if phase > 0 {
		metric += 0.1 * rng.Float64()
	}
	return metric
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
