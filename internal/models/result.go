package models

// SplitCounts holds the number of examples in each dataset partition
type SplitCounts struct {
	Train int `json:"train"`
	Val   int `json:"val"`
	Test  int `json:"test"`
}

// ProgramArtifact carries the optimized program produced by a run
type ProgramArtifact struct {
	Path                string                 `json:"path,omitempty"`
	ProgramPickleBase64 string                 `json:"program_pickle_base64,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	OptimizedPrompt     map[string]interface{} `json:"optimized_prompt,omitempty"`
}

// RunResult is the terminal result of a single optimization run
type RunResult struct {
	ModuleName           string                 `json:"module_name"`
	OptimizerName        string                 `json:"optimizer_name"`
	MetricName           string                 `json:"metric_name,omitempty"`
	SplitCounts          SplitCounts            `json:"split_counts"`
	BaselineTestMetric   *float64               `json:"baseline_test_metric,omitempty"`
	OptimizedTestMetric  *float64               `json:"optimized_test_metric,omitempty"`
	MetricImprovement    *float64               `json:"metric_improvement,omitempty"`
	OptimizationMetadata map[string]interface{} `json:"optimization_metadata,omitempty"`
	Details              map[string]interface{} `json:"details,omitempty"`
	ProgramArtifactPath  string                 `json:"program_artifact_path,omitempty"`
	ProgramArtifact      *ProgramArtifact       `json:"program_artifact,omitempty"`
	RuntimeSeconds       *float64               `json:"runtime_seconds,omitempty"`
}

// PairResult is the outcome of one (generation, reflection) model pair
type PairResult struct {
	PairIndex           int              `json:"pair_index"`
	GenerationModel     string           `json:"generation_model"`
	ReflectionModel     string           `json:"reflection_model"`
	BaselineTestMetric  *float64         `json:"baseline_test_metric,omitempty"`
	OptimizedTestMetric *float64         `json:"optimized_test_metric,omitempty"`
	MetricImprovement   *float64         `json:"metric_improvement,omitempty"`
	RuntimeSeconds      *float64         `json:"runtime_seconds,omitempty"`
	ProgramArtifact     *ProgramArtifact `json:"program_artifact,omitempty"`
	Error               string           `json:"error,omitempty"`
}

// Label identifies the pair for dashboards
func (p *PairResult) Label() string {
	return p.GenerationModel + " + " + p.ReflectionModel
}

// GridSearchResult is the terminal result of a model-pair sweep
type GridSearchResult struct {
	ModuleName     string       `json:"module_name"`
	OptimizerName  string       `json:"optimizer_name"`
	MetricName     string       `json:"metric_name,omitempty"`
	SplitCounts    SplitCounts  `json:"split_counts"`
	TotalPairs     int          `json:"total_pairs"`
	CompletedPairs int          `json:"completed_pairs"`
	FailedPairs    int          `json:"failed_pairs"`
	PairResults    []PairResult `json:"pair_results"`
	BestPair       *PairResult  `json:"best_pair,omitempty"`
	RuntimeSeconds *float64     `json:"runtime_seconds,omitempty"`
}
