package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ModelConfig describes one language-model endpoint
type ModelConfig struct {
	Name        string                 `json:"name" validate:"required"`
	BaseURL     string                 `json:"base_url,omitempty"`
	Temperature *float64               `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int                   `json:"max_tokens,omitempty" validate:"omitempty,gte=1"`
	TopP        *float64               `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// DefaultTemperature applies when the client omits temperature
const DefaultTemperature = 0.1

// EffectiveTemperature returns the configured or default temperature
func (m *ModelConfig) EffectiveTemperature() float64 {
	if m.Temperature != nil {
		return *m.Temperature
	}
	return DefaultTemperature
}

// ColumnMapping maps signature fields to dataset columns
type ColumnMapping struct {
	Inputs  map[string]string `json:"inputs" validate:"required,min=1"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// SplitFractions divides the dataset into train/val/test partitions.
// The three fractions must sum to 1.0 within a 1e-6 tolerance.
type SplitFractions struct {
	Train float64 `json:"train" validate:"gte=0"`
	Val   float64 `json:"val" validate:"gte=0"`
	Test  float64 `json:"test" validate:"gte=0"`
}

// DefaultSplitFractions returns the standard 70/15/15 split
func DefaultSplitFractions() *SplitFractions {
	return &SplitFractions{Train: 0.7, Val: 0.15, Test: 0.15}
}

// RunPayload is a single optimization request.
// Field tags match the wire format; the primary model block arrives
// as "model_config" and must roundtrip under that name.
type RunPayload struct {
	Username        string                   `json:"username" validate:"required"`
	ModuleName      string                   `json:"module_name" validate:"required"`
	OptimizerName   string                   `json:"optimizer_name" validate:"required"`
	ModuleKwargs    map[string]interface{}   `json:"module_kwargs,omitempty"`
	OptimizerKwargs map[string]interface{}   `json:"optimizer_kwargs,omitempty"`
	CompileKwargs   map[string]interface{}   `json:"compile_kwargs,omitempty"`
	SignatureCode   string                   `json:"signature_code,omitempty"`
	MetricCode      string                   `json:"metric_code,omitempty"`
	Dataset         []map[string]interface{} `json:"dataset" validate:"required,min=1"`
	ColumnMapping   *ColumnMapping           `json:"column_mapping" validate:"required"`
	SplitFractions  *SplitFractions          `json:"split_fractions,omitempty"`
	Shuffle         *bool                    `json:"shuffle,omitempty"`
	Seed            *int64                   `json:"seed,omitempty"`

	ModelSettings         *ModelConfig `json:"model_config" validate:"required"`
	ReflectionModelConfig *ModelConfig `json:"reflection_model_config,omitempty"`
	PromptModelConfig     *ModelConfig `json:"prompt_model_config,omitempty"`
	TaskModelConfig       *ModelConfig `json:"task_model_config,omitempty"`
}

// GridSearchPayload sweeps the Cartesian product of generation and
// reflection models. Per-run model blocks are not accepted here.
type GridSearchPayload struct {
	Username        string                   `json:"username" validate:"required"`
	ModuleName      string                   `json:"module_name" validate:"required"`
	OptimizerName   string                   `json:"optimizer_name" validate:"required"`
	ModuleKwargs    map[string]interface{}   `json:"module_kwargs,omitempty"`
	OptimizerKwargs map[string]interface{}   `json:"optimizer_kwargs,omitempty"`
	CompileKwargs   map[string]interface{}   `json:"compile_kwargs,omitempty"`
	SignatureCode   string                   `json:"signature_code,omitempty"`
	MetricCode      string                   `json:"metric_code,omitempty"`
	Dataset         []map[string]interface{} `json:"dataset" validate:"required,min=1"`
	ColumnMapping   *ColumnMapping           `json:"column_mapping" validate:"required"`
	SplitFractions  *SplitFractions          `json:"split_fractions,omitempty"`
	Shuffle         *bool                    `json:"shuffle,omitempty"`
	Seed            *int64                   `json:"seed,omitempty"`

	GenerationModels []ModelConfig `json:"generation_models" validate:"required,min=1,dive"`
	ReflectionModels []ModelConfig `json:"reflection_models" validate:"required,min=1,dive"`
}

// TotalPairs returns the size of the model-pair sweep
func (p *GridSearchPayload) TotalPairs() int {
	return len(p.GenerationModels) * len(p.ReflectionModels)
}

// ShuffleEnabled returns the configured or default shuffle setting
func (p *RunPayload) ShuffleEnabled() bool {
	return p.Shuffle == nil || *p.Shuffle
}

// ShuffleEnabled returns the configured or default shuffle setting
func (p *GridSearchPayload) ShuffleEnabled() bool {
	return p.Shuffle == nil || *p.Shuffle
}

// EffectiveSplits returns the configured or default split fractions
func (p *RunPayload) EffectiveSplits() *SplitFractions {
	if p.SplitFractions != nil {
		return p.SplitFractions
	}
	return DefaultSplitFractions()
}

// EffectiveSplits returns the configured or default split fractions
func (p *GridSearchPayload) EffectiveSplits() *SplitFractions {
	if p.SplitFractions != nil {
		return p.SplitFractions
	}
	return DefaultSplitFractions()
}

// FieldError is one schema-validation failure with a dotted field path
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json names instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	v.RegisterStructValidation(splitFractionsValidation, SplitFractions{})
	v.RegisterStructValidation(columnMappingValidation, ColumnMapping{})

	return v
}

func splitFractionsValidation(sl validator.StructLevel) {
	sf := sl.Current().Interface().(SplitFractions)
	if math.Abs(sf.Train+sf.Val+sf.Test-1.0) > 1e-6 {
		sl.ReportError(sf.Train, "train", "Train", "fractions_sum", "")
	}
}

func columnMappingValidation(sl validator.StructLevel) {
	cm := sl.Current().Interface().(ColumnMapping)
	inputCols := make(map[string]struct{}, len(cm.Inputs))
	for _, col := range cm.Inputs {
		inputCols[col] = struct{}{}
	}
	for _, col := range cm.Outputs {
		if _, dup := inputCols[col]; dup {
			sl.ReportError(cm.Outputs, "outputs", "Outputs", "columns_disjoint", "")
			return
		}
	}
}

// ValidatePayload runs struct validation and returns schema errors with
// dotted field paths, or nil when the payload is valid.
func ValidatePayload(payload interface{}) []FieldError {
	err := payloadValidator.Struct(payload)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "", Message: err.Error(), Type: "invalid"}}
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		// Strip the root struct name from the namespace
		path := fe.Namespace()
		if idx := strings.Index(path, "."); idx >= 0 {
			path = path[idx+1:]
		}
		fields = append(fields, FieldError{
			Field:   path,
			Message: messageForTag(fe),
			Type:    fe.Tag(),
		})
	}
	return fields
}

func messageForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "fractions_sum":
		return "train, val and test fractions must sum to 1.0"
	case "columns_disjoint":
		return "input and output columns must be disjoint"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// DetectJobType inspects a raw submission body and classifies it by the
// presence of the grid-search model axes.
func DetectJobType(raw []byte) JobType {
	if bytes.Contains(raw, []byte(`"generation_models"`)) {
		var probe struct {
			GenerationModels []json.RawMessage `json:"generation_models"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && len(probe.GenerationModels) > 0 {
			return JobTypeGridSearch
		}
	}
	return JobTypeRun
}

// BuildRunOverview derives the listing summary persisted alongside a run job
func BuildRunOverview(p *RunPayload) map[string]interface{} {
	overview := map[string]interface{}{
		OverviewJobType:         string(JobTypeRun),
		OverviewUsername:        p.Username,
		OverviewModuleName:      p.ModuleName,
		OverviewModuleKwargs:    emptyIfNil(p.ModuleKwargs),
		OverviewOptimizerName:   p.OptimizerName,
		OverviewColumnMapping:   p.ColumnMapping,
		OverviewDatasetRows:     len(p.Dataset),
		OverviewSplitFractions:  p.EffectiveSplits(),
		OverviewShuffle:         p.ShuffleEnabled(),
		OverviewSeed:            p.Seed,
		OverviewOptimizerKwargs: emptyIfNil(p.OptimizerKwargs),
		OverviewCompileKwargs:   emptyIfNil(p.CompileKwargs),
	}
	if p.ModelSettings != nil {
		overview[OverviewModelName] = p.ModelSettings.Name
		overview[OverviewModelSettings] = p.ModelSettings
	}
	if p.ReflectionModelConfig != nil {
		overview[OverviewReflectionModelName] = p.ReflectionModelConfig.Name
	}
	if p.PromptModelConfig != nil {
		overview[OverviewPromptModelName] = p.PromptModelConfig.Name
	}
	if p.TaskModelConfig != nil {
		overview[OverviewTaskModelName] = p.TaskModelConfig.Name
	}
	return overview
}

// BuildGridOverview derives the listing summary for a grid-search job
func BuildGridOverview(p *GridSearchPayload) map[string]interface{} {
	generation := make([]string, 0, len(p.GenerationModels))
	for _, m := range p.GenerationModels {
		generation = append(generation, m.Name)
	}
	reflection := make([]string, 0, len(p.ReflectionModels))
	for _, m := range p.ReflectionModels {
		reflection = append(reflection, m.Name)
	}

	return map[string]interface{}{
		OverviewJobType:          string(JobTypeGridSearch),
		OverviewUsername:         p.Username,
		OverviewModuleName:       p.ModuleName,
		OverviewModuleKwargs:     emptyIfNil(p.ModuleKwargs),
		OverviewOptimizerName:    p.OptimizerName,
		OverviewColumnMapping:    p.ColumnMapping,
		OverviewDatasetRows:      len(p.Dataset),
		OverviewSplitFractions:   p.EffectiveSplits(),
		OverviewShuffle:          p.ShuffleEnabled(),
		OverviewSeed:             p.Seed,
		OverviewOptimizerKwargs:  emptyIfNil(p.OptimizerKwargs),
		OverviewCompileKwargs:    emptyIfNil(p.CompileKwargs),
		OverviewTotalPairs:       p.TotalPairs(),
		OverviewGenerationModels: generation,
		OverviewReflectionModels: reflection,
	}
}

func emptyIfNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
