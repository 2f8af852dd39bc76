package dex

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
)

// Dimension names one of the three scored risk dimensions.
type Dimension string

const (
	DimClinical      Dimension = "clinical_risk"
	DimSocial        Dimension = "social_vulnerability"
	DimAccessibility Dimension = "accessibility"
)

// Dimensions lists the scored dimensions in explanation order.
var Dimensions = []Dimension{DimClinical, DimSocial, DimAccessibility}

// WeightTolerance bounds |sum(weights) - 1|.
const WeightTolerance = 0.01

type Weights struct {
	Clinical      float64 `json:"clinical" yaml:"clinical" validate:"gte=0,lte=1"`
	Social        float64 `json:"social" yaml:"social" validate:"gte=0,lte=1"`
	Accessibility float64 `json:"accessibility" yaml:"accessibility" validate:"gte=0,lte=1"`
}

func (w Weights) Sum() float64 { return w.Clinical + w.Social + w.Accessibility }

// Of returns the weight for a dimension.
func (w Weights) Of(d Dimension) float64 {
	switch d {
	case DimClinical:
		return w.Clinical
	case DimSocial:
		return w.Social
	case DimAccessibility:
		return w.Accessibility
	}
	return 0
}

// Validate checks the weights are normalised within WeightTolerance.
func (w Weights) Validate() error {
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightTolerance {
		return apperr.Validation("weights", "must sum to 1.0 (±%.2f), got %.4f", WeightTolerance, sum)
	}
	return nil
}

// Bucket is a linguistic category over [Min, Max).
type Bucket struct {
	Label string  `json:"label" yaml:"label" validate:"required"`
	Min   float64 `json:"min" yaml:"min" validate:"gte=0,lte=100"`
	Max   float64 `json:"max" yaml:"max" validate:"gte=0,lte=100"`
}

// Threshold maps composite scores >= Min to Label.
type Threshold struct {
	Label model.PriorityLabel `json:"label" yaml:"label" validate:"required,oneof=URGENT HIGH MEDIUM ROUTINE"`
	Min   float64             `json:"min" yaml:"min" validate:"gte=0,lte=100"`
}

// SpecialistTrigger fires when "<Condition>_prevalence" exceeds Floor.
type SpecialistTrigger struct {
	Condition string  `json:"condition" yaml:"condition" validate:"required"`
	Floor     float64 `json:"floor" yaml:"floor" validate:"gte=0"`
}

// ModelConfig is an immutable, versioned scoring model.
type ModelConfig struct {
	Version               string                 `json:"version" yaml:"version" validate:"required,max=50"`
	Description           string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Weights               Weights                `json:"weights" yaml:"weights"`
	Buckets               map[Dimension][]Bucket `json:"buckets" yaml:"buckets" validate:"required"`
	Thresholds            []Threshold            `json:"thresholds" yaml:"thresholds" validate:"required,min=1,dive"`
	Core20Boost           float64                `json:"core20Boost" yaml:"core20Boost" validate:"gte=0,lte=100"`
	TranslatorIndicator   string                 `json:"translatorIndicator" yaml:"translatorIndicator" validate:"required"`
	TranslatorThreshold   float64                `json:"translatorThreshold" yaml:"translatorThreshold" validate:"gte=0,lte=100"`
	SpecialistTriggers    []SpecialistTrigger    `json:"specialistTriggers,omitempty" yaml:"specialistTriggers,omitempty" validate:"dive"`
	DefaultVisitMinutes   int                    `json:"defaultVisitMinutes" yaml:"defaultVisitMinutes" validate:"gte=1"`
	FlagVisitExtraMinutes int                    `json:"flagVisitExtraMinutes" yaml:"flagVisitExtraMinutes" validate:"gte=0"`

	IsActive    bool       `json:"isActive" yaml:"-"`
	CreatedAt   time.Time  `json:"createdAt,omitempty" yaml:"-"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty" yaml:"-"`
	ActivatedBy string     `json:"activatedBy,omitempty" yaml:"-"`
}

var validate = validator.New()

// Validate enforces the configuration invariants: normalised weights,
// contiguous non-overlapping buckets covering 0..100 per dimension and
// strictly ordered label thresholds.
func (c ModelConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Validation(fe.Namespace(), "failed %q constraint", fe.Tag())
		}
		return apperr.Wrap(apperr.KindValidation, err, "model config")
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	for d := range c.Buckets {
		if !knownDimension(d) {
			return apperr.Validation("buckets", "unknown dimension %q", d)
		}
	}
	for _, d := range Dimensions {
		if err := validateBuckets(d, c.Buckets[d]); err != nil {
			return err
		}
	}
	return validateThresholds(c.Thresholds)
}

func knownDimension(d Dimension) bool {
	for _, k := range Dimensions {
		if k == d {
			return true
		}
	}
	return false
}

func validateBuckets(d Dimension, bs []Bucket) error {
	field := "buckets." + string(d)
	if len(bs) == 0 {
		return apperr.Validation(field, "at least one bucket required")
	}
	if bs[0].Min != 0 {
		return apperr.Validation(field, "first bucket must start at 0, got %g", bs[0].Min)
	}
	seen := map[string]bool{}
	for i, b := range bs {
		if b.Label == "" {
			return apperr.Validation(field, "bucket %d has no label", i)
		}
		if seen[b.Label] {
			return apperr.Validation(field, "duplicate bucket label %q", b.Label)
		}
		seen[b.Label] = true
		if b.Min >= b.Max {
			return apperr.Validation(field, "bucket %q has min %g >= max %g", b.Label, b.Min, b.Max)
		}
		if i > 0 && bs[i-1].Max != b.Min {
			return apperr.Validation(field, "bucket %q starts at %g but previous ends at %g", b.Label, b.Min, bs[i-1].Max)
		}
	}
	if last := bs[len(bs)-1]; last.Max != 100 {
		return apperr.Validation(field, "last bucket must end at 100, got %g", last.Max)
	}
	return nil
}

func validateThresholds(ts []Threshold) error {
	seen := map[model.PriorityLabel]bool{}
	for i, t := range ts {
		if seen[t.Label] {
			return apperr.Validation("thresholds", "duplicate label %s", t.Label)
		}
		seen[t.Label] = true
		if i == 0 {
			continue
		}
		prev := ts[i-1]
		if prev.Label.Rank() <= t.Label.Rank() {
			return apperr.Validation("thresholds", "%s must be listed after %s", prev.Label, t.Label)
		}
		if prev.Min <= t.Min {
			return apperr.Validation("thresholds", "%s (%g) must be strictly above %s (%g)", prev.Label, prev.Min, t.Label, t.Min)
		}
	}
	return nil
}

// Label assigns the highest label whose threshold the score reaches (>=).
// Scores below every threshold are ROUTINE.
func (c ModelConfig) Label(score float64) model.PriorityLabel {
	for _, t := range c.Thresholds {
		if score >= t.Min {
			return t.Label
		}
	}
	return model.LabelRoutine
}

// LoadConfigYAML parses and validates a model configuration document.
func LoadConfigYAML(data []byte) (ModelConfig, error) {
	var cfg ModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ModelConfig{}, apperr.Wrap(apperr.KindValidation, err, "parse model config")
	}
	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads a model configuration from path.
func LoadConfigFile(path string) (ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("failed to read model config: %w", err)
	}
	return LoadConfigYAML(data)
}

// DefaultConfig is the initial v1.0 model.
func DefaultConfig() ModelConfig {
	return ModelConfig{
		Version:     "v1.0",
		Description: "Initial DEX model configuration",
		Weights:     Weights{Clinical: 0.40, Social: 0.35, Accessibility: 0.25},
		Buckets: map[Dimension][]Bucket{
			DimClinical: {
				{Label: "LOW", Min: 0, Max: 30},
				{Label: "MEDIUM", Min: 30, Max: 60},
				{Label: "HIGH", Min: 60, Max: 80},
				{Label: "VERY_HIGH", Min: 80, Max: 100},
			},
			DimSocial: {
				{Label: "LOW", Min: 0, Max: 25},
				{Label: "MEDIUM", Min: 25, Max: 50},
				{Label: "HIGH", Min: 50, Max: 75},
				{Label: "VERY_HIGH", Min: 75, Max: 100},
			},
			DimAccessibility: {
				{Label: "GOOD", Min: 0, Max: 33},
				{Label: "MODERATE", Min: 33, Max: 66},
				{Label: "POOR", Min: 66, Max: 100},
			},
		},
		Thresholds: []Threshold{
			{Label: model.LabelUrgent, Min: 75},
			{Label: model.LabelHigh, Min: 50},
			{Label: model.LabelMedium, Min: 25},
			{Label: model.LabelRoutine, Min: 0},
		},
		Core20Boost:         10,
		TranslatorIndicator: "pct_english_not_main",
		TranslatorThreshold: 15,
		SpecialistTriggers: []SpecialistTrigger{
			{Condition: "diabetes", Floor: 90},
			{Condition: "dementia", Floor: 12},
			{Condition: "mental_health", Floor: 14},
		},
		DefaultVisitMinutes:   15,
		FlagVisitExtraMinutes: 15,
	}
}
