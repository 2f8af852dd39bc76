package dex

import (
	"sort"
	"strings"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
)

// Scores are the three 0..100 dimension scores.
type Scores struct {
	Clinical      float64
	Social        float64
	Accessibility float64
}

func (s Scores) of(d Dimension) float64 {
	switch d {
	case DimClinical:
		return s.Clinical
	case DimSocial:
		return s.Social
	case DimAccessibility:
		return s.Accessibility
	}
	return 0
}

// Input is everything the aggregator needs beyond the model config.
type Input struct {
	Scores   Scores
	IsCore20 bool
	// Clinical and Demographics are consulted for the specialist and
	// translator flags; nil maps raise no flags.
	Clinical     map[string]float64
	Demographics map[string]float64
	// Indicators holds the scaled indicators per dimension for explanation.
	Indicators map[Dimension][]Scaled
}

// Result is an aggregated priority, before it is stamped with ids and dates.
type Result struct {
	Scores               Scores
	BaseScore            float64
	Core20Boost          float64
	PriorityScore        float64
	Label                model.PriorityLabel
	Buckets              map[string]string
	Factors              []model.Factor
	RequiresTranslator   bool
	RequiresSpecialist   bool
	SpecialistConditions []string
	MinVisitMinutes      int
	Explanation          string
}

// Composite is the weighted sum of the dimension scores rounded to 2 dp and
// bounded to 0..100.
func Composite(w Weights, s Scores) float64 {
	return clamp100(round2(w.Clinical*s.Clinical + w.Social*s.Social + w.Accessibility*s.Accessibility))
}

// Aggregate fuses dimension scores into a labelled, explained priority.
func Aggregate(in Input, cfg ModelConfig) (Result, error) {
	res := Result{Scores: in.Scores, Buckets: map[string]string{}}
	for _, d := range Dimensions {
		b, err := Classify(d, in.Scores.of(d), cfg)
		if err != nil {
			return Result{}, err
		}
		res.Buckets[string(d)] = b
		w := cfg.Weights.Of(d)
		res.Factors = append(res.Factors, model.Factor{
			Dimension:     string(d),
			Score:         in.Scores.of(d),
			Bucket:        b,
			Weight:        w,
			Contribution:  round2(w * in.Scores.of(d)),
			TopIndicators: topIndicators(in.Indicators[d], 3),
		})
	}

	res.BaseScore = Composite(cfg.Weights, in.Scores)
	res.PriorityScore = res.BaseScore
	if in.IsCore20 && cfg.Core20Boost > 0 {
		boosted := clamp100(round2(res.BaseScore + cfg.Core20Boost))
		res.Core20Boost = round2(boosted - res.BaseScore)
		res.PriorityScore = boosted
	}
	res.Label = cfg.Label(res.PriorityScore)

	if v, ok := in.Demographics[cfg.TranslatorIndicator]; ok && v > cfg.TranslatorThreshold {
		res.RequiresTranslator = true
	}
	for _, t := range cfg.SpecialistTriggers {
		if v, ok := in.Clinical[t.Condition+"_prevalence"]; ok && v > t.Floor {
			res.SpecialistConditions = append(res.SpecialistConditions, t.Condition)
		}
	}
	res.RequiresSpecialist = len(res.SpecialistConditions) > 0

	res.MinVisitMinutes = cfg.DefaultVisitMinutes
	if res.RequiresTranslator {
		res.MinVisitMinutes += cfg.FlagVisitExtraMinutes
	}
	if res.RequiresSpecialist {
		res.MinVisitMinutes += cfg.FlagVisitExtraMinutes
	}

	res.Explanation = explain(res, in, cfg)
	return res, nil
}

// Engine runs the full pipeline from an indicator bundle.
type Engine struct {
	Normalizer *Normalizer
}

func NewEngine() *Engine { return &Engine{Normalizer: NewNormalizer()} }

// DimensionScores normalises a bundle into the three dimension scores. A
// dimension with no scorable indicator fails with DataIncompleteError naming
// the first missing dimension and listing all of them.
func (e *Engine) DimensionScores(b model.IndicatorBundle) (Scores, map[Dimension][]Scaled, []model.Warning, error) {
	var warnings []model.Warning
	clinical, w := e.Normalizer.scoreSection(b.Clinical, nil, true)
	warnings = append(warnings, w...)

	deprivation, w := e.Normalizer.scoreSection(b.Deprivation, nil, true)
	warnings = append(warnings, w...)
	demo, w := e.Normalizer.scoreSection(b.Demographics, func(k string) bool { return socialDemographics[k] }, false)
	warnings = append(warnings, w...)

	access, w := e.Normalizer.scoreSection(b.Accessibility, nil, true)
	warnings = append(warnings, w...)

	var missing []string
	if len(clinical.Indicators) == 0 {
		missing = append(missing, string(DimClinical))
	}
	if len(deprivation.Indicators) == 0 {
		missing = append(missing, string(DimSocial))
	}
	if len(access.Indicators) == 0 {
		missing = append(missing, string(DimAccessibility))
	}
	if len(missing) > 0 {
		return Scores{}, nil, warnings, apperr.DataIncomplete(missing[0],
			"no indicators for unit %s period %q (missing: %s)", b.UnitID, b.Period, strings.Join(missing, ", "))
	}

	social := append(append([]Scaled(nil), deprivation.Indicators...), demo.Indicators...)
	total := 0.0
	for _, s := range social {
		total += s.Value
	}
	scores := Scores{
		Clinical:      clinical.Score,
		Social:        round2(total / float64(len(social))),
		Accessibility: access.Score,
	}
	indicators := map[Dimension][]Scaled{
		DimClinical:      clinical.Indicators,
		DimSocial:        social,
		DimAccessibility: access.Indicators,
	}
	return scores, indicators, warnings, nil
}

// Score runs normaliser, classifier and aggregator over one bundle. The
// result carries no id or timestamp; callers stamp those on persistence.
func (e *Engine) Score(b model.IndicatorBundle, cfg ModelConfig, calculationDate string) (model.PriorityScore, error) {
	scores, indicators, warnings, err := e.DimensionScores(b)
	if err != nil {
		return model.PriorityScore{}, err
	}
	res, err := Aggregate(Input{
		Scores:       scores,
		IsCore20:     b.IsCore20,
		Clinical:     b.Clinical,
		Demographics: b.Demographics,
		Indicators:   indicators,
	}, cfg)
	if err != nil {
		return model.PriorityScore{}, err
	}
	return model.PriorityScore{
		UnitID:               b.UnitID,
		CalculationDate:      calculationDate,
		ModelVersion:         cfg.Version,
		IsCore20:             b.IsCore20,
		ClinicalScore:        scores.Clinical,
		SocialScore:          scores.Social,
		AccessibilityScore:   scores.Accessibility,
		BaseScore:            res.BaseScore,
		Core20Boost:          res.Core20Boost,
		PriorityScore:        res.PriorityScore,
		Label:                res.Label,
		Buckets:              res.Buckets,
		ExplanationText:      res.Explanation,
		Factors:              res.Factors,
		RequiresTranslator:   res.RequiresTranslator,
		RequiresSpecialist:   res.RequiresSpecialist,
		SpecialistConditions: res.SpecialistConditions,
		MinVisitMinutes:      res.MinVisitMinutes,
		Warnings:             warnings,
	}, nil
}

func topIndicators(in []Scaled, n int) []model.IndicatorImpact {
	if len(in) == 0 {
		return nil
	}
	cp := append([]Scaled(nil), in...)
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].Value != cp[j].Value {
			return cp[i].Value > cp[j].Value
		}
		return cp[i].Indicator < cp[j].Indicator
	})
	if len(cp) > n {
		cp = cp[:n]
	}
	out := make([]model.IndicatorImpact, 0, len(cp))
	for _, s := range cp {
		out = append(out, model.IndicatorImpact{Indicator: s.Indicator, Raw: s.Raw, Scaled: round2(s.Value)})
	}
	return out
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
