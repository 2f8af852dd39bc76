package dex

import (
	"fmt"
	"math"
	"sort"

	"equiroute/internal/model"
)

// Range is the fixed plausible domain of a raw indicator. Invert marks
// indicators where a higher raw value means lower risk.
type Range struct {
	Min, Max float64
	Invert   bool
}

// DefaultRanges are the reference ranges used for every calculation period.
// Prevalence and utilisation rates are per 1000 population, travel times in
// minutes, percentages 0..100 and IMD domain scores on their published scales.
var DefaultRanges = map[string]Range{
	// clinical
	"diabetes_prevalence":       {Min: 0, Max: 150},
	"hypertension_prevalence":   {Min: 0, Max: 250},
	"copd_prevalence":           {Min: 0, Max: 50},
	"asthma_prevalence":         {Min: 0, Max: 100},
	"chd_prevalence":            {Min: 0, Max: 60},
	"stroke_prevalence":         {Min: 0, Max: 40},
	"cancer_prevalence":         {Min: 0, Max: 60},
	"mental_health_prevalence":  {Min: 0, Max: 30},
	"dementia_prevalence":       {Min: 0, Max: 25},
	"emergency_admissions_rate": {Min: 0, Max: 200},
	"a_and_e_attendance_rate":   {Min: 0, Max: 600},

	// deprivation
	"imd_score":         {Min: 0, Max: 90},
	"income_score":      {Min: 0, Max: 0.6},
	"employment_score":  {Min: 0, Max: 0.5},
	"education_score":   {Min: 0, Max: 100},
	"health_score":      {Min: -3.5, Max: 3.5},
	"crime_score":       {Min: -3.5, Max: 3.5},
	"housing_score":     {Min: 0, Max: 80},
	"environment_score": {Min: 0, Max: 100},

	// demographics contributing to social vulnerability
	"pct_no_car_household": {Min: 0, Max: 100},
	"pct_single_parent":    {Min: 0, Max: 50},
	"pct_lone_pensioner":   {Min: 0, Max: 50},
	"pct_no_english":       {Min: 0, Max: 20},

	// accessibility
	"time_to_nearest_gp":                  {Min: 0, Max: 60},
	"time_to_nearest_hospital":            {Min: 0, Max: 90},
	"time_to_nearest_pharmacy":            {Min: 0, Max: 45},
	"public_transport_accessibility_score": {Min: 0, Max: 100, Invert: true},
}

// socialDemographics are the demographic percentages scored into the social
// dimension; other demographic fields are descriptive only.
var socialDemographics = map[string]bool{
	"pct_no_car_household": true,
	"pct_single_parent":    true,
	"pct_lone_pensioner":   true,
	"pct_no_english":       true,
}

// Normalizer scales raw indicators onto 0..100.
type Normalizer struct {
	Ranges map[string]Range
	// OutlierFactor is the fraction of a range's width beyond which a value
	// is reported as an extreme outlier.
	OutlierFactor float64
}

func NewNormalizer() *Normalizer {
	return &Normalizer{Ranges: DefaultRanges, OutlierFactor: 0.5}
}

// Scaled is one normalised indicator.
type Scaled struct {
	Indicator string
	Raw       float64
	Value     float64
	Clamped   bool
	Outlier   bool
}

// Scale maps v onto 0..100 using the indicator's fixed range, clamping
// out-of-range values. ok is false when the indicator has no range.
func (n *Normalizer) Scale(indicator string, v float64) (Scaled, bool) {
	r, ok := n.Ranges[indicator]
	if !ok {
		return Scaled{Indicator: indicator, Raw: v}, false
	}
	return scale(indicator, v, r, n.OutlierFactor), true
}

func scale(indicator string, v float64, r Range, outlierFactor float64) Scaled {
	out := Scaled{Indicator: indicator, Raw: v}
	width := r.Max - r.Min
	if width <= 0 || math.IsNaN(v) {
		out.Clamped = true
		out.Outlier = true
		return out
	}
	s := (v - r.Min) / width * 100
	if s < 0 {
		s = 0
		out.Clamped = true
	} else if s > 100 {
		s = 100
		out.Clamped = true
	}
	if r.Invert {
		s = 100 - s
	}
	out.Value = s
	if v < r.Min-outlierFactor*width || v > r.Max+outlierFactor*width {
		out.Outlier = true
	}
	return out
}

// dimensionScore is the mean of a dimension's scaled indicators.
type dimensionScore struct {
	Score      float64
	Indicators []Scaled
}

// scoreSection normalises every ranged indicator in a section and averages
// them. Indicators without a range are reported as warnings when strict.
func (n *Normalizer) scoreSection(section map[string]float64, include func(string) bool, strict bool) (dimensionScore, []model.Warning) {
	var warnings []model.Warning
	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ds dimensionScore
	total := 0.0
	for _, k := range keys {
		if include != nil && !include(k) {
			continue
		}
		v := section[k]
		sc, ok := n.Scale(k, v)
		if !ok {
			if strict {
				warnings = append(warnings, model.Warning{Indicator: k, Value: v, Message: "no reference range; ignored"})
			}
			continue
		}
		if sc.Outlier {
			r := n.Ranges[k]
			warnings = append(warnings, model.Warning{
				Indicator: k,
				Value:     v,
				Message:   fmt.Sprintf("extreme outlier outside [%g, %g]; clamped", r.Min, r.Max),
			})
		}
		ds.Indicators = append(ds.Indicators, sc)
		total += sc.Value
	}
	if len(ds.Indicators) > 0 {
		ds.Score = round2(total / float64(len(ds.Indicators)))
	}
	return ds, warnings
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
