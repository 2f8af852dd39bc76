package dex

import (
	"fmt"
	"strings"
)

var dimensionNames = map[Dimension]string{
	DimClinical:      "Clinical risk",
	DimSocial:        "social vulnerability",
	DimAccessibility: "accessibility",
}

// explain renders the fixed-template explanation. Identical inputs always
// produce identical text.
func explain(res Result, in Input, cfg ModelConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Priority %s with score %.2f (model %s).", res.Label, res.PriorityScore, cfg.Version)

	parts := make([]string, 0, len(Dimensions))
	for _, d := range Dimensions {
		parts = append(parts, fmt.Sprintf("%s %s (%.2f, weight %.2f)",
			dimensionNames[d], res.Buckets[string(d)], res.Scores.of(d), cfg.Weights.Of(d)))
	}
	fmt.Fprintf(&b, " %s.", strings.Join(parts, "; "))

	if res.Core20Boost > 0 {
		fmt.Fprintf(&b, " Core20 area: boost of %.2f applied to base score %.2f.", res.Core20Boost, res.BaseScore)
	}
	if res.RequiresTranslator {
		fmt.Fprintf(&b, " Translator required (%s %.2f above %.2f).",
			cfg.TranslatorIndicator, in.Demographics[cfg.TranslatorIndicator], cfg.TranslatorThreshold)
	}
	if res.RequiresSpecialist {
		fmt.Fprintf(&b, " Specialist required: %s.", strings.Join(res.SpecialistConditions, ", "))
	}
	fmt.Fprintf(&b, " Minimum visit time %d minutes.", res.MinVisitMinutes)
	return b.String()
}
