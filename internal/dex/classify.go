package dex

import (
	"equiroute/internal/apperr"
)

// Classify returns the bucket label for a dimension score. Buckets are
// half-open [min, max) except the last, which is closed at its max.
func Classify(d Dimension, score float64, cfg ModelConfig) (string, error) {
	bs := cfg.Buckets[d]
	for i, b := range bs {
		last := i == len(bs)-1
		if score >= b.Min && (score < b.Max || (last && score <= b.Max)) {
			return b.Label, nil
		}
	}
	return "", apperr.Configuration("model %s has no %s bucket for score %.2f", cfg.Version, d, score)
}
