package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/metrics"
	"equiroute/internal/model"
	"equiroute/internal/store"
)

// Scorer computes and persists priority scores.
type Scorer struct {
	store       store.Store
	engine      *dex.Engine
	log         *zap.Logger
	parallelism int
	loc         *time.Location
	now         func() time.Time
}

func NewScorer(st store.Store, log *zap.Logger, parallelism int, loc *time.Location) *Scorer {
	if log == nil {
		log = zap.NewNop()
	}
	if parallelism < 1 {
		parallelism = 4
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scorer{store: st, engine: dex.NewEngine(), log: log, parallelism: parallelism, loc: loc, now: time.Now}
}

// activeConfig loads the active model configuration, reporting its absence
// as a ConfigurationError.
func activeConfig(ctx context.Context, st store.Store) (dex.ModelConfig, error) {
	cfg, err := st.GetActiveModelConfig(ctx)
	if isNotFound(err) {
		return dex.ModelConfig{}, apperr.Configuration("no active model configuration")
	}
	return cfg, err
}

// ComputePriority scores unitID for asOf ("" = today) with the active model
// configuration. A score already stored for (unit, date, version) is
// returned unchanged.
func (s *Scorer) ComputePriority(ctx context.Context, unitID, asOf string) (model.PriorityScore, error) {
	if unitID == "" {
		return model.PriorityScore{}, apperr.Validation("unitId", "is required")
	}
	date, err := parseDate(asOf, s.now(), s.loc)
	if err != nil {
		return model.PriorityScore{}, err
	}
	cfg, err := activeConfig(ctx, s.store)
	if err != nil {
		return model.PriorityScore{}, err
	}
	return s.compute(ctx, cfg, unitID, date)
}

func (s *Scorer) compute(ctx context.Context, cfg dex.ModelConfig, unitID, date string) (model.PriorityScore, error) {
	if ps, err := s.store.GetPriorityScore(ctx, unitID, date, cfg.Version); err == nil {
		metrics.ScoringRuns.WithLabelValues("reused").Inc()
		return ps, nil
	} else if !isNotFound(err) {
		metrics.ScoringRuns.WithLabelValues("error").Inc()
		return model.PriorityScore{}, err
	}

	bundle, err := s.store.LatestIndicatorBundle(ctx, unitID, date)
	if isNotFound(err) {
		metrics.ScoringRuns.WithLabelValues("data_incomplete").Inc()
		return model.PriorityScore{}, apperr.DataIncomplete(string(dex.DimClinical),
			"no indicators recorded for unit %s on or before %s (missing: %s)", unitID, date, missingDimensions())
	}
	if err != nil {
		metrics.ScoringRuns.WithLabelValues("error").Inc()
		return model.PriorityScore{}, err
	}

	ps, err := s.engine.Score(bundle, cfg, date)
	if err != nil {
		outcome := "error"
		if apperr.KindOf(err) == apperr.KindDataIncomplete {
			outcome = "data_incomplete"
		}
		metrics.ScoringRuns.WithLabelValues(outcome).Inc()
		return model.PriorityScore{}, err
	}
	saved, err := s.store.SavePriorityScore(ctx, ps)
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with a concurrent computation of the same key.
		metrics.ScoringRuns.WithLabelValues("reused").Inc()
		return s.store.GetPriorityScore(ctx, unitID, date, cfg.Version)
	}
	if err != nil {
		metrics.ScoringRuns.WithLabelValues("error").Inc()
		return model.PriorityScore{}, err
	}
	metrics.ScoringRuns.WithLabelValues("scored").Inc()
	metrics.PriorityLabels.WithLabelValues(string(saved.Label)).Inc()
	for _, w := range saved.Warnings {
		s.log.Debug("scoring warning", zap.String("unit_id", unitID), zap.String("indicator", w.Indicator), zap.String("message", w.Message))
	}
	return saved, nil
}

func missingDimensions() string {
	names := make([]string, len(dex.Dimensions))
	for i, d := range dex.Dimensions {
		names[i] = string(d)
	}
	return strings.Join(names, ", ")
}

// UnitOutcome is the per-unit line of a batch summary.
type UnitOutcome struct {
	UnitID string `json:"unitId"`
	Reason string `json:"reason"`
}

// BatchSummary reports a recalculation run. Units are listed in id order.
type BatchSummary struct {
	AsOf         string        `json:"asOf"`
	ModelVersion string        `json:"modelVersion"`
	Total        int           `json:"total"`
	Succeeded    []string      `json:"succeeded"`
	Skipped      []UnitOutcome `json:"skipped"`
	Failed       []UnitOutcome `json:"failed"`
}

// RecalculateBatch scores every unit in unitIDs (all units with indicators
// when empty). A failing unit never stops the others; units without enough
// data are skipped with the reason. A missing active configuration aborts
// before any unit is touched.
func (s *Scorer) RecalculateBatch(ctx context.Context, unitIDs []string, asOf string) (BatchSummary, error) {
	date, err := parseDate(asOf, s.now(), s.loc)
	if err != nil {
		return BatchSummary{}, err
	}
	cfg, err := activeConfig(ctx, s.store)
	if err != nil {
		return BatchSummary{}, err
	}
	if len(unitIDs) == 0 {
		if unitIDs, err = s.store.ListUnitIDs(ctx); err != nil {
			return BatchSummary{}, err
		}
	}
	units := dedupe(unitIDs)
	sum := BatchSummary{AsOf: date, ModelVersion: cfg.Version, Total: len(units), Succeeded: []string{}, Skipped: []UnitOutcome{}, Failed: []UnitOutcome{}}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, unit := range units {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			_, err := s.compute(gctx, cfg, unit, date)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sum.Succeeded = append(sum.Succeeded, unit)
			case apperr.KindOf(err) == apperr.KindDataIncomplete:
				sum.Skipped = append(sum.Skipped, UnitOutcome{UnitID: unit, Reason: err.Error()})
			default:
				sum.Failed = append(sum.Failed, UnitOutcome{UnitID: unit, Reason: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(sum.Succeeded)
	sort.Slice(sum.Skipped, func(i, j int) bool { return sum.Skipped[i].UnitID < sum.Skipped[j].UnitID })
	sort.Slice(sum.Failed, func(i, j int) bool { return sum.Failed[i].UnitID < sum.Failed[j].UnitID })
	s.log.Info("priority recalculation finished",
		zap.String("as_of", date),
		zap.String("model_version", cfg.Version),
		zap.Int("succeeded", len(sum.Succeeded)),
		zap.Int("skipped", len(sum.Skipped)),
		zap.Int("failed", len(sum.Failed)),
	)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Latest returns the most recent stored score for a unit.
func (s *Scorer) Latest(ctx context.Context, unitID string) (model.PriorityScore, error) {
	return s.store.LatestPriorityScore(ctx, unitID, "")
}

// Explain is the human-facing breakdown of a unit's latest score.
type Explain struct {
	UnitID          string              `json:"unitId"`
	ModelVersion    string              `json:"modelVersion"`
	CalculationDate string              `json:"calculationDate"`
	PriorityScore   float64             `json:"priorityScore"`
	Label           model.PriorityLabel `json:"priorityLabel"`
	Explanation     string              `json:"explanationText"`
	Factors         []model.Factor      `json:"contributingFactors"`
	Buckets         map[string]string   `json:"buckets"`
	Flags           map[string]bool     `json:"flags"`
	Specialist      []string            `json:"specialistConditions,omitempty"`
	Warnings        []model.Warning     `json:"warnings,omitempty"`
}

func (s *Scorer) Explain(ctx context.Context, unitID string) (Explain, error) {
	ps, err := s.store.LatestPriorityScore(ctx, unitID, "")
	if err != nil {
		return Explain{}, err
	}
	return Explain{
		UnitID:          ps.UnitID,
		ModelVersion:    ps.ModelVersion,
		CalculationDate: ps.CalculationDate,
		PriorityScore:   ps.PriorityScore,
		Label:           ps.Label,
		Explanation:     ps.ExplanationText,
		Factors:         ps.Factors,
		Buckets:         ps.Buckets,
		Flags: map[string]bool{
			"core20":             ps.IsCore20,
			"requiresTranslator": ps.RequiresTranslator,
			"requiresSpecialist": ps.RequiresSpecialist,
		},
		Specialist: ps.SpecialistConditions,
		Warnings:   ps.Warnings,
	}, nil
}

func (s *Scorer) History(ctx context.Context, unitID string, limit int) ([]model.PriorityScore, error) {
	return s.store.PriorityHistory(ctx, unitID, limit)
}

func (s *Scorer) List(ctx context.Context, f store.PriorityFilter) ([]model.PriorityScore, int, error) {
	if f.Label != "" && f.Label.Rank() < 0 {
		return nil, 0, apperr.Validation("label", "unknown priority label %q", f.Label)
	}
	if f.MinScore != nil && f.MaxScore != nil && *f.MinScore > *f.MaxScore {
		return nil, 0, apperr.Validation("minScore", "must not exceed maxScore")
	}
	switch f.Sort {
	case "", "score_desc", "score_asc", "unit":
	default:
		return nil, 0, apperr.Validation("sort", "unknown sort %q", f.Sort)
	}
	return s.store.ListPriorityScores(ctx, f)
}

// Summary aggregates the latest score of every unit.
type Summary struct {
	TotalUnits       int                         `json:"totalUnits"`
	ByLabel          map[model.PriorityLabel]int `json:"byLabel"`
	Core20Units      int                         `json:"core20Units"`
	Core20Percentage float64                     `json:"core20Percentage"`
	AverageScore     float64                     `json:"averageScore"`
}

func (s *Scorer) Summary(ctx context.Context) (Summary, error) {
	all, _, err := s.store.ListPriorityScores(ctx, store.PriorityFilter{})
	if err != nil {
		return Summary{}, err
	}
	return summarize(all), nil
}

// summarize aggregates the latest score of each unit.
func summarize(all []model.PriorityScore) Summary {
	sum := Summary{TotalUnits: len(all), ByLabel: map[model.PriorityLabel]int{}}
	for _, l := range model.Labels {
		sum.ByLabel[l] = 0
	}
	var total float64
	for _, ps := range all {
		sum.ByLabel[ps.Label]++
		if ps.IsCore20 {
			sum.Core20Units++
		}
		total += ps.PriorityScore
	}
	if len(all) > 0 {
		sum.AverageScore = round2(total / float64(len(all)))
		sum.Core20Percentage = round2(100 * float64(sum.Core20Units) / float64(len(all)))
	}
	return sum
}
