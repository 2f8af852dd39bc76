package store

import (
	"context"
	"errors"
	"time"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/model"
)

// Store is the persistence interface used by the services.
type Store interface {
	// Indicator bundles
	SaveIndicatorBundle(ctx context.Context, b model.IndicatorBundle) error
	LatestIndicatorBundle(ctx context.Context, unitID, asOf string) (model.IndicatorBundle, error)
	ListUnitIDs(ctx context.Context) ([]string, error)

	// Model configurations
	CreateModelConfig(ctx context.Context, cfg dex.ModelConfig) (dex.ModelConfig, error)
	GetModelConfig(ctx context.Context, version string) (dex.ModelConfig, error)
	ListModelConfigs(ctx context.Context) ([]dex.ModelConfig, error)
	GetActiveModelConfig(ctx context.Context) (dex.ModelConfig, error)
	ActivateModelConfig(ctx context.Context, version, expectedActive, by string, at time.Time) (dex.ModelConfig, error)
	ListActivations(ctx context.Context) ([]Activation, error)

	// Priority scores
	SavePriorityScore(ctx context.Context, ps model.PriorityScore) (model.PriorityScore, error)
	GetPriorityScore(ctx context.Context, unitID, date, version string) (model.PriorityScore, error)
	// LatestPriorityScore returns the newest score calculated on or before
	// asOf (YYYY-MM-DD); an empty asOf means the newest overall.
	LatestPriorityScore(ctx context.Context, unitID, asOf string) (model.PriorityScore, error)
	PriorityHistory(ctx context.Context, unitID string, limit int) ([]model.PriorityScore, error)
	ListPriorityScores(ctx context.Context, f PriorityFilter) ([]model.PriorityScore, int, error)

	// Visit locations and resources
	UpsertVisitLocation(ctx context.Context, l model.VisitLocation) (model.VisitLocation, error)
	GetVisitLocations(ctx context.Context, ids []string) ([]model.VisitLocation, error)
	ListVisitLocations(ctx context.Context, activeOnly bool) ([]model.VisitLocation, error)
	UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error)
	GetResources(ctx context.Context, ids []string) ([]model.Resource, error)
	ListResources(ctx context.Context, teamID string) ([]model.Resource, error)

	// Route plans
	CreatePlan(ctx context.Context, p model.RoutePlan) (model.RoutePlan, error)
	GetPlan(ctx context.Context, id string) (model.RoutePlan, error)
	ListPlans(ctx context.Context, planDate string) ([]model.RoutePlan, error)
	SavePlanResult(ctx context.Context, id string, expectedVersion int, res model.PlanResult) (model.RoutePlan, error)
	TransitionPlan(ctx context.Context, id string, expectedVersion int, to model.PlanStatus, by string, at time.Time) (model.RoutePlan, error)
	UpdateStop(ctx context.Context, planID, stopID string, upd model.StopUpdate) (model.RouteStop, error)

	Ping(ctx context.Context) error
}

// Activation is one audited model-config activation.
type Activation struct {
	Version         string    `json:"version"`
	PreviousVersion string    `json:"previousVersion,omitempty"`
	ActivatedBy     string    `json:"activatedBy"`
	ActivatedAt     time.Time `json:"activatedAt"`
}

// PriorityFilter selects the latest score per unit.
type PriorityFilter struct {
	Label    model.PriorityLabel
	MinScore *float64
	MaxScore *float64
	Core20   *bool
	Sort     string // score_desc (default), score_asc, unit
	Limit    int
	Offset   int
}

func (f PriorityFilter) match(ps model.PriorityScore) bool {
	if f.Label != "" && ps.Label != f.Label {
		return false
	}
	if f.MinScore != nil && ps.PriorityScore < *f.MinScore {
		return false
	}
	if f.MaxScore != nil && ps.PriorityScore > *f.MaxScore {
		return false
	}
	if f.Core20 != nil && ps.IsCore20 != *f.Core20 {
		return false
	}
	return true
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func notFound(what, id string) error {
	return apperr.Wrap(apperr.KindNotFound, ErrNotFound, "%s '%s'", what, id)
}

func conflict(format string, args ...any) error {
	return apperr.Wrap(apperr.KindConflict, ErrConflict, format, args...)
}
