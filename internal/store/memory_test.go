package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/model"
)

func TestMemoryLatestIndicatorBundleRespectsAsOf(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	require.NoError(t, m.SaveIndicatorBundle(ctx, model.IndicatorBundle{UnitID: "E01", Period: "2025Q3", RecordedFor: "2025-09-30", Clinical: map[string]float64{"a": 1}}))
	require.NoError(t, m.SaveIndicatorBundle(ctx, model.IndicatorBundle{UnitID: "E01", Period: "2025Q4", RecordedFor: "2025-12-31", Clinical: map[string]float64{"a": 2}}))

	b, err := m.LatestIndicatorBundle(ctx, "E01", "")
	require.NoError(t, err)
	assert.Equal(t, "2025Q4", b.Period)

	b, err = m.LatestIndicatorBundle(ctx, "E01", "2025-10-01")
	require.NoError(t, err)
	assert.Equal(t, "2025Q3", b.Period)

	_, err = m.LatestIndicatorBundle(ctx, "E01", "2025-01-01")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	err = m.SaveIndicatorBundle(ctx, model.IndicatorBundle{UnitID: "E01", Period: "2025Q4", RecordedFor: "2025-12-31"})
	assert.True(t, errors.Is(err, ErrConflict))

	// returned maps are copies
	b.Clinical["a"] = 99
	again, _ := m.LatestIndicatorBundle(ctx, "E01", "2025-10-01")
	assert.Equal(t, 1.0, again.Clinical["a"])
}

func TestMemoryActivationCompareAndSwap(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	v1 := dex.DefaultConfig()
	v2 := dex.DefaultConfig()
	v2.Version = "v2.0"
	_, err := m.CreateModelConfig(ctx, v1)
	require.NoError(t, err)
	_, err = m.CreateModelConfig(ctx, v2)
	require.NoError(t, err)
	_, err = m.CreateModelConfig(ctx, v1)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = m.GetActiveModelConfig(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	got, err := m.ActivateModelConfig(ctx, "v1.0", "", "alice", at)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	_, err = m.ActivateModelConfig(ctx, "v2.0", "", "bob", at)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "stale expectation must be rejected")

	_, err = m.ActivateModelConfig(ctx, "v2.0", "v1.0", "bob", at.Add(time.Hour))
	require.NoError(t, err)

	active, err := m.GetActiveModelConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2.0", active.Version)
	old, _ := m.GetModelConfig(ctx, "v1.0")
	assert.False(t, old.IsActive)

	// re-activating the active version changes nothing
	_, err = m.ActivateModelConfig(ctx, "v2.0", "v2.0", "carol", at.Add(2*time.Hour))
	require.NoError(t, err)

	acts, err := m.ListActivations(ctx)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "v1.0", acts[1].PreviousVersion)
	assert.Equal(t, "bob", acts[1].ActivatedBy)
}

func TestMemoryConcurrentActivationSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	for _, v := range []string{"a", "b", "c", "d"} {
		cfg := dex.DefaultConfig()
		cfg.Version = v
		_, err := m.CreateModelConfig(ctx, cfg)
		require.NoError(t, err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, v := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			if _, err := m.ActivateModelConfig(ctx, v, "", "x", time.Now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(v)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryCreateModelConfigValidates(t *testing.T) {
	m := NewMemory()
	cfg := dex.DefaultConfig()
	cfg.Weights.Clinical = 0.9
	_, err := m.CreateModelConfig(t.Context(), cfg)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestMemoryPriorityScores(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	save := func(unit, date string, score float64, label model.PriorityLabel, core20 bool) {
		t.Helper()
		_, err := m.SavePriorityScore(ctx, model.PriorityScore{UnitID: unit, CalculationDate: date, ModelVersion: "v1.0", PriorityScore: score, Label: label, IsCore20: core20})
		require.NoError(t, err)
	}
	save("A", "2026-01-01", 30, model.LabelMedium, false)
	save("A", "2026-02-01", 80, model.LabelUrgent, false)
	save("B", "2026-02-01", 55, model.LabelHigh, true)
	save("C", "2026-02-01", 10, model.LabelRoutine, true)

	_, err := m.SavePriorityScore(ctx, model.PriorityScore{UnitID: "A", CalculationDate: "2026-02-01", ModelVersion: "v1.0"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	latest, err := m.LatestPriorityScore(ctx, "A", "")
	require.NoError(t, err)
	assert.Equal(t, 80.0, latest.PriorityScore)

	asOf, err := m.LatestPriorityScore(ctx, "A", "2026-01-31")
	require.NoError(t, err)
	assert.Equal(t, 30.0, asOf.PriorityScore)
	_, err = m.LatestPriorityScore(ctx, "A", "2025-12-31")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	hist, err := m.PriorityHistory(ctx, "A", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "2026-02-01", hist[0].CalculationDate)

	all, total, err := m.ListPriorityScores(ctx, PriorityFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"A", "B", "C"}, unitIDs(all))

	yes := true
	core, total, err := m.ListPriorityScores(ctx, PriorityFilter{Core20: &yes, Sort: "score_asc"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"C", "B"}, unitIDs(core))

	paged, total, err := m.ListPriorityScores(ctx, PriorityFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []string{"B"}, unitIDs(paged))

	high, _, err := m.ListPriorityScores(ctx, PriorityFilter{Label: model.LabelHigh})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, unitIDs(high))
}

func unitIDs(in []model.PriorityScore) []string {
	out := make([]string, len(in))
	for i, ps := range in {
		out[i] = ps.UnitID
	}
	return out
}

func TestMemoryLocationsAndResources(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	_, err := m.UpsertVisitLocation(ctx, model.VisitLocation{ID: "l1", IsActive: true, RequiredSkills: []string{"bloods"}})
	require.NoError(t, err)
	_, err = m.UpsertVisitLocation(ctx, model.VisitLocation{ID: "l2"})
	require.NoError(t, err)

	active, err := m.ListVisitLocations(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	active[0].RequiredSkills[0] = "changed"

	got, err := m.GetVisitLocations(ctx, []string{"l2", "l1"})
	require.NoError(t, err)
	assert.Equal(t, "l2", got[0].ID)
	assert.Equal(t, "bloods", got[1].RequiredSkills[0])

	_, err = m.GetVisitLocations(ctx, []string{"l1", "missing"})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = m.UpsertResource(ctx, model.Resource{ID: "r1", TeamID: "north"})
	require.NoError(t, err)
	_, err = m.UpsertResource(ctx, model.Resource{ID: "r2", TeamID: "south"})
	require.NoError(t, err)
	north, err := m.ListResources(ctx, "north")
	require.NoError(t, err)
	require.Len(t, north, 1)
	assert.Equal(t, "r1", north[0].ID)
}

func samplePlanResult(at time.Time) model.PlanResult {
	return model.PlanResult{
		Assignments: []model.RouteAssignment{{
			ResourceID:    "r1",
			SequenceCount: 2,
			Stops: []model.RouteStop{
				{Sequence: 1, VisitLocationID: "l1"},
				{Sequence: 2, VisitLocationID: "l2"},
			},
		}},
		Unassigned:  []model.Unassigned{{LocationID: "l3", Reason: model.ReasonCapacity}},
		Coverage:    model.Coverage{Eligible: 2, Covered: 1, Percentage: 50},
		Config:      model.DefaultOptimizeConfig(),
		OptimizedAt: at,
	}
}

func TestMemoryPlanLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	at := time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)

	p, err := m.CreatePlan(ctx, model.RoutePlan{PlanDate: "2026-04-01", LocationIDs: []string{"l1", "l2", "l3"}, ResourceIDs: []string{"r1"}})
	require.NoError(t, err)
	assert.Equal(t, model.PlanDraft, p.Status)
	assert.Equal(t, 1, p.Version)

	_, err = m.TransitionPlan(ctx, p.ID, 1, model.PlanApproved, "alice", at)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "draft cannot be approved")

	opt, err := m.SavePlanResult(ctx, p.ID, 1, samplePlanResult(at))
	require.NoError(t, err)
	assert.Equal(t, model.PlanOptimized, opt.Status)
	assert.Equal(t, 2, opt.Version)
	assert.Equal(t, 2, opt.TotalVisits)
	assert.Equal(t, 1, opt.TotalResources)
	require.NotNil(t, opt.EquityCoverageScore)
	assert.Equal(t, 50.0, *opt.EquityCoverageScore)
	stop := opt.Assignments[0].Stops[0]
	assert.NotEmpty(t, stop.ID)
	assert.Equal(t, model.StopPending, stop.Status)

	_, err = m.SavePlanResult(ctx, p.ID, 1, samplePlanResult(at))
	assert.True(t, errors.Is(err, apperr.ErrConflict), "stale version must be rejected")

	_, err = m.UpdateStop(ctx, p.ID, stop.ID, model.StopUpdate{Status: model.StopCompleted})
	assert.True(t, errors.Is(err, apperr.ErrConflict), "stops are frozen until approval")

	approved, err := m.TransitionPlan(ctx, p.ID, 2, model.PlanApproved, "alice", at)
	require.NoError(t, err)
	assert.Equal(t, "alice", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	_, err = m.SavePlanResult(ctx, p.ID, 3, samplePlanResult(at))
	assert.True(t, errors.Is(err, apperr.ErrConflict), "approved plans cannot be re-optimized")

	arr := at.Add(time.Hour)
	dep := arr.Add(-time.Minute)
	_, err = m.UpdateStop(ctx, p.ID, stop.ID, model.StopUpdate{Status: model.StopCompleted, ActualArrival: &arr, ActualDeparture: &dep})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = m.UpdateStop(ctx, p.ID, stop.ID, model.StopUpdate{Status: "LOST"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	note := "left card"
	st, err := m.UpdateStop(ctx, p.ID, stop.ID, model.StopUpdate{Status: model.StopSkipped, Notes: &note})
	require.NoError(t, err)
	assert.Equal(t, model.StopSkipped, st.Status)

	_, err = m.UpdateStop(ctx, p.ID, stop.ID, model.StopUpdate{Status: model.StopCompleted})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	_, err = m.UpdateStop(ctx, p.ID, "nope", model.StopUpdate{})
	assert.True(t, errors.Is(err, ErrNotFound))

	got, err := m.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version, "stop updates do not bump the plan version")
	assert.Equal(t, "left card", got.Assignments[0].Stops[0].Notes)

	started, err := m.TransitionPlan(ctx, p.ID, 3, model.PlanInProgress, "", at)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	done, err := m.TransitionPlan(ctx, p.ID, 4, model.PlanCompleted, "", at)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	plans, err := m.ListPlans(ctx, "2026-04-01")
	require.NoError(t, err)
	assert.Len(t, plans, 1)
	plans, err = m.ListPlans(ctx, "2026-04-02")
	require.NoError(t, err)
	assert.Empty(t, plans)
}
