package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"equiroute/internal/apperr"
	"equiroute/internal/events"
	"equiroute/internal/lock"
	"equiroute/internal/model"
	"equiroute/internal/store"
)

const planDay = "2024-04-01" // a Monday

type frozenClock struct{ t time.Time }

func (c frozenClock) Now() time.Time { return c.t }

type fixture struct {
	st      *store.Memory
	locker  *lock.Memory
	broker  *events.Memory
	planner *Planner
	catalog *Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	_, err := NewModels(st, nil).Seed(context.Background(), "")
	require.NoError(t, err)
	f := &fixture{st: st, locker: lock.NewMemory(), broker: events.NewMemory(), catalog: NewCatalog(st, zap.NewNop())}
	f.planner = NewPlanner(st, f.locker, f.broker, zap.NewNop(), PlannerOptions{
		DefaultPriority: 50,
		Clock:           frozenClock{t: time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)},
	})
	return f
}

func override(v float64) *float64 { return &v }

func (f *fixture) location(t *testing.T, id string, dLat float64, priority *float64) {
	t.Helper()
	_, err := f.catalog.UpsertLocation(context.Background(), model.VisitLocation{
		ID:               id,
		Location:         model.GeoPoint{Lat: 51.5 + dLat, Lng: -0.12},
		DurationMinutes:  30,
		PriorityOverride: priority,
		IsActive:         true,
	})
	require.NoError(t, err)
}

func (f *fixture) resource(t *testing.T, id string, capacity int, rule string) {
	t.Helper()
	_, err := f.catalog.UpsertResource(context.Background(), model.Resource{
		ID:              id,
		MaxVisitsPerDay: capacity,
		StartLocation:   model.GeoPoint{Lat: 51.5, Lng: -0.12},
		WorkingHours:    model.WorkingHours{Start: "08:00", End: "17:00", RRule: rule},
		IsAvailable:     true,
	})
	require.NoError(t, err)
}

func (f *fixture) plan(t *testing.T) model.RoutePlan {
	t.Helper()
	p, err := f.planner.CreatePlan(context.Background(), CreatePlanRequest{PlanDate: planDay})
	require.NoError(t, err)
	return p
}

func quick() model.OptimizeConfig {
	return model.OptimizeConfig{TimeBudgetSeconds: 1, PrioritizeCore20: true, BalanceWorkload: true}
}

func TestOptimizeCommitsPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.st.SaveIndicatorBundle(ctx, bundle("E01", "2024-03-31")))
	_, err := NewScorer(f.st, nil, 1, nil).ComputePriority(ctx, "E01", planDay)
	require.NoError(t, err)

	_, err = f.catalog.UpsertLocation(ctx, model.VisitLocation{
		ID: "scored", UnitID: "E01", Location: model.GeoPoint{Lat: 51.51, Lng: -0.12}, DurationMinutes: 20, IsActive: true,
	})
	require.NoError(t, err)
	f.location(t, "default", 0.02, nil)
	f.location(t, "routine", 0.03, override(10))
	f.resource(t, "nurse-1", 10, "")
	p := f.plan(t)
	ch := f.broker.Subscribe(p.ID)
	defer f.broker.Unsubscribe(p.ID, ch)

	res, err := f.planner.Optimize(ctx, p.ID, quick())
	require.NoError(t, err)
	assert.Equal(t, model.PlanOptimized, res.Plan.Status)
	assert.Equal(t, 2, res.Plan.Version)
	assert.Equal(t, 3, res.Plan.TotalVisits)
	assert.Equal(t, 1, res.Plan.TotalResources)
	assert.Empty(t, res.Unassigned)
	assert.Equal(t, 2, res.Coverage.Eligible)
	assert.Equal(t, 100.0, res.Coverage.Percentage)
	assert.Greater(t, res.Plan.TotalDistanceKm, 0.0)

	require.Len(t, res.Assignments, 1)
	a := res.Assignments[0]
	assert.Equal(t, "nurse-1", a.ResourceID)
	assert.Equal(t, 3, a.SequenceCount)
	shiftStart := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	assert.True(t, shiftStart.Equal(a.EstimatedStart), a.EstimatedStart)
	labels := map[string]model.PriorityLabel{}
	var prev time.Time
	for i, s := range a.Stops {
		assert.Equal(t, i+1, s.Sequence)
		assert.Equal(t, model.StopPending, s.Status)
		assert.False(t, s.EstimatedArrival.Before(prev))
		assert.False(t, s.EstimatedArrival.Before(shiftStart))
		prev = s.EstimatedDeparture
		labels[s.VisitLocationID] = s.PriorityLabel
	}
	assert.Equal(t, model.LabelHigh, labels["scored"])
	assert.Equal(t, model.LabelHigh, labels["default"])
	assert.Equal(t, model.LabelRoutine, labels["routine"])

	for _, s := range a.Stops {
		if s.VisitLocationID == "scored" {
			// The translator flag raises the 20 minute visit to the scored minimum.
			assert.Equal(t, 30*time.Minute, s.EstimatedDeparture.Sub(s.EstimatedArrival))
		}
	}

	got := []string{(<-ch).Type, (<-ch).Type}
	assert.Equal(t, []string{events.PlanOptimizing, events.PlanOptimized}, got)

	cov, err := f.planner.Coverage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Coverage.Eligible, cov.Eligible)
	assert.Equal(t, res.Coverage.Covered, cov.Covered)
	assert.Equal(t, res.Coverage.Percentage, cov.Percentage)
	cov2, err := f.planner.Coverage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, cov, cov2)

	again, err := f.planner.Optimize(ctx, p.ID, model.OptimizeConfig{})
	require.NoError(t, err)
	assert.Equal(t, 3, again.Plan.Version)
}

func TestOptimizeCapacityScenario(t *testing.T) {
	f := newFixture(t)
	f.location(t, "urgent", 0.01, override(90))
	f.location(t, "high", 0.02, override(60))
	f.location(t, "r1", 0.001, override(10))
	f.location(t, "r2", 0.002, override(15))
	f.location(t, "r3", 0.003, override(20))
	f.resource(t, "nurse-1", 3, "")
	p := f.plan(t)

	res, err := f.planner.Optimize(context.Background(), p.ID, quick())
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	stops := map[string]bool{}
	for _, s := range res.Assignments[0].Stops {
		stops[s.VisitLocationID] = true
	}
	assert.Len(t, stops, 3)
	assert.True(t, stops["urgent"])
	assert.True(t, stops["high"])
	require.Len(t, res.Unassigned, 2)
	for _, u := range res.Unassigned {
		assert.Equal(t, model.ReasonCapacity, u.Reason)
		assert.Equal(t, model.LabelRoutine, u.Label)
	}
	assert.Equal(t, 2, res.Coverage.Eligible)
	assert.Equal(t, 2, res.Coverage.Covered)
	assert.Equal(t, 100.0, res.Coverage.Percentage)
}

func TestOptimizeRespectsTimeWindows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.catalog.UpsertLocation(ctx, model.VisitLocation{
		ID:              "afternoon",
		Location:        model.GeoPoint{Lat: 51.51, Lng: -0.12},
		DurationMinutes: 30,
		TimeWindows:     []model.TimeWindow{{Start: "13:00", End: "14:00"}},
		IsActive:        true,
	})
	require.NoError(t, err)
	f.resource(t, "nurse-1", 5, "")
	p := f.plan(t)

	res, err := f.planner.Optimize(ctx, p.ID, quick())
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	s := res.Assignments[0].Stops[0]
	assert.False(t, s.EstimatedDeparture.Before(time.Date(2024, 4, 1, 13, 30, 0, 0, time.UTC)))
	assert.False(t, s.EstimatedDeparture.After(time.Date(2024, 4, 1, 14, 0, 0, 0, time.UTC)))
}

func TestOptimizeWithoutResourcesLeavesPlanUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.location(t, "l1", 0.01, nil)
	f.resource(t, "weekender", 5, "FREQ=WEEKLY;BYDAY=SA,SU")
	p, err := f.planner.CreatePlan(ctx, CreatePlanRequest{PlanDate: planDay, ResourceIDs: []string{"weekender"}})
	require.NoError(t, err)

	_, err = f.planner.Optimize(ctx, p.ID, quick())
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))

	after, err := f.planner.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PlanDraft, after.Status)
	assert.Equal(t, 1, after.Version)
	assert.Empty(t, after.Assignments)
}

func TestOptimizeRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.location(t, "l1", 0.01, nil)
	f.resource(t, "nurse-1", 5, "")
	p := f.plan(t)

	release, err := f.locker.TryAcquire(ctx, "plan:"+p.ID, time.Minute)
	require.NoError(t, err)
	_, err = f.planner.Optimize(ctx, p.ID, quick())
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	require.NoError(t, release(ctx))

	_, err = f.planner.Optimize(ctx, p.ID, quick())
	require.NoError(t, err)
}

func TestOptimizeConcurrentCallersSingleCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		f.location(t, id, float64(i+1)*0.01, nil)
	}
	f.resource(t, "nurse-1", 5, "")
	p := f.plan(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.planner.Optimize(ctx, p.ID, quick())
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrConflict), err)
	}
	after, err := f.planner.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1+ok, after.Version)
	assert.GreaterOrEqual(t, ok, 1)
}

func TestOptimizeCancelledWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.location(t, "l1", 0.01, nil)
	f.resource(t, "nurse-1", 5, "")
	p := f.plan(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.planner.Optimize(ctx, p.ID, quick())
	assert.True(t, errors.Is(err, context.Canceled))

	after, err := f.planner.GetPlan(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Version)
	assert.Equal(t, model.PlanDraft, after.Status)

	_, err = f.locker.TryAcquire(context.Background(), "plan:"+p.ID, time.Minute)
	assert.NoError(t, err, "lock must be released after a cancelled run")
}

func TestOptimizeValidatesConfig(t *testing.T) {
	f := newFixture(t)
	p := f.plan(t)
	_, err := f.planner.Optimize(context.Background(), p.ID, model.OptimizeConfig{TimeBudgetSeconds: 601})
	assert.Equal(t, "timeBudgetSeconds", apperr.FieldOf(err))

	_, err = f.planner.Optimize(context.Background(), "missing", quick())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPlanLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.location(t, "l1", 0.01, nil)
	f.location(t, "l2", 0.02, nil)
	f.resource(t, "nurse-1", 5, "")
	p := f.plan(t)

	_, err := f.planner.Approve(ctx, p.ID, 0, "lead")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "a draft cannot be approved")

	res, err := f.planner.Optimize(ctx, p.ID, quick())
	require.NoError(t, err)

	_, err = f.planner.Approve(ctx, p.ID, 0, "")
	assert.Equal(t, "approvedBy", apperr.FieldOf(err))
	_, err = f.planner.Approve(ctx, p.ID, 1, "lead")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "stale version")

	approved, err := f.planner.Approve(ctx, p.ID, res.Plan.Version, "lead")
	require.NoError(t, err)
	assert.Equal(t, model.PlanApproved, approved.Status)
	assert.Equal(t, "lead", approved.ApprovedBy)

	_, err = f.planner.Optimize(ctx, p.ID, quick())
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	started, err := f.planner.Start(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PlanInProgress, started.Status)

	ch := f.broker.Subscribe(p.ID)
	defer f.broker.Unsubscribe(p.ID, ch)
	stop := started.Assignments[0].Stops[0]
	arrived := time.Date(2024, 4, 1, 8, 20, 0, 0, time.UTC)
	left := arrived.Add(25 * time.Minute)
	note := "seen"
	upd, err := f.planner.UpdateStop(ctx, p.ID, stop.ID, model.StopUpdate{Status: model.StopCompleted, ActualArrival: &arrived, ActualDeparture: &left, Notes: &note})
	require.NoError(t, err)
	assert.Equal(t, model.StopCompleted, upd.Status)
	assert.Equal(t, events.StopUpdated, (<-ch).Type)

	_, err = f.planner.UpdateStop(ctx, p.ID, stop.ID, model.StopUpdate{Status: model.StopSkipped})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	done, err := f.planner.Complete(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, model.PlanCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
}

func TestCreatePlanSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.location(t, "l1", 0.01, nil)
	_, err := f.catalog.UpsertLocation(ctx, model.VisitLocation{ID: "closed", Location: model.GeoPoint{Lat: 51.5, Lng: -0.1}})
	require.NoError(t, err)
	f.resource(t, "nurse-1", 5, "")
	_, err = f.catalog.UpsertResource(ctx, model.Resource{
		ID: "off", StartLocation: model.GeoPoint{Lat: 51.5, Lng: -0.1},
		WorkingHours: model.WorkingHours{Start: "09:00", End: "12:00"},
	})
	require.NoError(t, err)

	p := f.plan(t)
	assert.Equal(t, []string{"l1"}, p.LocationIDs)
	assert.Equal(t, []string{"nurse-1"}, p.ResourceIDs)
	assert.Equal(t, model.PlanDraft, p.Status)

	_, err = f.planner.CreatePlan(ctx, CreatePlanRequest{PlanDate: planDay, LocationIDs: []string{"nope"}})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = f.planner.CreatePlan(ctx, CreatePlanRequest{PlanDate: "next monday"})
	assert.Equal(t, "planDate", apperr.FieldOf(err))

	plans, err := f.planner.ListPlans(ctx, planDay)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestWorksOn(t *testing.T) {
	monday := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		rule string
		day  time.Time
		want bool
	}{
		{"", monday, true},
		{"FREQ=DAILY", monday, true},
		{"FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR", monday, true},
		{"FREQ=WEEKLY;BYDAY=MO,TU,WE,TH,FR", monday.AddDate(0, 0, 5), false},
		{"FREQ=WEEKLY;BYDAY=SA,SU", monday, false},
	} {
		got, err := worksOn(tc.rule, tc.day)
		require.NoError(t, err, tc.rule)
		assert.Equal(t, tc.want, got, "%s on %s", tc.rule, tc.day.Weekday())
	}
	_, err := worksOn("BYDAY=XX", monday)
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	v, err := parseClock("08:30")
	require.NoError(t, err)
	assert.Equal(t, 8.5*3600, v)
	v, err = parseClock("24:00")
	require.NoError(t, err)
	assert.Equal(t, 86400.0, v)
	for _, bad := range []string{"", "8", "8:5", "25:00", "12:60", "ab:cd"} {
		_, err := parseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestCatalogValidation(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(store.NewMemory(), nil)
	_, err := c.UpsertLocation(ctx, model.VisitLocation{ID: "x", Location: model.GeoPoint{Lat: 95}})
	assert.Equal(t, "location.lat", apperr.FieldOf(err))
	_, err = c.UpsertLocation(ctx, model.VisitLocation{ID: "x", TimeWindows: []model.TimeWindow{{Start: "14:00", End: "13:00"}}})
	assert.Equal(t, "timeWindows[0]", apperr.FieldOf(err))
	_, err = c.UpsertResource(ctx, model.Resource{ID: "r", WorkingHours: model.WorkingHours{Start: "08:00", End: "17:00", RRule: "NOPE"}})
	assert.Equal(t, "workingHours.rrule", apperr.FieldOf(err))

	loc, err := c.UpsertLocation(ctx, model.VisitLocation{ID: "ok"})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultVisitDurationMinutes, loc.DurationMinutes)

	rep, err := c.ImportIndicators(ctx, []model.IndicatorBundle{bundle("E01", "2024-03-31"), bundle("E01", "2024-03-31"), bundle("E02", "2024-03-31")})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Saved)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, []string{"E01", "E02"}, rep.Units)
}

func TestCoverageUsesScoresAsOfPlanDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.st.SaveIndicatorBundle(ctx, bundle("E01", "2024-03-31")))
	_, err := NewScorer(f.st, nil, 1, nil).ComputePriority(ctx, "E01", planDay)
	require.NoError(t, err)
	_, err = f.catalog.UpsertLocation(ctx, model.VisitLocation{
		ID: "scored", UnitID: "E01", Location: model.GeoPoint{Lat: 51.51, Lng: -0.12}, DurationMinutes: 20, IsActive: true,
	})
	require.NoError(t, err)
	f.location(t, "default", 0.02, nil)
	f.resource(t, "nurse-1", 10, "")
	p := f.plan(t)

	res, err := f.planner.Optimize(ctx, p.ID, quick())
	require.NoError(t, err)
	require.Equal(t, 2, res.Coverage.Eligible)

	// a score computed after the plan day must not relabel its visits
	_, err = f.st.SavePriorityScore(ctx, model.PriorityScore{
		UnitID: "E01", CalculationDate: "2024-05-01", ModelVersion: "v1.0", PriorityScore: 5, Label: model.LabelRoutine,
	})
	require.NoError(t, err)

	cov, err := f.planner.Coverage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Coverage.Eligible, cov.Eligible)
	assert.Equal(t, res.Coverage.Covered, cov.Covered)
	assert.Equal(t, res.Coverage.Percentage, cov.Percentage)
	require.NotNil(t, res.Plan.EquityCoverageScore)
	assert.Equal(t, *res.Plan.EquityCoverageScore, cov.Percentage)
}
