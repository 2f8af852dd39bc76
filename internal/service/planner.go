package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/equity"
	"equiroute/internal/events"
	"equiroute/internal/lock"
	"equiroute/internal/metrics"
	"equiroute/internal/model"
	"equiroute/internal/opt"
	"equiroute/internal/store"
)

// PlannerOptions tune plan optimisation.
type PlannerOptions struct {
	SpeedKph         float64
	Core20Multiplier float64
	DefaultPriority  float64
	LockTTL          time.Duration
	Workers          int
	Location         *time.Location
	// Clock drives the optimizer's time budget; nil uses the wall clock.
	Clock opt.Clock
}

// Planner owns the route plan lifecycle.
type Planner struct {
	store  store.Store
	locker lock.Locker
	broker events.Broker
	log    *zap.Logger
	o      PlannerOptions
	now    func() time.Time
}

func NewPlanner(st store.Store, locker lock.Locker, broker events.Broker, log *zap.Logger, o PlannerOptions) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewMemory()
	}
	if broker == nil {
		broker = events.NewMemory()
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 15 * time.Minute
	}
	if o.DefaultPriority <= 0 {
		o.DefaultPriority = 50
	}
	return &Planner{store: st, locker: locker, broker: broker, log: log, o: o, now: time.Now}
}

// CreatePlanRequest selects the inputs of a plan. Empty id lists take every
// active location and every available resource of the team.
type CreatePlanRequest struct {
	PlanDate    string   `json:"planDate" yaml:"planDate"`
	TeamID      string   `json:"teamId,omitempty" yaml:"teamId,omitempty"`
	LocationIDs []string `json:"visitLocationIds,omitempty" yaml:"visitLocationIds,omitempty"`
	ResourceIDs []string `json:"resourceIds,omitempty" yaml:"resourceIds,omitempty"`
}

func (p *Planner) CreatePlan(ctx context.Context, req CreatePlanRequest) (model.RoutePlan, error) {
	if req.PlanDate == "" {
		return model.RoutePlan{}, apperr.Validation("planDate", "is required")
	}
	if _, err := dayStart(req.PlanDate, p.o.Location); err != nil {
		return model.RoutePlan{}, err
	}

	locIDs := dedupe(req.LocationIDs)
	if len(locIDs) == 0 {
		locs, err := p.store.ListVisitLocations(ctx, true)
		if err != nil {
			return model.RoutePlan{}, err
		}
		for _, l := range locs {
			locIDs = append(locIDs, l.ID)
		}
	} else if _, err := p.store.GetVisitLocations(ctx, locIDs); err != nil {
		return model.RoutePlan{}, asValidation("visitLocationIds", err)
	}

	resIDs := dedupe(req.ResourceIDs)
	if len(resIDs) == 0 {
		res, err := p.store.ListResources(ctx, req.TeamID)
		if err != nil {
			return model.RoutePlan{}, err
		}
		for _, r := range res {
			if r.IsAvailable {
				resIDs = append(resIDs, r.ID)
			}
		}
	} else if _, err := p.store.GetResources(ctx, resIDs); err != nil {
		return model.RoutePlan{}, asValidation("resourceIds", err)
	}

	plan, err := p.store.CreatePlan(ctx, model.RoutePlan{
		PlanDate:    req.PlanDate,
		TeamID:      req.TeamID,
		LocationIDs: locIDs,
		ResourceIDs: resIDs,
		CreatedAt:   p.now().UTC(),
	})
	if err != nil {
		return model.RoutePlan{}, err
	}
	p.publish(plan.ID, events.PlanCreated, map[string]any{"planDate": plan.PlanDate, "version": plan.Version})
	p.log.Info("route plan created", zap.String("plan_id", plan.ID), zap.String("plan_date", plan.PlanDate),
		zap.Int("locations", len(locIDs)), zap.Int("resources", len(resIDs)))
	return plan, nil
}

// asValidation reports unknown referenced ids as a ValidationError on field.
func asValidation(field string, err error) error {
	if isNotFound(err) {
		return apperr.Wrap(apperr.KindValidation, err, "%s references an unknown id", field)
	}
	return err
}

func (p *Planner) GetPlan(ctx context.Context, id string) (model.RoutePlan, error) {
	return p.store.GetPlan(ctx, id)
}

func (p *Planner) ListPlans(ctx context.Context, planDate string) ([]model.RoutePlan, error) {
	if planDate != "" {
		if _, err := dayStart(planDate, p.o.Location); err != nil {
			return nil, err
		}
	}
	return p.store.ListPlans(ctx, planDate)
}

// OptimizeResult is the outcome of one optimize run.
type OptimizeResult struct {
	Plan        model.RoutePlan         `json:"plan"`
	Assignments []model.RouteAssignment `json:"assignments"`
	Unassigned  []model.Unassigned      `json:"unassigned"`
	Coverage    model.Coverage          `json:"coverage"`
	Stats       opt.Stats               `json:"stats"`
}

// target is a plan location with its resolved priority.
type target struct {
	loc      model.VisitLocation
	priority float64
	label    model.PriorityLabel
	core20   bool
	minutes  int
}

// resolve applies the priority fallback chain to the plan's active
// locations: manual override, then the latest derived score, then the
// configured default. Labels for overrides and defaults come from the
// active thresholds.
func (p *Planner) resolve(ctx context.Context, plan model.RoutePlan) ([]target, error) {
	locs, err := p.store.GetVisitLocations(ctx, plan.LocationIDs)
	if err != nil {
		return nil, err
	}
	cfg, err := p.store.GetActiveModelConfig(ctx)
	if isNotFound(err) {
		cfg = dex.DefaultConfig()
	} else if err != nil {
		return nil, err
	}

	out := make([]target, 0, len(locs))
	for _, l := range locs {
		if !l.IsActive {
			continue
		}
		t := target{loc: l, minutes: l.DurationMinutes}
		if t.minutes <= 0 {
			t.minutes = model.DefaultVisitDurationMinutes
		}
		var score *model.PriorityScore
		if l.UnitID != "" {
			ps, err := p.store.LatestPriorityScore(ctx, l.UnitID, plan.PlanDate)
			switch {
			case err == nil:
				score = &ps
			case !isNotFound(err):
				return nil, err
			}
		}
		switch {
		case l.PriorityOverride != nil:
			t.priority = *l.PriorityOverride
			t.label = cfg.Label(t.priority)
		case score != nil:
			t.priority = score.PriorityScore
			t.label = score.Label
		default:
			t.priority = p.o.DefaultPriority
			t.label = cfg.Label(t.priority)
		}
		if score != nil {
			t.core20 = score.IsCore20
			if score.MinVisitMinutes > t.minutes {
				t.minutes = score.MinVisitMinutes
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func equityTargets(ts []target) []equity.Target {
	out := make([]equity.Target, len(ts))
	for i, t := range ts {
		out[i] = equity.Target{LocationID: t.loc.ID, Label: t.label, Core20: t.core20}
	}
	return out
}

// availableResources keeps the plan's resources that are available and
// work on the plan date.
func (p *Planner) availableResources(ctx context.Context, plan model.RoutePlan, day time.Time) ([]model.Resource, error) {
	rs, err := p.store.GetResources(ctx, plan.ResourceIDs)
	if err != nil {
		return nil, err
	}
	out := make([]model.Resource, 0, len(rs))
	for _, r := range rs {
		if !r.IsAvailable {
			continue
		}
		ok, err := worksOn(r.WorkingHours.RRule, day)
		if err != nil {
			return nil, apperr.Configuration("resource %s has an invalid working-day rule: %v", r.ID, err)
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func buildProblem(ts []target, rs []model.Resource) (opt.Problem, error) {
	var pr opt.Problem
	for _, t := range ts {
		l := opt.Location{
			ID:         t.loc.ID,
			Point:      opt.Point{Lat: t.loc.Location.Lat, Lng: t.loc.Location.Lng},
			ServiceSec: float64(t.minutes * 60),
			Skills:     t.loc.RequiredSkills,
			Priority:   t.priority,
			Label:      t.label,
			Core20:     t.core20,
		}
		for _, w := range t.loc.TimeWindows {
			s, err := parseClock(w.Start)
			if err != nil {
				return opt.Problem{}, apperr.Configuration("visit location %s: %v", t.loc.ID, err)
			}
			e, err := parseClock(w.End)
			if err != nil {
				return opt.Problem{}, apperr.Configuration("visit location %s: %v", t.loc.ID, err)
			}
			l.Windows = append(l.Windows, opt.Window{Start: s, End: e})
		}
		pr.Locations = append(pr.Locations, l)
	}
	for _, r := range rs {
		start, err := parseClock(r.WorkingHours.Start)
		if err != nil {
			return opt.Problem{}, apperr.Configuration("resource %s working hours: %v", r.ID, err)
		}
		end, err := parseClock(r.WorkingHours.End)
		if err != nil {
			return opt.Problem{}, apperr.Configuration("resource %s working hours: %v", r.ID, err)
		}
		capacity := r.MaxVisitsPerDay
		if capacity == 0 {
			capacity = model.DefaultMaxVisitsPerDay
		}
		or := opt.Resource{
			ID:         r.ID,
			Capacity:   capacity,
			Skills:     r.Skills,
			Start:      opt.Point{Lat: r.StartLocation.Lat, Lng: r.StartLocation.Lng},
			ShiftStart: start,
			ShiftEnd:   end,
		}
		if r.EndLocation != nil {
			or.End = &opt.Point{Lat: r.EndLocation.Lat, Lng: r.EndLocation.Lng}
		}
		pr.Resources = append(pr.Resources, or)
	}
	return pr, nil
}

// Optimize builds routes for a DRAFT or OPTIMIZED plan and commits them with
// a version compare-and-swap. At most one run per plan proceeds at a time;
// others fail with a ConflictError. A cancelled run writes nothing.
func (p *Planner) Optimize(ctx context.Context, planID string, cfg model.OptimizeConfig) (OptimizeResult, error) {
	if err := validate.Struct(cfg); err != nil {
		return OptimizeResult{}, validationError(err)
	}
	release, err := p.locker.TryAcquire(ctx, "plan:"+planID, p.o.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return OptimizeResult{}, apperr.Conflict("route plan %s is already being optimized", planID)
	}
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("acquire optimize lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			p.log.Warn("release optimize lock", zap.String("plan_id", planID), zap.Error(err))
		}
	}()

	started := time.Now()
	res, stopped, err := p.optimize(ctx, planID, cfg)
	metrics.OptimizeDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			outcome = "cancelled"
		case apperr.KindOf(err) == apperr.KindConfiguration:
			outcome = "configuration"
		case apperr.KindOf(err) == apperr.KindConflict:
			outcome = "conflict"
		}
		metrics.OptimizeRuns.WithLabelValues(outcome, stopped).Inc()
		if apperr.KindOf(err) != apperr.KindNotFound {
			p.publish(planID, events.PlanOptimizeFailed, map[string]any{"error": err.Error()})
		}
		p.log.Warn("optimize failed", zap.String("plan_id", planID), zap.String("outcome", outcome), zap.Error(err))
		return OptimizeResult{}, err
	}
	metrics.OptimizeRuns.WithLabelValues("optimized", stopped).Inc()
	metrics.OptimizeIterations.Observe(float64(res.Stats.Iterations))
	metrics.Coverage.Observe(res.Coverage.Percentage)
	for _, u := range res.Unassigned {
		metrics.Unassigned.WithLabelValues(u.Reason).Inc()
	}
	p.publish(planID, events.PlanOptimized, map[string]any{
		"version":            res.Plan.Version,
		"totalVisits":        res.Plan.TotalVisits,
		"unassigned":         len(res.Unassigned),
		"coveragePercentage": res.Coverage.Percentage,
	})
	p.log.Info("route plan optimized",
		zap.String("plan_id", planID),
		zap.Int("version", res.Plan.Version),
		zap.Int("visits", res.Plan.TotalVisits),
		zap.Int("unassigned", len(res.Unassigned)),
		zap.Float64("coverage", res.Coverage.Percentage),
		zap.String("stopped_by", res.Stats.StoppedBy),
		zap.Int("iterations", res.Stats.Iterations),
	)
	return res, nil
}

func (p *Planner) optimize(ctx context.Context, planID string, cfg model.OptimizeConfig) (OptimizeResult, string, error) {
	plan, err := p.store.GetPlan(ctx, planID)
	if err != nil {
		return OptimizeResult{}, "", err
	}
	if !plan.Status.Optimizable() {
		return OptimizeResult{}, "", apperr.Conflict("route plan %s is %s and can no longer be optimized", planID, plan.Status)
	}
	day, err := dayStart(plan.PlanDate, p.o.Location)
	if err != nil {
		return OptimizeResult{}, "", err
	}
	resources, err := p.availableResources(ctx, plan, day)
	if err != nil {
		return OptimizeResult{}, "", err
	}
	if len(resources) == 0 {
		return OptimizeResult{}, "", apperr.Configuration("no available resources for route plan %s on %s", planID, plan.PlanDate)
	}
	targets, err := p.resolve(ctx, plan)
	if err != nil {
		return OptimizeResult{}, "", err
	}
	problem, err := buildProblem(targets, resources)
	if err != nil {
		return OptimizeResult{}, "", err
	}

	p.publish(planID, events.PlanOptimizing, map[string]any{"locations": len(targets), "resources": len(resources)})
	sol, err := opt.Solve(ctx, problem, opt.Options{
		TimeBudget:       time.Duration(cfg.TimeBudgetSeconds) * time.Second,
		PrioritizeCore20: cfg.PrioritizeCore20,
		BalanceWorkload:  cfg.BalanceWorkload,
		Core20Multiplier: p.o.Core20Multiplier,
		SpeedKph:         p.o.SpeedKph,
		Workers:          p.o.Workers,
		Clock:            p.o.Clock,
	})
	if err != nil {
		return OptimizeResult{}, "", err
	}

	result := p.planResult(sol, targets, day, cfg)
	// Nothing is written once the caller has gone away.
	if err := ctx.Err(); err != nil {
		return OptimizeResult{}, sol.Stats.StoppedBy, err
	}
	saved, err := p.store.SavePlanResult(ctx, planID, plan.Version, result)
	if err != nil {
		return OptimizeResult{}, sol.Stats.StoppedBy, err
	}
	return OptimizeResult{
		Plan:        saved,
		Assignments: saved.Assignments,
		Unassigned:  saved.Unassigned,
		Coverage:    result.Coverage,
		Stats:       sol.Stats,
	}, sol.Stats.StoppedBy, nil
}

// planResult turns a solver result into persisted assignments with stop
// times on the plan date.
func (p *Planner) planResult(sol *opt.Result, ts []target, day time.Time, cfg model.OptimizeConfig) model.PlanResult {
	byID := make(map[string]target, len(ts))
	for _, t := range ts {
		byID[t.loc.ID] = t
	}
	at := func(sec float64) time.Time { return day.Add(time.Duration(sec * float64(time.Second))).UTC() }

	res := model.PlanResult{Config: cfg, OptimizedAt: p.now().UTC(), Unassigned: sol.Unassigned}
	var totalMeters float64
	for _, r := range sol.Routes {
		a := model.RouteAssignment{
			ResourceID:           r.ResourceID,
			SequenceCount:        len(r.Stops),
			TotalDistanceKm:      round2(r.TravelMeters / 1000),
			TotalDurationMinutes: int((r.End - r.Start) / 60),
			EstimatedStart:       at(r.Start),
			EstimatedEnd:         at(r.End),
			TotalPriorityScore:   round2(r.Priority),
			Core20VisitsCount:    r.Core20Visits,
		}
		for i, s := range r.Stops {
			t := byID[s.LocationID]
			a.Stops = append(a.Stops, model.RouteStop{
				Sequence:           i + 1,
				VisitLocationID:    s.LocationID,
				EstimatedArrival:   at(s.Arrival),
				EstimatedDeparture: at(s.Depart),
				TravelMeters:       round2(s.TravelMeters),
				PriorityScore:      t.priority,
				PriorityLabel:      t.label,
				Core20:             t.core20,
				Status:             model.StopPending,
			})
		}
		totalMeters += r.TravelMeters
		res.TotalDurationMinutes += a.TotalDurationMinutes
		res.Assignments = append(res.Assignments, a)
	}
	sort.SliceStable(res.Assignments, func(i, j int) bool { return res.Assignments[i].ResourceID < res.Assignments[j].ResourceID })
	res.TotalDistanceKm = round2(totalMeters / 1000)
	res.Coverage = equity.Evaluate(model.RoutePlan{Assignments: res.Assignments}, equityTargets(ts))
	return res
}

// Coverage recomputes a plan's equity coverage from its stops and the
// current priority scores.
func (p *Planner) Coverage(ctx context.Context, planID string) (model.Coverage, error) {
	plan, err := p.store.GetPlan(ctx, planID)
	if err != nil {
		return model.Coverage{}, err
	}
	ts, err := p.resolve(ctx, plan)
	if err != nil {
		return model.Coverage{}, err
	}
	return equity.Evaluate(plan, equityTargets(ts)), nil
}

// Approve, Start and Complete move a plan along its lifecycle. A zero
// expectedVersion takes the current version.
func (p *Planner) Approve(ctx context.Context, planID string, expectedVersion int, by string) (model.RoutePlan, error) {
	if by == "" {
		return model.RoutePlan{}, apperr.Validation("approvedBy", "is required")
	}
	return p.transition(ctx, planID, expectedVersion, model.PlanApproved, by, events.PlanApproved)
}

func (p *Planner) Start(ctx context.Context, planID string, expectedVersion int) (model.RoutePlan, error) {
	return p.transition(ctx, planID, expectedVersion, model.PlanInProgress, "", events.PlanStarted)
}

func (p *Planner) Complete(ctx context.Context, planID string, expectedVersion int) (model.RoutePlan, error) {
	return p.transition(ctx, planID, expectedVersion, model.PlanCompleted, "", events.PlanCompleted)
}

func (p *Planner) transition(ctx context.Context, planID string, expectedVersion int, to model.PlanStatus, by, evt string) (model.RoutePlan, error) {
	if expectedVersion == 0 {
		cur, err := p.store.GetPlan(ctx, planID)
		if err != nil {
			return model.RoutePlan{}, err
		}
		expectedVersion = cur.Version
	}
	plan, err := p.store.TransitionPlan(ctx, planID, expectedVersion, to, by, p.now())
	if err != nil {
		return model.RoutePlan{}, err
	}
	p.publish(planID, evt, map[string]any{"status": plan.Status, "version": plan.Version})
	p.log.Info("route plan status changed", zap.String("plan_id", planID), zap.String("status", string(plan.Status)), zap.Int("version", plan.Version))
	return plan, nil
}

// UpdateStop records field execution on one stop.
func (p *Planner) UpdateStop(ctx context.Context, planID, stopID string, upd model.StopUpdate) (model.RouteStop, error) {
	st, err := p.store.UpdateStop(ctx, planID, stopID, upd)
	if err != nil {
		return model.RouteStop{}, err
	}
	p.publish(planID, events.StopUpdated, map[string]any{"stopId": st.ID, "visitLocationId": st.VisitLocationID, "status": st.Status})
	return st, nil
}

func (p *Planner) publish(planID, typ string, data map[string]any) {
	p.broker.Publish(planID, events.Event{Type: typ, Data: data})
}
