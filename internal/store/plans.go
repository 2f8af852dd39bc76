package store

import (
	"time"

	"github.com/google/uuid"

	"equiroute/internal/apperr"
	"equiroute/internal/dex"
	"equiroute/internal/model"
)

// applyResult commits an optimize run onto p and bumps its version.
func applyResult(p *model.RoutePlan, res model.PlanResult) {
	visits := 0
	assignments := cloneAssignments(res.Assignments)
	for ai := range assignments {
		a := &assignments[ai]
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		for si := range a.Stops {
			if a.Stops[si].ID == "" {
				a.Stops[si].ID = uuid.New().String()
			}
			if a.Stops[si].Status == "" {
				a.Stops[si].Status = model.StopPending
			}
		}
		visits += len(a.Stops)
	}
	cfg := res.Config
	cov := cloneCoverage(res.Coverage)
	pct := cov.Percentage
	at := res.OptimizedAt.UTC()

	p.Assignments = assignments
	p.Unassigned = append([]model.Unassigned(nil), res.Unassigned...)
	p.Coverage = &cov
	p.EquityCoverageScore = &pct
	p.OptimizationConfig = &cfg
	p.TotalResources = len(assignments)
	p.TotalVisits = visits
	p.TotalDistanceKm = res.TotalDistanceKm
	p.TotalDurationMinutes = res.TotalDurationMinutes
	p.OptimizedAt = &at
	p.Status = model.PlanOptimized
	p.Version++
}

func applyTransition(p *model.RoutePlan, to model.PlanStatus, by string, at time.Time) {
	at = at.UTC()
	switch to {
	case model.PlanApproved:
		p.ApprovedAt = &at
		p.ApprovedBy = by
	case model.PlanInProgress:
		p.StartedAt = &at
	case model.PlanCompleted:
		p.CompletedAt = &at
	}
	p.Status = to
	p.Version++
}

// applyStopUpdate checks and applies a field-execution update to st.
func applyStopUpdate(st *model.RouteStop, upd model.StopUpdate) error {
	if upd.Status == "" {
		upd.Status = st.Status
	}
	if !upd.Status.Valid() {
		return apperr.Validation("status", "unknown stop status %q", upd.Status)
	}
	if !st.Status.CanTransition(upd.Status) {
		return conflict("stop %s cannot move from %s to %s", st.ID, st.Status, upd.Status)
	}
	if upd.ActualArrival != nil && upd.ActualDeparture != nil && upd.ActualDeparture.Before(*upd.ActualArrival) {
		return apperr.Validation("actualDeparture", "must not be before actualArrival")
	}
	st.Status = upd.Status
	if upd.ActualArrival != nil {
		t := upd.ActualArrival.UTC()
		st.ActualArrival = &t
	}
	if upd.ActualDeparture != nil {
		t := upd.ActualDeparture.UTC()
		st.ActualDeparture = &t
	}
	if upd.Notes != nil {
		st.Notes = *upd.Notes
	}
	return nil
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneBundle(b model.IndicatorBundle) model.IndicatorBundle {
	b.Clinical = cloneFloatMap(b.Clinical)
	b.Deprivation = cloneFloatMap(b.Deprivation)
	b.Demographics = cloneFloatMap(b.Demographics)
	b.Accessibility = cloneFloatMap(b.Accessibility)
	return b
}

func cloneConfig(c dex.ModelConfig) dex.ModelConfig {
	if c.Buckets != nil {
		bs := make(map[dex.Dimension][]dex.Bucket, len(c.Buckets))
		for d, b := range c.Buckets {
			bs[d] = append([]dex.Bucket(nil), b...)
		}
		c.Buckets = bs
	}
	c.Thresholds = append([]dex.Threshold(nil), c.Thresholds...)
	c.SpecialistTriggers = append([]dex.SpecialistTrigger(nil), c.SpecialistTriggers...)
	if c.ActivatedAt != nil {
		t := *c.ActivatedAt
		c.ActivatedAt = &t
	}
	return c
}

func cloneScore(ps model.PriorityScore) model.PriorityScore {
	if ps.Buckets != nil {
		b := make(map[string]string, len(ps.Buckets))
		for k, v := range ps.Buckets {
			b[k] = v
		}
		ps.Buckets = b
	}
	if ps.Factors != nil {
		fs := make([]model.Factor, len(ps.Factors))
		for i, f := range ps.Factors {
			f.TopIndicators = append([]model.IndicatorImpact(nil), f.TopIndicators...)
			fs[i] = f
		}
		ps.Factors = fs
	}
	ps.SpecialistConditions = append([]string(nil), ps.SpecialistConditions...)
	ps.Warnings = append([]model.Warning(nil), ps.Warnings...)
	return ps
}

func cloneLocation(l model.VisitLocation) model.VisitLocation {
	l.TimeWindows = append([]model.TimeWindow(nil), l.TimeWindows...)
	l.RequiredSkills = append([]string(nil), l.RequiredSkills...)
	if l.PriorityOverride != nil {
		v := *l.PriorityOverride
		l.PriorityOverride = &v
	}
	return l
}

func cloneResource(r model.Resource) model.Resource {
	r.Skills = append([]string(nil), r.Skills...)
	if r.EndLocation != nil {
		e := *r.EndLocation
		r.EndLocation = &e
	}
	return r
}

func cloneCoverage(c model.Coverage) model.Coverage {
	if c.ByLabel != nil {
		b := make(map[model.PriorityLabel]model.LabelCoverage, len(c.ByLabel))
		for k, v := range c.ByLabel {
			b[k] = v
		}
		c.ByLabel = b
	}
	return c
}

func cloneAssignments(in []model.RouteAssignment) []model.RouteAssignment {
	if in == nil {
		return nil
	}
	out := make([]model.RouteAssignment, len(in))
	for i, a := range in {
		a.Stops = append([]model.RouteStop(nil), a.Stops...)
		out[i] = a
	}
	return out
}

func clonePlan(p model.RoutePlan) model.RoutePlan {
	p.LocationIDs = append([]string(nil), p.LocationIDs...)
	p.ResourceIDs = append([]string(nil), p.ResourceIDs...)
	p.Unassigned = append([]model.Unassigned(nil), p.Unassigned...)
	p.Assignments = cloneAssignments(p.Assignments)
	if p.Coverage != nil {
		c := cloneCoverage(*p.Coverage)
		p.Coverage = &c
	}
	if p.OptimizationConfig != nil {
		c := *p.OptimizationConfig
		p.OptimizationConfig = &c
	}
	if p.EquityCoverageScore != nil {
		v := *p.EquityCoverageScore
		p.EquityCoverageScore = &v
	}
	return p
}
