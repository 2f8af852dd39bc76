// Package opt plans daily visit routes for a set of resources under time
// windows, working hours, skills and capacity.
//
// Solve builds a priority-ordered insertion solution and improves it by
// local search until the time budget ends. Moves are compared on the tiered
// Objective: high-priority visits covered, then weighted priority, then
// travel, then workload balance. A move that raises a higher tier is taken
// even when travel grows, so a reinsertion that covers more priority may
// lengthen a route; travel only decides between moves that tie on the tiers
// above it. A hard constraint is never relaxed to make a move fit.
package opt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"equiroute/internal/model"
)

// Phase is a state of the optimizer run.
type Phase string

const (
	PhaseConstruct Phase = "construct"
	PhaseImprove   Phase = "improve"
	PhaseFinalize  Phase = "finalize"
	PhaseDone      Phase = "done"
)

// Why the improvement phase stopped.
const (
	StopConverged  = "converged"
	StopBudget     = "time_budget"
	StopIterations = "max_iterations"
	StopNoBudget   = "no_budget"
)

type Stats struct {
	Iterations   int            `json:"iterations"`
	Improvements int            `json:"improvements"`
	Moves        map[string]int `json:"moves,omitempty"`
	StoppedBy    string         `json:"stoppedBy"`
	Initial      Objective      `json:"initial"`
	Final        Objective      `json:"final"`
	Elapsed      time.Duration  `json:"elapsed"`
}

type Stop struct {
	LocationID   string
	Arrival      float64
	Start        float64
	Depart       float64
	TravelMeters float64
}

// Route is one resource's non-empty route. Start and End are the departure
// from and the return to base.
type Route struct {
	ResourceID   string
	Stops        []Stop
	Start        float64
	End          float64
	TravelMeters float64
	Priority     float64
	Core20Visits int
}

type Result struct {
	Routes     []Route
	Unassigned []model.Unassigned
	Objective  Objective
	Stats      Stats
}

// Solve runs Construct, Improve and Finalize over p. Faults in the input fail
// with a ConfigurationError before any work; a cancelled context returns
// ctx.Err() and no result.
func Solve(ctx context.Context, p Problem, o Options) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := newSolver(p, o)
	started := s.o.Clock.Now()

	var (
		cur *solution
		res *Result
		err error
	)
	for phase := PhaseConstruct; phase != PhaseDone; {
		switch phase {
		case PhaseConstruct:
			cur, err = s.construct(ctx)
			if err == nil {
				s.stats.Initial = cur.obj
			}
			phase = PhaseImprove
		case PhaseImprove:
			cur, err = s.improve(ctx, cur)
			phase = PhaseFinalize
		case PhaseFinalize:
			res, err = s.finalize(cur)
			phase = PhaseDone
		}
		if err != nil {
			return nil, err
		}
	}
	s.stats.Final = res.Objective
	s.stats.Elapsed = s.o.Clock.Now().Sub(started)
	res.Stats = s.stats
	return res, nil
}

// finalize re-times every route, verifies it and reports unassigned visits.
func (s *solver) finalize(cur *solution) (*Result, error) {
	res := &Result{Objective: cur.obj}
	for ri, order := range cur.routes {
		if len(order) == 0 {
			continue
		}
		rs, reason := s.schedule(ri, order)
		if reason != "" {
			return nil, fmt.Errorf("route for %s violates %s", s.p.Resources[ri].ID, reason)
		}
		rt := Route{
			ResourceID:   s.p.Resources[ri].ID,
			Start:        rs.Start,
			End:          rs.End,
			TravelMeters: rs.TravelMeters,
		}
		for _, v := range rs.Visits {
			l := s.p.Locations[v.Loc]
			rt.Stops = append(rt.Stops, Stop{
				LocationID:   l.ID,
				Arrival:      v.Arrival,
				Start:        v.Start,
				Depart:       v.Depart,
				TravelMeters: v.TravelMeters,
			})
			rt.Priority += l.Priority
			if l.Core20 {
				rt.Core20Visits++
			}
		}
		res.Routes = append(res.Routes, rt)
	}
	in := cur.assigned(len(s.p.Locations))
	for li, ok := range in {
		if !ok {
			res.Unassigned = append(res.Unassigned, s.diagnose(cur, li))
		}
	}
	return res, nil
}

// diagnose names the constraint that keeps a location out of every route:
// no skilled resource, no way to serve it even in an empty route, every
// capable resource full, or a conflict with the stops already scheduled.
func (s *solver) diagnose(cur *solution, li int) model.Unassigned {
	loc := s.p.Locations[li]
	u := model.Unassigned{LocationID: loc.ID, Label: loc.Label}

	var capable []int
	for ri := range s.p.Resources {
		if s.skillOK[ri][li] {
			capable = append(capable, ri)
		}
	}
	if len(capable) == 0 {
		u.Reason = model.ReasonSkill
		u.Detail = fmt.Sprintf("no resource has the required skills: %s", strings.Join(loc.Skills, ", "))
		return u
	}

	var servable []int
	windowBlocked := false
	for _, ri := range capable {
		_, reason := s.schedule(ri, []int{li})
		switch reason {
		case "":
			servable = append(servable, ri)
		case model.ReasonTimeWindow:
			windowBlocked = true
		}
	}
	if len(servable) == 0 {
		if windowBlocked {
			u.Reason = model.ReasonTimeWindow
			u.Detail = "no time window can be reached within any resource's shift"
		} else {
			u.Reason = model.ReasonWorkingHours
			u.Detail = "visit and return to base do not fit in any resource's working hours"
		}
		return u
	}

	full := true
	for _, ri := range servable {
		if len(cur.routes[ri]) < s.p.Resources[ri].Capacity {
			full = false
			break
		}
	}
	if full {
		u.Reason = model.ReasonCapacity
		u.Detail = fmt.Sprintf("all %d eligible resources are at capacity", len(servable))
		return u
	}
	if len(loc.Windows) > 0 {
		u.Reason = model.ReasonTimeWindow
		u.Detail = "time window conflicts with higher-priority stops"
	} else {
		u.Reason = model.ReasonWorkingHours
		u.Detail = "no remaining working time on any eligible resource"
	}
	return u
}
