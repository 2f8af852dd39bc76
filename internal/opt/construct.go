package opt

import (
	"context"
	"sort"
)

// solution is a feasible assignment: one ordered route per resource.
type solution struct {
	routes [][]int
	scheds []RouteSchedule
	stats  []routeStats
	obj    Objective
}

func (s *solver) emptySolution() *solution {
	n := len(s.p.Resources)
	sol := &solution{
		routes: make([][]int, n),
		scheds: make([]RouteSchedule, n),
		stats:  make([]routeStats, n),
	}
	for ri := range s.p.Resources {
		sol.scheds[ri], _ = s.schedule(ri, nil)
	}
	sol.obj = s.objective(sol.stats)
	return sol
}

func (sol *solution) clone() *solution {
	out := &solution{
		routes: make([][]int, len(sol.routes)),
		scheds: append([]RouteSchedule(nil), sol.scheds...),
		stats:  append([]routeStats(nil), sol.stats...),
		obj:    sol.obj,
	}
	for i, r := range sol.routes {
		out.routes[i] = append([]int(nil), r...)
	}
	return out
}

func (s *solver) setRoute(sol *solution, ri int, order []int, rs RouteSchedule) {
	sol.routes[ri] = order
	sol.scheds[ri] = rs
	sol.stats[ri] = s.routeStats(order, rs)
}

// assigned marks every location that appears in a route.
func (sol *solution) assigned(n int) []bool {
	in := make([]bool, n)
	for _, r := range sol.routes {
		for _, li := range r {
			in[li] = true
		}
	}
	return in
}

// insertionOrder sorts locations high-priority first, then by weighted
// priority, then by id so runs are reproducible.
func (s *solver) insertionOrder() []int {
	idx := make([]int, len(s.p.Locations))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		la, lb := s.p.Locations[idx[a]], s.p.Locations[idx[b]]
		ha, hb := la.Label.IsHighPriority(), lb.Label.IsHighPriority()
		if ha != hb {
			return ha
		}
		if wa, wb := s.weight[idx[a]], s.weight[idx[b]]; wa != wb {
			return wa > wb
		}
		return la.ID < lb.ID
	})
	return idx
}

type insertion struct {
	ri    int
	order []int
	sched RouteSchedule
	delta float64
	stops int
}

func (s *solver) cheaper(c, best insertion) bool {
	if best.ri < 0 {
		return true
	}
	if c.delta < best.delta-travelEps {
		return true
	}
	if s.o.BalanceWorkload && c.delta <= best.delta+travelEps {
		return c.stops < best.stops
	}
	return false
}

func insertAt(order []int, pos, li int) []int {
	out := make([]int, 0, len(order)+1)
	out = append(out, order[:pos]...)
	out = append(out, li)
	return append(out, order[pos:]...)
}

func removeAt(order []int, i int) []int {
	out := make([]int, 0, len(order)-1)
	out = append(out, order[:i]...)
	return append(out, order[i+1:]...)
}

// construct builds the initial solution by priority-ordered cheapest
// feasible insertion. Locations with no feasible position stay unassigned.
func (s *solver) construct(ctx context.Context) (*solution, error) {
	sol := s.emptySolution()
	for _, li := range s.insertionOrder() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		best := insertion{ri: -1}
		for ri, r := range s.p.Resources {
			route := sol.routes[ri]
			if !s.skillOK[ri][li] || len(route) >= r.Capacity {
				continue
			}
			for pos := 0; pos <= len(route); pos++ {
				order := insertAt(route, pos, li)
				rs, reason := s.schedule(ri, order)
				if reason != "" {
					continue
				}
				c := insertion{ri: ri, order: order, sched: rs, delta: rs.TravelMeters - sol.scheds[ri].TravelMeters, stops: len(route)}
				if s.cheaper(c, best) {
					best = c
				}
			}
		}
		if best.ri >= 0 {
			s.setRoute(sol, best.ri, best.order, best.sched)
		}
	}
	sol.obj = s.objective(sol.stats)
	return sol, nil
}
