package opt

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

var errBudget = errors.New("time budget exhausted")

// Move kinds.
const (
	MoveRelocate = "relocate"
	MoveExchange = "exchange"
	MoveTwoOpt   = "two_opt"
	MoveReinsert = "reinsert"
)

type change struct {
	ri    int
	order []int
	sched RouteSchedule
	stats routeStats
}

type move struct {
	kind    string
	changes []change
	obj     Objective
}

// neighbourhood scans every move anchored on one resource against a
// read-only snapshot and keeps the best strict improvement.
type neighbourhood struct {
	s    *solver
	cur  *solution
	best *move
}

func (n *neighbourhood) consider(kind string, routes ...change) {
	stats := append([]routeStats(nil), n.cur.stats...)
	for i := range routes {
		c := &routes[i]
		rs, reason := n.s.schedule(c.ri, c.order)
		if reason != "" {
			return
		}
		c.sched = rs
		c.stats = n.s.routeStats(c.order, rs)
		stats[c.ri] = c.stats
	}
	obj := n.s.objective(stats)
	target := n.cur.obj
	if n.best != nil {
		target = n.best.obj
	}
	if obj.Better(target, n.s.o.BalanceWorkload) {
		n.best = &move{kind: kind, changes: routes, obj: obj}
	}
}

func (s *solver) searchResource(ctx context.Context, cur *solution, ri int, unassigned []int) (*move, error) {
	n := &neighbourhood{s: s, cur: cur}
	route := cur.routes[ri]
	capacity := s.p.Resources[ri].Capacity

	for i, li := range route {
		if err := s.halt(ctx); err != nil {
			return nil, err
		}
		without := removeAt(route, i)
		for j := 0; j <= len(without); j++ {
			if j != i {
				n.consider(MoveRelocate, change{ri: ri, order: insertAt(without, j, li)})
			}
		}
		for ti, other := range cur.routes {
			if ti == ri || !s.skillOK[ti][li] || len(other) >= s.p.Resources[ti].Capacity {
				continue
			}
			for j := 0; j <= len(other); j++ {
				n.consider(MoveRelocate, change{ri: ri, order: without}, change{ri: ti, order: insertAt(other, j, li)})
			}
		}
		for ti := ri + 1; ti < len(cur.routes); ti++ {
			other := cur.routes[ti]
			for j, lj := range other {
				if !s.skillOK[ti][li] || !s.skillOK[ri][lj] {
					continue
				}
				a := append([]int(nil), route...)
				b := append([]int(nil), other...)
				a[i], b[j] = lj, li
				n.consider(MoveExchange, change{ri: ri, order: a}, change{ri: ti, order: b})
			}
		}
	}

	for i := 0; i < len(route)-1; i++ {
		if err := s.halt(ctx); err != nil {
			return nil, err
		}
		for k := i + 1; k < len(route); k++ {
			n.consider(MoveTwoOpt, change{ri: ri, order: twoOptSwap(route, i, k)})
		}
	}

	for _, u := range unassigned {
		if err := s.halt(ctx); err != nil {
			return nil, err
		}
		if !s.skillOK[ri][u] {
			continue
		}
		if len(route) < capacity {
			for j := 0; j <= len(route); j++ {
				n.consider(MoveReinsert, change{ri: ri, order: insertAt(route, j, u)})
			}
		}
		// displace a scheduled stop in favour of the unassigned location
		for i := range route {
			order := append([]int(nil), route...)
			order[i] = u
			n.consider(MoveReinsert, change{ri: ri, order: order})
		}
	}
	return n.best, nil
}

// twoOptSwap reverses ord[i..k].
func twoOptSwap(ord []int, i, k int) []int {
	out := make([]int, len(ord))
	copy(out, ord[:i])
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = ord[j]
		pos++
	}
	copy(out[pos:], ord[k+1:])
	return out
}

// bestMove evaluates every resource's neighbourhood in parallel and returns
// the single best strict improvement, or nil when none exists.
func (s *solver) bestMove(ctx context.Context, cur *solution) (*move, error) {
	in := cur.assigned(len(s.p.Locations))
	var unassigned []int
	for li, ok := range in {
		if !ok {
			unassigned = append(unassigned, li)
		}
	}

	found := make([]*move, len(s.p.Resources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.o.Workers)
	for ri := range s.p.Resources {
		ri := ri
		g.Go(func() error {
			mv, err := s.searchResource(gctx, cur, ri, unassigned)
			found[ri] = mv
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var best *move
	for _, mv := range found {
		if mv != nil && (best == nil || mv.obj.Better(best.obj, s.o.BalanceWorkload)) {
			best = mv
		}
	}
	return best, nil
}

func (s *solver) apply(cur *solution, mv *move) *solution {
	next := cur.clone()
	for _, c := range mv.changes {
		next.routes[c.ri] = c.order
		next.scheds[c.ri] = c.sched
		next.stats[c.ri] = c.stats
	}
	next.obj = mv.obj
	return next
}

// halt returns the caller's cancellation, or errBudget once the deadline
// has passed. Searches poll it between stops so a pass overruns the budget
// by at most one stop's neighbourhood.
func (s *solver) halt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.deadline.IsZero() && !s.o.Clock.Now().Before(s.deadline) {
		return errBudget
	}
	return nil
}

// stopped ends the improvement phase. An exhausted budget keeps the best
// solution so far; cancellation discards it.
func (s *solver) stopped(ctx context.Context, cur *solution, err error) (*solution, error) {
	if ctx.Err() == nil && errors.Is(err, errBudget) {
		s.stats.StoppedBy = StopBudget
		return cur, nil
	}
	return nil, err
}

// improve runs best-improvement local search until the budget runs out or a
// full pass finds nothing better.
func (s *solver) improve(ctx context.Context, cur *solution) (*solution, error) {
	if s.o.TimeBudget <= 0 {
		s.stats.StoppedBy = StopNoBudget
		return cur, nil
	}
	s.deadline = s.o.Clock.Now().Add(s.o.TimeBudget)
	for {
		if err := s.halt(ctx); err != nil {
			return s.stopped(ctx, cur, err)
		}
		if s.o.MaxIterations > 0 && s.stats.Iterations >= s.o.MaxIterations {
			s.stats.StoppedBy = StopIterations
			return cur, nil
		}
		s.stats.Iterations++
		mv, err := s.bestMove(ctx, cur)
		if err != nil {
			return s.stopped(ctx, cur, err)
		}
		if mv == nil {
			s.stats.StoppedBy = StopConverged
			return cur, nil
		}
		cur = s.apply(cur, mv)
		s.stats.Improvements++
		if s.stats.Moves == nil {
			s.stats.Moves = map[string]int{}
		}
		s.stats.Moves[mv.kind]++
	}
}
