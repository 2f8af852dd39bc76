package opt

import (
	"runtime"
	"sort"
	"time"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
)

type Point struct{ Lat, Lng float64 }

// Window is a service window in seconds after midnight of the plan date.
type Window struct{ Start, End float64 }

// Location is a visit to place. Priority is already resolved by the caller
// (override, derived score or default).
type Location struct {
	ID         string
	Point      Point
	ServiceSec float64
	Windows    []Window
	Skills     []string
	Priority   float64
	Label      model.PriorityLabel
	Core20     bool
}

// Resource is a field resource with its shift for the plan date, in seconds
// after midnight. A nil End returns the resource to Start.
type Resource struct {
	ID         string
	Capacity   int
	Skills     []string
	Start      Point
	End        *Point
	ShiftStart float64
	ShiftEnd   float64
}

type Problem struct {
	Locations []Location
	Resources []Resource
}

// Clock is the time source for the improvement budget.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options tune a run. Zero values take defaults; a zero TimeBudget skips
// the improvement phase.
type Options struct {
	TimeBudget       time.Duration
	PrioritizeCore20 bool
	BalanceWorkload  bool
	Core20Multiplier float64
	SpeedKph         float64
	Workers          int
	MaxIterations    int
	Clock            Clock
}

const (
	DefaultSpeedKph         = 30
	DefaultCore20Multiplier = 1.25
)

func (o Options) withDefaults() Options {
	if o.SpeedKph <= 0 {
		o.SpeedKph = DefaultSpeedKph
	}
	if o.Core20Multiplier <= 0 {
		o.Core20Multiplier = DefaultCore20Multiplier
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	return o
}

// Validate rejects problems that cannot be optimised at all.
func (p Problem) Validate() error {
	if len(p.Resources) == 0 {
		return apperr.Configuration("no available resources to optimize with")
	}
	seen := map[string]bool{}
	for _, r := range p.Resources {
		if r.ID == "" {
			return apperr.Configuration("resource without id")
		}
		if seen[r.ID] {
			return apperr.Configuration("duplicate resource %s", r.ID)
		}
		seen[r.ID] = true
		if r.Capacity < 1 {
			return apperr.Configuration("resource %s has capacity %d", r.ID, r.Capacity)
		}
		if r.ShiftStart < 0 || r.ShiftEnd <= r.ShiftStart {
			return apperr.Configuration("resource %s has invalid working hours", r.ID)
		}
	}
	seen = map[string]bool{}
	for _, l := range p.Locations {
		if seen[l.ID] {
			return apperr.Configuration("duplicate visit location %s", l.ID)
		}
		seen[l.ID] = true
		if l.ServiceSec < 0 {
			return apperr.Configuration("visit location %s has negative duration", l.ID)
		}
		for _, w := range l.Windows {
			if w.End <= w.Start {
				return apperr.Configuration("visit location %s has an empty time window", l.ID)
			}
		}
	}
	return nil
}

func hasSkills(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range need {
		if !set[s] {
			return false
		}
	}
	return true
}

// solver holds the precomputed, read-only view of a problem. It is shared by
// the improvement workers.
type solver struct {
	p        Problem
	o        Options
	mps      float64
	dist     [][]float64
	fromBase [][]float64
	toBase   [][]float64
	skillOK  [][]bool
	weight   []float64
	deadline time.Time
	stats    Stats
}

func newSolver(p Problem, o Options) *solver {
	o = o.withDefaults()
	locs := make([]Location, len(p.Locations))
	copy(locs, p.Locations)
	for i := range locs {
		ws := append([]Window(nil), locs[i].Windows...)
		sort.Slice(ws, func(a, b int) bool { return ws[a].Start < ws[b].Start })
		locs[i].Windows = ws
	}
	p.Locations = locs

	n := len(locs)
	s := &solver{p: p, o: o, mps: o.SpeedKph / 3.6}
	s.dist = make([][]float64, n)
	for i := range locs {
		s.dist[i] = make([]float64, n)
		for j := range locs {
			if i != j {
				s.dist[i][j] = haversine(locs[i].Point.Lat, locs[i].Point.Lng, locs[j].Point.Lat, locs[j].Point.Lng)
			}
		}
	}
	s.fromBase = make([][]float64, len(p.Resources))
	s.toBase = make([][]float64, len(p.Resources))
	s.skillOK = make([][]bool, len(p.Resources))
	for ri, r := range p.Resources {
		end := r.Start
		if r.End != nil {
			end = *r.End
		}
		s.fromBase[ri] = make([]float64, n)
		s.toBase[ri] = make([]float64, n)
		s.skillOK[ri] = make([]bool, n)
		for li, l := range locs {
			s.fromBase[ri][li] = haversine(r.Start.Lat, r.Start.Lng, l.Point.Lat, l.Point.Lng)
			s.toBase[ri][li] = haversine(l.Point.Lat, l.Point.Lng, end.Lat, end.Lng)
			s.skillOK[ri][li] = hasSkills(r.Skills, l.Skills)
		}
	}
	s.weight = make([]float64, n)
	for i, l := range locs {
		w := l.Priority
		if o.PrioritizeCore20 && l.Core20 {
			w *= o.Core20Multiplier
		}
		s.weight[i] = w
	}
	return s
}
