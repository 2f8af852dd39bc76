package opt

import "equiroute/internal/model"

// Visit is one scheduled stop. Times are seconds after midnight; Arrival may
// precede Start when the resource waits for a window to open.
type Visit struct {
	Loc          int
	Arrival      float64
	Start        float64
	Depart       float64
	TravelMeters float64
}

// RouteSchedule is the timed sequence for one resource.
type RouteSchedule struct {
	Visits       []Visit
	Start        float64
	End          float64
	TravelMeters float64
}

// serviceStart returns the earliest time at or after t at which the whole
// visit fits inside one of the location's windows.
func serviceStart(l Location, t float64) (float64, bool) {
	if len(l.Windows) == 0 {
		return t, true
	}
	for _, w := range l.Windows {
		s := t
		if w.Start > s {
			s = w.Start
		}
		if s+l.ServiceSec <= w.End {
			return s, true
		}
	}
	return 0, false
}

// schedule times a route from the resource's base at shift start. It returns
// the blocking reason when the order violates a hard constraint, or "" when
// the route is feasible.
func (s *solver) schedule(ri int, order []int) (RouteSchedule, string) {
	r := s.p.Resources[ri]
	rs := RouteSchedule{Start: r.ShiftStart, End: r.ShiftStart}
	if len(order) == 0 {
		return rs, ""
	}
	if len(order) > r.Capacity {
		return rs, model.ReasonCapacity
	}
	rs.Visits = make([]Visit, 0, len(order))
	t := r.ShiftStart
	prev := -1
	for _, li := range order {
		if !s.skillOK[ri][li] {
			return rs, model.ReasonSkill
		}
		d := s.fromBase[ri][li]
		if prev >= 0 {
			d = s.dist[prev][li]
		}
		t += d / s.mps
		loc := s.p.Locations[li]
		start, ok := serviceStart(loc, t)
		if !ok {
			return rs, model.ReasonTimeWindow
		}
		depart := start + loc.ServiceSec
		if depart > r.ShiftEnd {
			return rs, model.ReasonWorkingHours
		}
		rs.Visits = append(rs.Visits, Visit{Loc: li, Arrival: t, Start: start, Depart: depart, TravelMeters: d})
		rs.TravelMeters += d
		t = depart
		prev = li
	}
	back := s.toBase[ri][prev]
	t += back / s.mps
	if t > r.ShiftEnd {
		return rs, model.ReasonWorkingHours
	}
	rs.TravelMeters += back
	rs.End = t
	return rs, ""
}
