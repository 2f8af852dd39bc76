package opt

// Objective is compared lexicographically: more high-priority visits covered,
// then more weighted priority, then less travel, then (when balancing) a
// smaller variance of stop counts.
type Objective struct {
	HighCovered  int     `json:"highCovered"`
	Priority     float64 `json:"priority"`
	TravelMeters float64 `json:"travelMeters"`
	Imbalance    float64 `json:"imbalance"`
}

const (
	priorityEps = 1e-6
	travelEps   = 1e-3
	balanceEps  = 1e-9
)

// Better reports whether o strictly improves on than.
func (o Objective) Better(than Objective, balance bool) bool {
	if o.HighCovered != than.HighCovered {
		return o.HighCovered > than.HighCovered
	}
	if d := o.Priority - than.Priority; d > priorityEps || d < -priorityEps {
		return d > 0
	}
	if d := o.TravelMeters - than.TravelMeters; d > travelEps || d < -travelEps {
		return d < 0
	}
	if balance {
		return o.Imbalance < than.Imbalance-balanceEps
	}
	return false
}

type routeStats struct {
	High     int
	Priority float64
	Travel   float64
	Stops    int
}

func (s *solver) routeStats(order []int, rs RouteSchedule) routeStats {
	st := routeStats{Travel: rs.TravelMeters, Stops: len(order)}
	for _, li := range order {
		if s.p.Locations[li].Label.IsHighPriority() {
			st.High++
		}
		st.Priority += s.weight[li]
	}
	return st
}

func (s *solver) objective(stats []routeStats) Objective {
	var o Objective
	if len(stats) == 0 {
		return o
	}
	mean := 0.0
	for _, st := range stats {
		o.HighCovered += st.High
		o.Priority += st.Priority
		o.TravelMeters += st.Travel
		mean += float64(st.Stops)
	}
	mean /= float64(len(stats))
	for _, st := range stats {
		d := float64(st.Stops) - mean
		o.Imbalance += d * d
	}
	o.Imbalance /= float64(len(stats))
	return o
}
