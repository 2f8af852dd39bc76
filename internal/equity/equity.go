// Package equity measures how well a route plan reaches the locations that
// matter most: Core20 units and URGENT/HIGH priorities.
package equity

import (
	"math"

	"equiroute/internal/model"
)

// Target is one priority-scored location considered for a plan date.
type Target struct {
	LocationID string
	Label      model.PriorityLabel
	Core20     bool
}

// Eligible reports whether t counts towards the coverage denominator.
func (t Target) Eligible() bool { return t.Core20 || t.Label.IsHighPriority() }

// Evaluate derives coverage from the stops of p. A target is covered when
// any assignment holds a stop for it. With no eligible targets the plan
// is fully covered (100%). Evaluate never mutates p.
func Evaluate(p model.RoutePlan, targets []Target) model.Coverage {
	included := map[string]bool{}
	for _, a := range p.Assignments {
		for _, s := range a.Stops {
			included[s.VisitLocationID] = true
		}
	}
	return Measure(func(id string) bool { return included[id] }, targets)
}

// Measure computes coverage for an arbitrary inclusion predicate. Targets
// repeated by id are counted once.
func Measure(covered func(locationID string) bool, targets []Target) model.Coverage {
	c := model.Coverage{ByLabel: map[model.PriorityLabel]model.LabelCoverage{}}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.LocationID] {
			continue
		}
		seen[t.LocationID] = true
		in := covered(t.LocationID)

		if t.Label != "" {
			lc := c.ByLabel[t.Label]
			lc.Total++
			if in {
				lc.Covered++
			}
			c.ByLabel[t.Label] = lc
		}
		if t.Core20 {
			c.Core20.Total++
			if in {
				c.Core20.Covered++
			}
		}
		if t.Eligible() {
			c.Eligible++
			if in {
				c.Covered++
			}
		}
	}
	c.Percentage = Percentage(c.Covered, c.Eligible)
	return c
}

// Percentage is covered/eligible as a 0..100 value rounded to two decimals.
func Percentage(covered, eligible int) float64 {
	if eligible == 0 {
		return 100
	}
	return math.Round(float64(covered)/float64(eligible)*10000) / 100
}
