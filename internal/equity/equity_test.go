package equity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"equiroute/internal/model"
)

func plan(ids ...string) model.RoutePlan {
	var stops []model.RouteStop
	for i, id := range ids {
		stops = append(stops, model.RouteStop{Sequence: i + 1, VisitLocationID: id})
	}
	return model.RoutePlan{Assignments: []model.RouteAssignment{{ResourceID: "r1", Stops: stops}}}
}

var targets = []Target{
	{LocationID: "u1", Label: model.LabelUrgent, Core20: true},
	{LocationID: "h1", Label: model.LabelHigh},
	{LocationID: "c1", Label: model.LabelRoutine, Core20: true},
	{LocationID: "r1", Label: model.LabelRoutine},
	{LocationID: "r2", Label: model.LabelRoutine},
}

func TestEvaluateCountsEligibleLocations(t *testing.T) {
	c := Evaluate(plan("u1", "r1", "r2"), targets)

	assert.Equal(t, 3, c.Eligible)
	assert.Equal(t, 1, c.Covered)
	assert.Equal(t, 33.33, c.Percentage)
	assert.Equal(t, model.LabelCoverage{Covered: 1, Total: 1}, c.ByLabel[model.LabelUrgent])
	assert.Equal(t, model.LabelCoverage{Covered: 0, Total: 1}, c.ByLabel[model.LabelHigh])
	assert.Equal(t, model.LabelCoverage{Covered: 2, Total: 3}, c.ByLabel[model.LabelRoutine])
	assert.Equal(t, model.LabelCoverage{Covered: 1, Total: 2}, c.Core20)
}

func TestEvaluateIsIdempotent(t *testing.T) {
	p := plan("u1", "h1")
	first := Evaluate(p, targets)
	second := Evaluate(p, targets)
	assert.Equal(t, first, second)
	assert.Equal(t, 66.67, first.Percentage)
	assert.Len(t, p.Assignments[0].Stops, 2)
}

func TestEvaluateNoEligibleIsFullCoverage(t *testing.T) {
	c := Evaluate(plan(), []Target{{LocationID: "r1", Label: model.LabelRoutine}})
	assert.Equal(t, 0, c.Eligible)
	assert.Equal(t, 100.0, c.Percentage)
}

func TestMeasureIgnoresDuplicateTargets(t *testing.T) {
	dup := append([]Target{}, targets...)
	dup = append(dup, Target{LocationID: "u1", Label: model.LabelUrgent, Core20: true})
	c := Measure(func(string) bool { return true }, dup)
	assert.Equal(t, 3, c.Eligible)
	assert.Equal(t, 100.0, c.Percentage)
}
