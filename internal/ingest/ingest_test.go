package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
)

const sample = `unit_id,period,recorded_for,is_core20,imd_decile,clinical.diabetes_prevalence,deprivation.imd_score,accessibility.gp_distance_km,demographics.pct_english_not_main
E01000001,2025Q4,2025-12-31,yes,1,9.5,45,3.2,22
E01000002,2025Q4,31/12/2025,false,,6,,1.1,

E01000003,2025Q4,2025-12-31,0,7,,12,,
`

func TestReadIndicatorsCSV(t *testing.T) {
	got, err := ReadIndicatorsCSV(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, got, 3)

	first := got[0]
	assert.Equal(t, "E01000001", first.UnitID)
	assert.True(t, first.IsCore20)
	assert.Equal(t, 1, first.IMDDecile)
	assert.Equal(t, 9.5, first.Clinical["diabetes_prevalence"])
	assert.Equal(t, 22.0, first.Demographics["pct_english_not_main"])

	second := got[1]
	assert.Equal(t, "2025-12-31", second.RecordedFor)
	assert.False(t, second.IsCore20)
	assert.Nil(t, second.Deprivation)
	assert.Nil(t, second.Demographics)

	assert.Equal(t, "E01000003", got[2].UnitID)
	assert.Nil(t, got[2].Clinical)
}

func TestReadIndicatorsCSVErrors(t *testing.T) {
	cases := map[string]string{
		"unknown section": "unit_id,period,recorded_for,vitals.hr\nA,P,2025-01-01,1\n",
		"missing column":  "unit_id,recorded_for\nA,2025-01-01\n",
		"bad number":      "unit_id,period,recorded_for,clinical.x\nA,P,2025-01-01,lots\n",
		"bad date":        "unit_id,period,recorded_for\nA,P,yesterday\n",
		"bad decile":      "unit_id,period,recorded_for,imd_decile\nA,P,2025-01-01,11\n",
		"duplicate":       "unit_id,period,recorded_for,clinical.x,clinical.x\nA,P,2025-01-01,1,2\n",
		"empty":           "",
	}
	for name, in := range cases {
		_, err := ReadIndicatorsCSV(strings.NewReader(in))
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, apperr.ErrValidation), "%s: %v", name, err)
	}
}

func TestRowErrorsNameTheLine(t *testing.T) {
	_, err := ReadIndicatorsCSV(strings.NewReader("unit_id,period,recorded_for\nA,P,2025-01-01\nB,,2025-01-01\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
}

func TestReadIndicatorsXLSX(t *testing.T) {
	f := excelize.NewFile()
	rows := [][]any{
		{"unit_id", "period", "recorded_for", "clinical.copd_prevalence"},
		{"E01", "2025Q4", "2025-12-31", 3.5},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadIndicatorsXLSX(&buf, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3.5, got[0].Clinical["copd_prevalence"])
}

func TestExportPlan(t *testing.T) {
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	p := model.RoutePlan{
		ID: "plan-1", PlanDate: "2026-05-04", Status: model.PlanOptimized, Version: 2,
		TotalResources: 1, TotalVisits: 2,
		Coverage: &model.Coverage{Percentage: 100, Core20: model.LabelCoverage{Covered: 1, Total: 1}},
		Assignments: []model.RouteAssignment{{ResourceID: "nurse-1", Stops: []model.RouteStop{
			{Sequence: 1, VisitLocationID: "l1", EstimatedArrival: at, EstimatedDeparture: at.Add(30 * time.Minute), Status: model.StopPending},
			{Sequence: 2, VisitLocationID: "l2", EstimatedArrival: at.Add(time.Hour), EstimatedDeparture: at.Add(90 * time.Minute), Status: model.StopPending},
		}}},
		Unassigned: []model.Unassigned{{LocationID: "l3", Reason: model.ReasonCapacity}},
	}
	var buf bytes.Buffer
	require.NoError(t, ExportPlan(&buf, p))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	stops, err := f.GetRows("Stops")
	require.NoError(t, err)
	require.Len(t, stops, 3)
	assert.Equal(t, "nurse-1", stops[1][0])
	assert.Equal(t, "10:00", stops[2][6])

	un, err := f.GetRows("Unassigned")
	require.NoError(t, err)
	require.Len(t, un, 2)
	assert.Equal(t, "capacity", un[1][2])

	summary, err := f.GetRows("Summary")
	require.NoError(t, err)
	assert.Equal(t, "plan-1", summary[1][0])
}
