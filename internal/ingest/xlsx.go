package ingest

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
)

// ReadIndicatorsXLSX parses the named sheet, or the first sheet when sheet
// is empty, using the same layout as the CSV reader.
func ReadIndicatorsXLSX(r io.Reader, sheet string) ([]model.IndicatorBundle, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "failed to open workbook")
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return nil, apperr.Validation("sheet", "workbook has no sheets")
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "failed to read sheet %q", sheet)
	}
	if len(rows) == 0 {
		return nil, apperr.Validation("header", "sheet %q is empty", sheet)
	}
	return ParseRows(rows[0], rows[1:])
}

var (
	summaryHeader    = []any{"Plan", "Date", "Status", "Version", "Resources", "Visits", "Distance (km)", "Duration (min)", "Coverage (%)", "Core20 covered", "Core20 total"}
	stopsHeader      = []any{"Resource", "Seq", "Location", "Priority", "Label", "Core20", "Arrival", "Departure", "Travel (m)", "Status"}
	unassignedHeader = []any{"Location", "Label", "Reason", "Detail"}
)

// ExportPlan writes p as a workbook with Summary, Stops and Unassigned sheets.
func ExportPlan(w io.Writer, p model.RoutePlan) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", "Summary"); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	for _, name := range []string{"Stops", "Unassigned"} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", name, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	coverage, core20Covered, core20Total := 0.0, 0, 0
	if p.Coverage != nil {
		coverage = p.Coverage.Percentage
		core20Covered, core20Total = p.Coverage.Core20.Covered, p.Coverage.Core20.Total
	}
	summary := [][]any{summaryHeader, {
		p.ID, p.PlanDate, string(p.Status), p.Version, p.TotalResources, p.TotalVisits,
		p.TotalDistanceKm, p.TotalDurationMinutes, coverage, core20Covered, core20Total,
	}}

	stops := [][]any{stopsHeader}
	for _, a := range p.Assignments {
		for _, s := range a.Stops {
			stops = append(stops, []any{
				a.ResourceID, s.Sequence, s.VisitLocationID, s.PriorityScore, string(s.PriorityLabel), s.Core20,
				s.EstimatedArrival.Format("15:04"), s.EstimatedDeparture.Format("15:04"), s.TravelMeters, string(s.Status),
			})
		}
	}

	unassigned := [][]any{unassignedHeader}
	for _, u := range p.Unassigned {
		unassigned = append(unassigned, []any{u.LocationID, string(u.Label), u.Reason, u.Detail})
	}

	for sheet, rows := range map[string][][]any{"Summary": summary, "Stops": stops, "Unassigned": unassigned} {
		if err := writeRows(f, sheet, rows, bold); err != nil {
			return err
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any, headerStyle int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to style %s header: %w", sheet, err)
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}
