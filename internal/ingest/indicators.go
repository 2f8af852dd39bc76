// Package ingest reads indicator bundles from CSV and XLSX sheets and writes
// route plans out as workbooks.
//
// Indicator sheets are wide: one row per unit and period with the columns
// unit_id, period, recorded_for, optional is_core20 and imd_decile, and one
// column per indicator named "<section>.<indicator>", where section is one
// of clinical, deprivation, demographics or accessibility. Empty cells mean
// the indicator was not recorded.
package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
)

var sections = map[string]func(b *model.IndicatorBundle) *map[string]float64{
	"clinical":      func(b *model.IndicatorBundle) *map[string]float64 { return &b.Clinical },
	"deprivation":   func(b *model.IndicatorBundle) *map[string]float64 { return &b.Deprivation },
	"demographics":  func(b *model.IndicatorBundle) *map[string]float64 { return &b.Demographics },
	"accessibility": func(b *model.IndicatorBundle) *map[string]float64 { return &b.Accessibility },
}

var dateLayouts = []string{model.DateLayout, "02/01/2006", time.RFC3339}

type column struct {
	name      string
	section   string
	indicator string
}

func parseHeader(header []string) ([]column, error) {
	cols := make([]column, len(header))
	seen := map[string]bool{}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if seen[h] {
			return nil, apperr.Validation("header", "duplicate column %q", h)
		}
		seen[h] = true
		switch h {
		case "unit_id", "period", "recorded_for", "is_core20", "imd_decile":
			cols[i] = column{name: h}
			continue
		}
		section, indicator, ok := strings.Cut(h, ".")
		if _, known := sections[section]; !ok || !known || indicator == "" {
			return nil, apperr.Validation("header", "unknown column %q (want <section>.<indicator>)", h)
		}
		cols[i] = column{name: h, section: section, indicator: indicator}
	}
	for _, req := range []string{"unit_id", "period", "recorded_for"} {
		if !seen[req] {
			return nil, apperr.Validation("header", "missing required column %q", req)
		}
	}
	return cols, nil
}

// ParseRows turns a header and data rows into bundles. Blank rows are skipped.
// Errors name the 1-based sheet row.
func ParseRows(header []string, rows [][]string) ([]model.IndicatorBundle, error) {
	cols, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	var out []model.IndicatorBundle
	for ri, row := range rows {
		line := ri + 2
		if blank(row) {
			continue
		}
		b, err := parseRow(cols, row)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "row %d", line)
		}
		out = append(out, b)
	}
	return out, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseRow(cols []column, row []string) (model.IndicatorBundle, error) {
	var b model.IndicatorBundle
	for i, c := range cols {
		if c.name == "" || i >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[i])
		if v == "" {
			continue
		}
		switch c.name {
		case "unit_id":
			b.UnitID = v
		case "period":
			b.Period = v
		case "recorded_for":
			d, err := parseDate(v)
			if err != nil {
				return b, err
			}
			b.RecordedFor = d
		case "is_core20":
			core20, err := parseBool(v)
			if err != nil {
				return b, fmt.Errorf("is_core20: %w", err)
			}
			b.IsCore20 = core20
		case "imd_decile":
			d, err := strconv.Atoi(v)
			if err != nil || d < 1 || d > 10 {
				return b, fmt.Errorf("imd_decile %q must be an integer 1..10", v)
			}
			b.IMDDecile = d
		default:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return b, fmt.Errorf("%s: %q is not a number", c.name, v)
			}
			m := sections[c.section](&b)
			if *m == nil {
				*m = map[string]float64{}
			}
			(*m)[c.indicator] = f
		}
	}
	if b.UnitID == "" || b.Period == "" || b.RecordedFor == "" {
		return b, fmt.Errorf("unit_id, period and recorded_for are required")
	}
	return b, nil
}

func parseDate(v string) (string, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(model.DateLayout), nil
		}
	}
	return "", fmt.Errorf("recorded_for %q is not a date (want YYYY-MM-DD)", v)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return strconv.ParseBool(v)
}
