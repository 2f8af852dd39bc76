package service

import (
	"context"
	"sort"
	"time"

	"equiroute/internal/apperr"
	"equiroute/internal/equity"
	"equiroute/internal/model"
	"equiroute/internal/store"
)

// MaxReportDays bounds the equity coverage reporting period.
const MaxReportDays = 365

// Dashboard is the KPI summary for one day: unit priorities plus the visits
// planned for that date.
type Dashboard struct {
	Date                   string  `json:"date"`
	Units                  Summary `json:"units"`
	Plans                  int     `json:"plans"`
	TotalVisits            int     `json:"totalVisits"`
	CompletedVisits        int     `json:"completedVisits"`
	SkippedVisits          int     `json:"skippedVisits"`
	CompletionRate         float64 `json:"completionRate"`
	Core20Visits           int     `json:"core20Visits"`
	Core20VisitsPercentage float64 `json:"core20VisitsPercentage"`
	AverageVisitPriority   float64 `json:"averageVisitPriority"`
}

// Dashboard summarises date (empty means today). Draft plans have no visits
// and only count towards Plans.
func (p *Planner) Dashboard(ctx context.Context, date string) (Dashboard, error) {
	date, err := parseDate(date, p.now(), p.o.Location)
	if err != nil {
		return Dashboard{}, err
	}
	scores, _, err := p.store.ListPriorityScores(ctx, store.PriorityFilter{})
	if err != nil {
		return Dashboard{}, err
	}
	plans, err := p.store.ListPlans(ctx, date)
	if err != nil {
		return Dashboard{}, err
	}

	d := Dashboard{Date: date, Units: summarize(scores), Plans: len(plans)}
	var priority float64
	for _, plan := range plans {
		for _, a := range plan.Assignments {
			for _, s := range a.Stops {
				d.TotalVisits++
				priority += s.PriorityScore
				switch s.Status {
				case model.StopCompleted:
					d.CompletedVisits++
				case model.StopSkipped:
					d.SkippedVisits++
				}
				if s.Core20 {
					d.Core20Visits++
				}
			}
		}
	}
	if d.TotalVisits > 0 {
		n := float64(d.TotalVisits)
		d.CompletionRate = round2(100 * float64(d.CompletedVisits) / n)
		d.Core20VisitsPercentage = round2(100 * float64(d.Core20Visits) / n)
		d.AverageVisitPriority = round2(priority / n)
	}
	return d, nil
}

// EquityReport aggregates plan coverage over a period. A location counts
// once however many plans target it, and is covered when any of them visits
// it.
type EquityReport struct {
	From             string              `json:"from"`
	To               string              `json:"to"`
	PeriodDays       int                 `json:"periodDays"`
	Plans            int                 `json:"plans"`
	Core20           model.LabelCoverage `json:"core20"`
	Core20Percentage float64             `json:"core20Percentage"`
	Urgent           model.LabelCoverage `json:"urgent"`
	High             model.LabelCoverage `json:"high"`
	Coverage         model.Coverage      `json:"coverage"`
}

// EquityCoverage reports on the optimised plans dated within the periodDays
// ending on to (empty means today). Each location takes its label from the
// latest plan in the period that targets it.
func (p *Planner) EquityCoverage(ctx context.Context, periodDays int, to string) (EquityReport, error) {
	if periodDays < 1 || periodDays > MaxReportDays {
		return EquityReport{}, apperr.Validation("periodDays", "must be between 1 and %d", MaxReportDays)
	}
	to, err := parseDate(to, p.now(), p.o.Location)
	if err != nil {
		return EquityReport{}, err
	}
	end, _ := time.Parse(model.DateLayout, to)
	start := end.AddDate(0, 0, -(periodDays - 1))
	rep := EquityReport{From: start.Format(model.DateLayout), To: to, PeriodDays: periodDays}

	targets := map[string]equity.Target{}
	visited := map[string]bool{}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		plans, err := p.store.ListPlans(ctx, day.Format(model.DateLayout))
		if err != nil {
			return EquityReport{}, err
		}
		for _, plan := range plans {
			if plan.Status == model.PlanDraft {
				continue
			}
			ts, err := p.resolve(ctx, plan)
			if err != nil {
				return EquityReport{}, err
			}
			rep.Plans++
			for _, t := range equityTargets(ts) {
				targets[t.LocationID] = t
			}
			for _, a := range plan.Assignments {
				for _, s := range a.Stops {
					visited[s.VisitLocationID] = true
				}
			}
		}
	}

	list := make([]equity.Target, 0, len(targets))
	for _, t := range targets {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LocationID < list[j].LocationID })
	rep.Coverage = equity.Measure(func(id string) bool { return visited[id] }, list)
	rep.Core20 = rep.Coverage.Core20
	rep.Core20Percentage = equity.Percentage(rep.Core20.Covered, rep.Core20.Total)
	rep.Urgent = rep.Coverage.ByLabel[model.LabelUrgent]
	rep.High = rep.Coverage.ByLabel[model.LabelHigh]
	return rep, nil
}
