package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
	"equiroute/internal/store"
)

// Catalog holds the inputs of planning: indicator bundles, visit locations
// and field resources.
type Catalog struct {
	store store.Store
	log   *zap.Logger
}

func NewCatalog(st store.Store, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{store: st, log: log}
}

func checkPoint(field string, p model.GeoPoint) error {
	if err := validate.Var(p.Lat, "latitude"); err != nil {
		return apperr.Validation(field+".lat", "must be a latitude, got %v", p.Lat)
	}
	if err := validate.Var(p.Lng, "longitude"); err != nil {
		return apperr.Validation(field+".lng", "must be a longitude, got %v", p.Lng)
	}
	return nil
}

func checkWindow(field string, start, end string) error {
	s, err := parseClock(start)
	if err != nil {
		return apperr.Validation(field+".start", "%v", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return apperr.Validation(field+".end", "%v", err)
	}
	if e <= s {
		return apperr.Validation(field, "end %s must be after start %s", end, start)
	}
	return nil
}

// UpsertLocation validates and stores a visit location.
func (c *Catalog) UpsertLocation(ctx context.Context, l model.VisitLocation) (model.VisitLocation, error) {
	if l.ID == "" {
		return model.VisitLocation{}, apperr.Validation("id", "is required")
	}
	if err := checkPoint("location", l.Location); err != nil {
		return model.VisitLocation{}, err
	}
	if l.DurationMinutes < 0 || l.DurationMinutes > 24*60 {
		return model.VisitLocation{}, apperr.Validation("durationMinutes", "must be between 0 and 1440")
	}
	if l.DurationMinutes == 0 {
		l.DurationMinutes = model.DefaultVisitDurationMinutes
	}
	for i, w := range l.TimeWindows {
		if err := checkWindow(fmt.Sprintf("timeWindows[%d]", i), w.Start, w.End); err != nil {
			return model.VisitLocation{}, err
		}
	}
	if l.PriorityOverride != nil && (*l.PriorityOverride < 0 || *l.PriorityOverride > 100) {
		return model.VisitLocation{}, apperr.Validation("priorityOverride", "must be between 0 and 100")
	}
	return c.store.UpsertVisitLocation(ctx, l)
}

func (c *Catalog) Locations(ctx context.Context, activeOnly bool) ([]model.VisitLocation, error) {
	return c.store.ListVisitLocations(ctx, activeOnly)
}

// UpsertResource validates and stores a field resource.
func (c *Catalog) UpsertResource(ctx context.Context, r model.Resource) (model.Resource, error) {
	if r.ID == "" {
		return model.Resource{}, apperr.Validation("id", "is required")
	}
	if r.MaxVisitsPerDay < 0 {
		return model.Resource{}, apperr.Validation("maxVisitsPerDay", "must not be negative")
	}
	if r.MaxVisitsPerDay == 0 {
		r.MaxVisitsPerDay = model.DefaultMaxVisitsPerDay
	}
	if err := checkPoint("startLocation", r.StartLocation); err != nil {
		return model.Resource{}, err
	}
	if r.EndLocation != nil {
		if err := checkPoint("endLocation", *r.EndLocation); err != nil {
			return model.Resource{}, err
		}
	}
	if err := checkWindow("workingHours", r.WorkingHours.Start, r.WorkingHours.End); err != nil {
		return model.Resource{}, err
	}
	if _, err := worksOn(r.WorkingHours.RRule, time.Now().UTC().Truncate(24*time.Hour)); err != nil {
		return model.Resource{}, apperr.Validation("workingHours.rrule", "%v", err)
	}
	return c.store.UpsertResource(ctx, r)
}

func (c *Catalog) Resources(ctx context.Context, teamID string) ([]model.Resource, error) {
	return c.store.ListResources(ctx, teamID)
}

// ImportReport counts the outcome of an indicator import.
type ImportReport struct {
	Saved      int      `json:"saved"`
	Duplicates int      `json:"duplicates"`
	Units      []string `json:"units"`
}

// ImportIndicators stores bundles, counting periods already recorded as
// duplicates rather than failing the import.
func (c *Catalog) ImportIndicators(ctx context.Context, bundles []model.IndicatorBundle) (ImportReport, error) {
	rep := ImportReport{Units: []string{}}
	seen := map[string]bool{}
	for _, b := range bundles {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		err := c.store.SaveIndicatorBundle(ctx, b)
		switch {
		case errors.Is(err, store.ErrConflict):
			rep.Duplicates++
			continue
		case err != nil:
			return rep, fmt.Errorf("save indicators for %s: %w", b.UnitID, err)
		}
		rep.Saved++
		if !seen[b.UnitID] {
			seen[b.UnitID] = true
			rep.Units = append(rep.Units, b.UnitID)
		}
	}
	c.log.Info("indicators imported", zap.Int("saved", rep.Saved), zap.Int("duplicates", rep.Duplicates))
	return rep, nil
}
