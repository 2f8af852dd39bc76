// Package service implements the operations exposed by the API and the CLI:
// priority scoring, model configuration management, the visit catalogue and
// the route plan lifecycle.
package service

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/teambition/rrule-go"

	"equiroute/internal/apperr"
	"equiroute/internal/model"
	"equiroute/internal/store"
)

var validate = validator.New()

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// validationError turns the first validator failure into a ValidationError
// naming the offending field.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return apperr.Validation(lowerFirst(fe.Field()), "failed %s validation", fe.Tag())
	}
	return apperr.Wrap(apperr.KindValidation, err, "invalid input")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// parseDate accepts an empty value as "today in loc".
func parseDate(s string, now time.Time, loc *time.Location) (string, error) {
	if s == "" {
		return now.In(loc).Format(model.DateLayout), nil
	}
	if _, err := time.Parse(model.DateLayout, s); err != nil {
		return "", apperr.Validation("date", "expected YYYY-MM-DD, got %q", s)
	}
	return s, nil
}

// parseClock converts "HH:MM" to seconds after midnight. "24:00" is allowed
// as the end of day.
func parseClock(s string) (float64, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return float64(h*3600 + m*60), nil
}

// worksOn reports whether a recurrence rule includes the given day. An empty
// rule means every day. Rules without DTSTART are anchored on the day itself,
// which is exact for the usual DAILY and WEEKLY;BYDAY shapes.
func worksOn(rule string, day time.Time) (bool, error) {
	if strings.TrimSpace(rule) == "" {
		return true, nil
	}
	opt, err := rrule.StrToROptionInLocation(rule, day.Location())
	if err != nil {
		return false, err
	}
	if opt.Dtstart.IsZero() {
		opt.Dtstart = day
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return false, err
	}
	next := day.AddDate(0, 0, 1)
	return len(r.Between(day, next.Add(-time.Second), true)) > 0, nil
}

// dayStart is local midnight of a YYYY-MM-DD date.
func dayStart(date string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(model.DateLayout, date, loc)
	if err != nil {
		return time.Time{}, apperr.Validation("planDate", "expected YYYY-MM-DD, got %q", date)
	}
	return t, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
