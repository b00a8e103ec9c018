// Package period computes reporting-period identifiers and bounds.
//
// Ids are "YYYY-MM" for months, ISO-8601 "YYYY-Www" for weeks and
// "YYYY-MM-DD" for days. Periods are half-open [Start, End) in the
// calendar's location. Every function is pure given its time argument;
// nothing here reads the wall clock.
package period

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ignite/adperf-engine/internal/domain"
)

// ErrInvalidID is returned when an id does not parse for its granularity.
var ErrInvalidID = errors.New("invalid period id")

// Status is derived from the clock and from whether a summary exists.
type Status string

const (
	StatusCurrent   Status = "current"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Period is one reporting interval.
type Period struct {
	ID          string             `json:"id"`
	Granularity domain.Granularity `json:"granularity"`
	Start       time.Time          `json:"start"`
	End         time.Time          `json:"end"`
}

// Contains reports whether t falls in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Calendar resolves periods in a fixed location.
type Calendar struct {
	loc *time.Location
}

// UTC is the calendar used when no reporting timezone is configured.
var UTC = Calendar{loc: time.UTC}

// NewCalendar returns a calendar for loc; nil means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Location returns the calendar's timezone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// CurrentID returns the id of the period of granularity g containing now.
func (c Calendar) CurrentID(g domain.Granularity, now time.Time) string {
	return c.Of(g, now).ID
}

// Of returns the period of granularity g containing t.
func (c Calendar) Of(g domain.Granularity, t time.Time) Period {
	t = t.In(c.Location())
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.Location())

	switch g {
	case domain.Week:
		year, week := isoWeek(midnight)
		start := midnight.AddDate(0, 0, -((int(midnight.Weekday()) + 6) % 7))
		return Period{
			ID:          fmt.Sprintf("%04d-W%02d", year, week),
			Granularity: g,
			Start:       start,
			End:         start.AddDate(0, 0, 7),
		}
	case domain.Month:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, c.Location())
		return Period{
			ID:          start.Format("2006-01"),
			Granularity: g,
			Start:       start,
			End:         start.AddDate(0, 1, 0),
		}
	default:
		return Period{
			ID:          midnight.Format("2006-01-02"),
			Granularity: domain.Day,
			Start:       midnight,
			End:         midnight.AddDate(0, 0, 1),
		}
	}
}

// isoWeek shifts the date to the Thursday of its Monday-based week and
// counts weeks from January 4th of that Thursday's year.
func isoWeek(midnight time.Time) (year, week int) {
	weekday := int(midnight.Weekday())
	thursday := midnight.AddDate(0, 0, 3-((weekday+6)%7))
	week1 := time.Date(thursday.Year(), time.January, 4, 0, 0, 0, 0, midnight.Location())
	days := civilDays(thursday) - civilDays(week1)
	return thursday.Year(), 1 + int(math.Round(float64(days)/7))
}

// civilDays counts calendar days since the epoch, ignoring DST shifts.
func civilDays(t time.Time) int {
	u := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(u.Unix() / 86400)
}

// Previous returns the period immediately before p.
func (c Calendar) Previous(p Period) Period {
	return c.Of(p.Granularity, p.Start.AddDate(0, 0, -1))
}

// Next returns the period immediately after p.
func (c Calendar) Next(p Period) Period {
	return c.Of(p.Granularity, p.End)
}

// Window returns count consecutive periods ending with the current one,
// oldest first.
func (c Calendar) Window(g domain.Granularity, count int, now time.Time) []Period {
	if count <= 0 {
		return nil
	}
	out := make([]Period, count)
	p := c.Of(g, now)
	for i := count - 1; i >= 0; i-- {
		out[i] = p
		p = c.Previous(p)
	}
	return out
}

// WindowIDs is Window reduced to ids.
func (c Calendar) WindowIDs(g domain.Granularity, count int, now time.Time) []string {
	periods := c.Window(g, count, now)
	ids := make([]string, len(periods))
	for i, p := range periods {
		ids[i] = p.ID
	}
	return ids
}

// Bounds parses id as a period of granularity g.
func (c Calendar) Bounds(g domain.Granularity, id string) (Period, error) {
	var anchor time.Time
	switch g {
	case domain.Month:
		t, err := time.ParseInLocation("2006-01", id, c.Location())
		if err != nil {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
		anchor = t
	case domain.Day:
		t, err := time.ParseInLocation("2006-01-02", id, c.Location())
		if err != nil {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
		anchor = t
	case domain.Week:
		var year, week int
		if n, err := fmt.Sscanf(id, "%4d-W%2d", &year, &week); err != nil || n != 2 || len(id) != 8 {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
		jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, c.Location())
		monday := jan4.AddDate(0, 0, -((int(jan4.Weekday()) + 6) % 7))
		anchor = monday.AddDate(0, 0, 7*(week-1))
	default:
		return Period{}, fmt.Errorf("%w: %q", domain.ErrUnknownGranularity, g)
	}

	p := c.Of(g, anchor)
	if p.ID != id {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return p, nil
}

// Parse infers the granularity from the id's shape.
func (c Calendar) Parse(id string) (Period, error) {
	switch {
	case len(id) == 7:
		return c.Bounds(domain.Month, id)
	case len(id) == 8 && id[5] == 'W':
		return c.Bounds(domain.Week, id)
	case len(id) == 10:
		return c.Bounds(domain.Day, id)
	}
	return Period{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
}

// StatusOf derives a period's status. archived reports whether a durable
// summary row exists for it.
func (c Calendar) StatusOf(p Period, now time.Time, archived bool) Status {
	if c.CurrentID(p.Granularity, now) == p.ID {
		return StatusCurrent
	}
	if archived {
		return StatusArchived
	}
	return StatusCompleted
}

// IsCompleted reports whether p has fully elapsed at now.
func IsCompleted(p Period, now time.Time) bool {
	return !now.Before(p.End)
}

// CurrentID is Calendar.CurrentID in UTC.
func CurrentID(g domain.Granularity, now time.Time) string {
	return UTC.CurrentID(g, now)
}

// Window is Calendar.Window in UTC.
func Window(g domain.Granularity, count int, now time.Time) []Period {
	return UTC.Window(g, count, now)
}
