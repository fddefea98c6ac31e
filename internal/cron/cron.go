// Package cron parses five-field cron expressions. The engine uses them
// for its periodic background refresh.
package cron

import (
	"fmt"
	"time"
)

// Schedule is a parsed cron expression. Each field holds a bitmask of the
// values it accepts.
type Schedule struct {
	minutes     uint64 // 0-59
	hours       uint64 // 0-23
	daysOfMonth uint64 // 1-31
	months      uint64 // 1-12
	daysOfWeek  uint64 // 0-6, 0 is Sunday

	domRestricted bool
	dowRestricted bool

	expr string
}

// searchLimit bounds Next; every valid schedule fires within four years
const searchLimit = 4 * 366 * 24 * time.Hour

// Parse parses "minute hour day-of-month month day-of-week". Each field
// accepts *, a value, a range a-b, a list, and a /step on * or a range.
func Parse(expr string) (*Schedule, error) {
	return parse(expr)
}

func (s *Schedule) String() string { return s.expr }

// Next returns the first matching minute strictly after t, in t's
// location. It returns the zero time if nothing matches within four years.
func (s *Schedule) Next(t time.Time) time.Time {
	current := t.Truncate(time.Minute).Add(time.Minute)
	deadline := t.Add(searchLimit)

	for current.Before(deadline) {
		if !has(s.months, int(current.Month())) {
			current = time.Date(current.Year(), current.Month()+1, 1, 0, 0, 0, 0, current.Location())
			continue
		}
		if !s.matchesDay(current) {
			current = time.Date(current.Year(), current.Month(), current.Day()+1, 0, 0, 0, 0, current.Location())
			continue
		}
		if !has(s.hours, current.Hour()) {
			current = current.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !has(s.minutes, current.Minute()) {
			current = current.Add(time.Minute)
			continue
		}
		return current
	}
	return time.Time{}
}

// matchesDay applies the cron day rule: when both day fields are
// restricted, either may match
func (s *Schedule) matchesDay(t time.Time) bool {
	dom := has(s.daysOfMonth, t.Day())
	dow := has(s.daysOfWeek, int(t.Weekday()))

	switch {
	case s.domRestricted && s.dowRestricted:
		return dom || dow
	case s.domRestricted:
		return dom
	case s.dowRestricted:
		return dow
	default:
		return true
	}
}

func has(mask uint64, v int) bool { return mask&(1<<uint(v)) != 0 }

// Validate reports whether expr parses, for config checks
func Validate(expr string) error {
	if _, err := parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
