package cron

import (
	"fmt"
	"strconv"
	"strings"
)

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

func parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	var masks [5]uint64
	for i, f := range fields {
		mask, err := parseField(f, fieldBounds[i])
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldBounds[i].name, err)
		}
		masks[i] = mask
	}

	s := &Schedule{
		minutes:       masks[0],
		hours:         masks[1],
		daysOfMonth:   masks[2],
		months:        masks[3],
		daysOfWeek:    masks[4],
		domRestricted: fields[2] != "*",
		dowRestricted: fields[4] != "*",
		expr:          expr,
	}

	if s.domRestricted && !s.dowRestricted && !anyValidDay(s.daysOfMonth, s.months) {
		return nil, fmt.Errorf("impossible date: no listed day exists in any listed month")
	}
	return s, nil
}

// parseField turns a comma-separated list of terms into a bitmask
func parseField(field string, b bounds) (uint64, error) {
	var mask uint64
	for _, term := range strings.Split(field, ",") {
		if term == "" {
			return 0, fmt.Errorf("empty value in list")
		}
		m, err := parseTerm(term, b)
		if err != nil {
			return 0, err
		}
		mask |= m
	}
	return mask, nil
}

// parseTerm handles one of *, n, a-b, */s and a-b/s
func parseTerm(term string, b bounds) (uint64, error) {
	rng, stepStr, hasStep := strings.Cut(term, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil {
			return 0, fmt.Errorf("invalid step value %q", stepStr)
		}
		if n <= 0 {
			return 0, fmt.Errorf("step must be greater than 0")
		}
		step = n
	}

	lo, hi := b.min, b.max
	switch {
	case rng == "*":
	case strings.Contains(rng, "-"):
		a, z, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = value(a, b); err != nil {
			return 0, err
		}
		if hi, err = value(z, b); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("invalid range: start %d > end %d", lo, hi)
		}
	default:
		if hasStep {
			return 0, fmt.Errorf("step requires * or a range")
		}
		v, err := value(rng, b)
		if err != nil {
			return 0, err
		}
		lo, hi = v, v
	}

	var mask uint64
	for v := lo; v <= hi; v += step {
		mask |= 1 << uint(v)
	}
	return mask, nil
}

func value(s string, b bounds) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of bounds [%d, %d]", v, b.min, b.max)
	}
	return v, nil
}

// anyValidDay reports whether some listed day exists in some listed
// month, counting Feb 29
func anyValidDay(days, months uint64) bool {
	for m := 1; m <= 12; m++ {
		if !has(months, m) {
			continue
		}
		for d := 1; d <= daysInMonth(m); d++ {
			if has(days, d) {
				return true
			}
		}
	}
	return false
}

func daysInMonth(month int) int {
	switch month {
	case 2:
		return 29
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}
