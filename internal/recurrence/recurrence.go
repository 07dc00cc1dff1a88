// Package recurrence computes execution times of repeating scheduled experiments.
// A schedule is described by three fields: days of the week (0-6, 0=Sunday),
// hours (0-23) and minutes (0-59). Each field accepts "*", single values,
// comma lists, ranges and steps.
package recurrence

import (
	"fmt"
	"time"
)

// Schedule is a parsed set of repeat fields
type Schedule struct {
	days    set
	hours   set
	minutes set

	original string
}

// Parse builds a schedule from the repeat fields of a scheduled experiment.
// Empty fields allow every value.
func Parse(days, hours, minutes string) (*Schedule, error) {
	d, err := parseField(days, 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid repeat days: %w", err)
	}

	h, err := parseField(hours, 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid repeat hours: %w", err)
	}

	m, err := parseField(minutes, 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid repeat minutes: %w", err)
	}

	return &Schedule{
		days:     d,
		hours:    h,
		minutes:  m,
		original: fmt.Sprintf("days=%q hours=%q minutes=%q", days, hours, minutes),
	}, nil
}

// String returns the fields the schedule was parsed from
func (s *Schedule) String() string {
	return s.original
}

// Matches reports whether t falls on a scheduled minute
func (s *Schedule) Matches(t time.Time) bool {
	return s.days.has(int(t.Weekday())) && s.hours.has(t.Hour()) && s.minutes.has(t.Minute())
}

// Next returns the first scheduled minute strictly after 'after', evaluated
// in after's location. Every valid schedule has a match within a week.
func (s *Schedule) Next(after time.Time) time.Time {
	current := after.Truncate(time.Minute).Add(time.Minute)

	// Eight days covers a full week plus the remainder of the starting day
	for i := 0; i < 8; i++ {
		if s.days.has(int(current.Weekday())) {
			if t, ok := s.nextInDay(current); ok {
				return t
			}
		}
		y, mo, d := current.Date()
		current = time.Date(y, mo, d+1, 0, 0, 0, 0, current.Location())
	}

	// Unreachable: every field has at least one member
	return time.Time{}
}

// nextInDay finds the first matching time on from's day at or after from
func (s *Schedule) nextInDay(from time.Time) (time.Time, bool) {
	y, mo, d := from.Date()
	loc := from.Location()

	for h, ok := s.hours.next(from.Hour(), 23); ok; h, ok = s.hours.next(h+1, 23) {
		startMinute := 0
		if h == from.Hour() {
			startMinute = from.Minute()
		}
		if m, ok := s.minutes.next(startMinute, 59); ok {
			t := time.Date(y, mo, d, h, m, 0, 0, loc)
			// DST gaps can normalize into a different hour
			if !t.Before(from) && s.Matches(t) {
				return t, true
			}
		}
	}

	return time.Time{}, false
}

// NextExecution computes the first execution of a newly scheduled experiment.
// One-shot experiments run at their start time, even when it has already
// passed. Repeating experiments run at the first scheduled minute at or after
// start, or after now when start lies in the past.
func NextExecution(start time.Time, repeating bool, days, hours, minutes string, now time.Time) (*time.Time, error) {
	if !repeating {
		return &start, nil
	}

	schedule, err := Parse(days, hours, minutes)
	if err != nil {
		return nil, err
	}

	from := now
	if start.After(now) {
		from = start.Add(-time.Nanosecond)
	}
	next := schedule.Next(from)
	return &next, nil
}
