// Package period lays cap periods over the calendar.
package period

import (
	"errors"
	"fmt"
	"time"

	"reward-cap-engine/internal/models"
)

// ErrInvalidPeriodConfig is returned for an unknown convention or an anchor
// day outside 1-31.
var ErrInvalidPeriodConfig = errors.New("invalid period config")

// Scope picks the period relative to the reference date.
type Scope int

const (
	Current Scope = iota
	Previous
)

// ComputeWindow returns the [start, end) window of the given convention that
// contains ref (Current) or the one before it (Previous). anchorDay is only
// consulted for statement months.
func ComputeWindow(ref time.Time, conv models.Convention, anchorDay int, scope Scope) (models.PeriodWindow, error) {
	day := truncateDay(ref)

	var start time.Time
	switch conv {
	case models.ConventionCalendarMonth:
		start = time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
		if scope == Previous {
			start = start.AddDate(0, -1, 0)
		}
		return models.PeriodWindow{Start: start, End: start.AddDate(0, 1, 0)}, nil

	case models.ConventionStatementMonth:
		if anchorDay < 1 || anchorDay > 31 {
			return models.PeriodWindow{}, fmt.Errorf("%w: anchor day %d outside 1-31", ErrInvalidPeriodConfig, anchorDay)
		}
		anchor := anchorIn(day.Year(), day.Month(), anchorDay, day.Location())
		if day.Before(anchor) {
			start = shift(anchor, -1, anchorDay)
		} else {
			start = anchor
		}
		if scope == Previous {
			start = shift(start, -1, anchorDay)
		}
		return models.PeriodWindow{Start: start, End: shift(start, 1, anchorDay)}, nil

	default:
		return models.PeriodWindow{}, fmt.Errorf("%w: unknown convention %q", ErrInvalidPeriodConfig, conv)
	}
}

// Envelope returns the smallest window holding both the current calendar
// month and, when anchorDay is valid, the current statement month of ref.
// A ledger read over the envelope satisfies a cap of either convention.
func Envelope(ref time.Time, anchorDay int) models.PeriodWindow {
	// calendar month never fails
	w, _ := ComputeWindow(ref, models.ConventionCalendarMonth, 0, Current)
	if anchorDay < 1 || anchorDay > 31 {
		return w
	}
	s, _ := ComputeWindow(ref, models.ConventionStatementMonth, anchorDay, Current)
	if s.Start.Before(w.Start) {
		w.Start = s.Start
	}
	if s.End.After(w.End) {
		w.End = s.End
	}
	return w
}

// ValidateConvention checks that conv is known and, for statement months,
// that anchorDay is usable.
func ValidateConvention(conv models.Convention, anchorDay int) error {
	_, err := ComputeWindow(time.Unix(0, 0).UTC(), conv, anchorDay, Current)
	return err
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// anchorIn places anchorDay in the given month, clamped to its last day.
func anchorIn(year int, month time.Month, anchorDay int, loc *time.Location) time.Time {
	if last := daysIn(year, month, loc); anchorDay > last {
		anchorDay = last
	}
	return time.Date(year, month, anchorDay, 0, 0, 0, 0, loc)
}

// shift moves an anchor by n months and re-clamps the anchor day, so a 31st
// anchor lands on Feb 28 and comes back to Mar 31.
func shift(anchor time.Time, n int, anchorDay int) time.Time {
	first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location()).AddDate(0, n, 0)
	return anchorIn(first.Year(), first.Month(), anchorDay, anchor.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
