package quota

import (
	"fmt"
	"time"
)

// WindowKind is the length of a counting period.
type WindowKind string

const (
	WindowWeek  WindowKind = "week"
	WindowMonth WindowKind = "month"
)

// ParseWindowKind validates s as a WindowKind.
func ParseWindowKind(s string) (WindowKind, error) {
	switch k := WindowKind(s); k {
	case WindowWeek, WindowMonth:
		return k, nil
	}
	return "", fmt.Errorf("unknown window kind %q", s)
}

// WindowStart returns the first date of the kind window containing day.
// Weeks start on Monday, months on the 1st.
func WindowStart(kind WindowKind, day time.Time) time.Time {
	d := DateOf(day)
	if kind == WindowMonth {
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	return d.AddDate(0, 0, -offset)
}

// WindowEnd returns the exclusive end of the window beginning at start.
func WindowEnd(kind WindowKind, start time.Time) time.Time {
	if kind == WindowMonth {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 7)
}

// ResetsIn returns whole days from today until the current window ends.
// Always at least 1: a window never ends on the day it is observed.
func ResetsIn(kind WindowKind, today time.Time) int {
	d := DateOf(today)
	end := WindowEnd(kind, WindowStart(kind, d))
	return int(end.Sub(d).Hours() / 24)
}
