package schema

import (
	"fmt"
	"time"
)

// DateLayout is the canonical calendar-day format used on the wire, in
// partition paths, and as map keys throughout the pipeline.
const DateLayout = "2006-01-02"

// ParseDate parses a canonical YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a time as a canonical calendar-day string in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// AddDays returns the calendar day n days after (or before, when negative)
// the given day, normalized to UTC midnight.
func AddDays(t time.Time, n int) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+n, 0, 0, 0, 0, time.UTC)
}

// DateStrings enumerates every calendar day from start through end
// inclusive as canonical strings. An inverted range yields nil.
func DateStrings(start, end time.Time) []string {
	s := AddDays(start, 0)
	e := AddDays(end, 0)
	if s.After(e) {
		return nil
	}
	var days []string
	for d := s; !d.After(e); d = AddDays(d, 1) {
		days = append(days, FormatDate(d))
	}
	return days
}
