package util

import (
	"strconv"
	"time"
)

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// WeekStart truncates a timestamp to the start of its ISO week (Monday
// 00:00 UTC), the bucket boundary of the observations table.
func WeekStart(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	wd := int(t.Weekday())
	// time.Weekday numbers Sunday as 0.
	if wd == 0 {
		wd = 7
	}
	return t.AddDate(0, 0, 1-wd)
}

// WeeksBack returns the week-start n weeks before t's week.
func WeeksBack(t time.Time, n int) time.Time {
	return WeekStart(t).AddDate(0, 0, -7*n)
}
