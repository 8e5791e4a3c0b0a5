package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t.UTC(), nil
}

// ParseAlertTime parses an alert source timestamp. Empty, zero-valued and
// unparseable inputs resolve to now.
func ParseAlertTime(value string, now time.Time) time.Time {
	t, err := ParseRFC3339(value)
	if err != nil || t.IsZero() || t.Year() <= 1 {
		return now.UTC()
	}
	return t
}

// UnixSeconds formats t as integer epoch seconds, the form Loki and Tempo accept.
func UnixSeconds(t time.Time) string {
	return fmt.Sprintf("%d", t.Unix())
}
