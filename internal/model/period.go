package model

import (
	"fmt"
	"regexp"
	"time"
)

// Period keys identify a calendar month, formatted "2006-01".
const periodKeyLayout = "2006-01"

var periodKeyPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ValidPeriodKey reports whether key is a well-formed monthly period key.
func ValidPeriodKey(key string) bool {
	return periodKeyPattern.MatchString(key)
}

// PeriodKeyFor returns the period key for the month containing t.
func PeriodKeyFor(t time.Time) string {
	return t.Format(periodKeyLayout)
}

// PeriodBounds returns the half-open interval [start, end) covered by the
// period key, in the given location.
func PeriodBounds(key string, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(periodKeyLayout, key, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period key %q: %w", key, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// PeriodLastInstant returns the timestamp used for ledger entries attributed
// to the end of a period: one second before the next period begins.
func PeriodLastInstant(key string, loc *time.Location) (time.Time, error) {
	_, end, err := PeriodBounds(key, loc)
	if err != nil {
		return time.Time{}, err
	}
	return end.Add(-time.Second), nil
}
