// Package eventtime extracts the event start time embedded in promo text.
//
// The page announces events in the Czech form "9.9.2025 15:00 - 18:00".
// Only the first occurrence is used and only the start time matters; the
// trailing end time, when present, is ignored.
package eventtime

import (
	"errors"
	"regexp"
	"strconv"
	"time"
)

// ErrNoTimestamp is returned when the text contains no recognizable
// date/time pattern. Callers treat this as "no reminder, announce anyway",
// not as a failure.
var ErrNoTimestamp = errors.New("eventtime: no timestamp in text")

// D.M.YYYY H:MM with an optional "- H:MM" end time.
// Day, month and hour may be zero-padded or not; the year is 4 digits.
var pattern = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})\.(\d{4})\s+(\d{1,2}):(\d{2})(?:\s*-\s*\d{1,2}:\d{2})?`)

// Parse scans text for the first event time pattern and resolves it to an
// absolute instant, interpreting the wall-clock time in loc.
//
// Daylight-saving transitions: an ambiguous local time during the autumn
// fall-back resolves to its standard-time occurrence (2:30 on the Prague
// transition day is 01:30 UTC, not 00:30), and a nonexistent spring-forward
// time normalizes ahead by the skipped hour.
func Parse(text string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, ErrNoTimestamp
	}

	day := atoi(m[1])
	month := atoi(m[2])
	year := atoi(m[3])
	hour := atoi(m[4])
	minute := atoi(m[5])

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, ErrNoTimestamp
	}

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)

	// time.Date normalizes impossible calendar dates (31.2. becomes 3.3.);
	// reject anything that didn't round-trip.
	if t.Day() != day || t.Month() != time.Month(month) || t.Year() != year {
		return time.Time{}, ErrNoTimestamp
	}
	return t, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
