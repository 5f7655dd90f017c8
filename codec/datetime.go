package codec

import (
	"fmt"
	"strings"
	"time"
)

// PostgreSQL's binary date and timestamp formats count from the J2000 epoch.
// IRIS's native $HOROLOG counts days from 1840-12-31.
var (
	j2000        = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	horologEpoch = time.Date(1840, 12, 31, 0, 0, 0, 0, time.UTC)
)

const microsPerDay = 24 * 60 * 60 * 1_000_000

// DaysSinceJ2000 returns the PostgreSQL binary-format day count for t.
func DaysSinceJ2000(t time.Time) int {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(j2000).Hours() / 24)
}

// DateFromJ2000 is the inverse of DaysSinceJ2000.
func DateFromJ2000(days int) time.Time {
	return j2000.AddDate(0, 0, days)
}

// MicrosSinceJ2000 returns the PostgreSQL binary-format microsecond count.
func MicrosSinceJ2000(t time.Time) int64 {
	return t.UTC().Sub(j2000).Microseconds()
}

// TimestampFromJ2000 is the inverse of MicrosSinceJ2000.
func TimestampFromJ2000(micros int64) time.Time {
	return j2000.Add(time.Duration(micros) * time.Microsecond)
}

// HorologToDate converts an IRIS Horolog day count to a date.
func HorologToDate(days int) time.Time {
	return horologEpoch.AddDate(0, 0, days)
}

// DateToHorolog converts a date to an IRIS Horolog day count.
func DateToHorolog(t time.Time) int {
	t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(horologEpoch).Hours() / 24)
}

// HorologToTimestamp converts a split $HOROLOG value (days, seconds-of-day
// with an optional fraction) to a timestamp.
func HorologToTimestamp(days int, seconds float64) time.Time {
	day := horologEpoch.AddDate(0, 0, days)
	return day.Add(time.Duration(seconds * float64(time.Second)))
}

// ParseDate accepts the ISO form clients and IRIS both use. It validates the
// calendar: "1962-02-29" is rejected, not normalized to March 1st.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date value %q", s)
	}
	if t.Format("2006-01-02") != s {
		return time.Time{}, fmt.Errorf("invalid date value %q", s)
	}
	return t, nil
}

// ParseTimestamp accepts "YYYY-MM-DD HH:MM:SS[.ffffff]" and the bare date
// form. IRIS's ODBC timestamp format is identical.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp value %q", s)
}

// FormatTimestamp renders the text wire form, trimming a trailing all-zero
// fractional part the way PostgreSQL does.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.999999")
}

func asDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		return ParseDate(d)
	case []byte:
		return ParseDate(string(d))
	case int64:
		// Horolog day count straight from IRIS.
		return HorologToDate(int(d)), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to date", v)
	}
}

func asTimestamp(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case string:
		return ParseTimestamp(ts)
	case []byte:
		return ParseTimestamp(string(ts))
	case int64:
		// Horolog day count, midnight.
		return HorologToTimestamp(int(ts), 0), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", v)
	}
}
