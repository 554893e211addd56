package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDate is returned when a schedule date cannot be parsed.
var ErrInvalidDate = errors.New("invalid schedule date")

// tableDatePattern matches the schedule table format, e.g. "1/12/2026 8:00 AM".
var tableDatePattern = regexp.MustCompile(`(?i)(\d{1,2})/(\d{1,2})/(\d{4})\s+(\d{1,2}):(\d{2})\s+(AM|PM)`)

var isoLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTableDate parses a "M/D/YYYY H:MM AM/PM" value as wall-clock time in loc.
func ParseTableDate(value string, loc *time.Location) (time.Time, error) {
	m := tableDatePattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}

	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])

	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 12 || minute > 59 {
		return time.Time{}, fmt.Errorf("%w: %q out of range", ErrInvalidDate, value)
	}

	switch strings.ToUpper(m[6]) {
	case "PM":
		if hour != 12 {
			hour += 12
		}
	case "AM":
		if hour == 12 {
			hour = 0
		}
	}

	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc), nil
}

// ParseDate accepts RFC 3339, ISO local date-times (interpreted in loc)
// and the schedule table format.
func ParseDate(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return ParseTableDate(value, loc)
}
