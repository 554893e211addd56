package reconcile

import (
	"strings"
	"time"
)

// instantTolerance is the strict upper bound under which two instants are
// considered the same.
const instantTolerance = time.Minute

// remoteLayout accepts provider date-times with or without fractional seconds.
const remoteLayout = "2006-01-02T15:04:05.999999999"

// parseRemote converts a provider date-time into an instant. Values labelled
// UTC are read as UTC; any other label is taken as wall-clock time in the
// schedule zone.
func parseRemote(dt DateTimeZone, loc *time.Location) (time.Time, bool) {
	value := strings.TrimSpace(dt.DateTime)
	if value == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, true
	}

	value = strings.TrimSuffix(value, "Z")
	if isUTCZone(dt.TimeZone) || strings.HasSuffix(dt.DateTime, "Z") {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(remoteLayout, value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func isUTCZone(zone string) bool {
	switch strings.ToUpper(strings.TrimSpace(zone)) {
	case "UTC", "UTC+00:00", "ETC/UTC", "Z":
		return true
	}
	return false
}

// sameInstant reports whether a and b are less than a minute apart.
func sameInstant(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < instantTolerance
}

// sameDay reports whether a and b fall on the same calendar date in loc.
func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
