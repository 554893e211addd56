package reconcile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const emptyValue = "(empty)"

// Diff compares a desired event with the remote one and returns the fields
// that differ, in a fixed order: subject, start, end, location, body fields,
// reminder. loc is the schedule zone used to read wall-clock times.
func Diff(desired DesiredEvent, actual RemoteEvent, loc *time.Location) []Difference {
	var diffs []Difference

	if strings.TrimSpace(desired.Subject) != strings.TrimSpace(actual.Subject) {
		diffs = append(diffs, Difference{Field: "subject", Desired: desired.Subject, Actual: actual.Subject})
	}

	if d, ok := diffTime("start", desired.Start, actual.Start, loc); !ok {
		diffs = append(diffs, d)
	}
	if d, ok := diffTime("end", desired.End, actual.End, loc); !ok {
		diffs = append(diffs, d)
	}

	if strings.TrimSpace(desired.Location) != strings.TrimSpace(actual.Location) {
		diffs = append(diffs, Difference{Field: "location", Desired: desired.Location, Actual: actual.Location})
	}

	diffs = append(diffs, diffBody(desired.Body, actual.Body)...)

	if d, ok := diffReminder(desired, actual); !ok {
		diffs = append(diffs, d)
	}

	return diffs
}

func diffTime(field string, desired, actual DateTimeZone, loc *time.Location) (Difference, bool) {
	want, wantOK := parseRemote(desired, loc)
	got, gotOK := parseRemote(actual, loc)
	if wantOK && gotOK && sameInstant(want, got) {
		return Difference{}, true
	}
	if !wantOK && !gotOK && desired.DateTime == actual.DateTime {
		return Difference{}, true
	}
	return Difference{Field: field, Desired: formatDateTime(desired), Actual: formatDateTime(actual)}, false
}

func formatDateTime(dt DateTimeZone) string {
	if dt.DateTime == "" {
		return emptyValue
	}
	return fmt.Sprintf("%s (%s)", dt.DateTime, dt.TimeZone)
}

func diffBody(desired, actual string) []Difference {
	want := ParseBodyFields(desired)
	got := ParseBodyFields(actual)

	labels := append([]string(nil), want.Labels...)
	for _, label := range got.Labels {
		if _, ok := want.Values[label]; !ok {
			labels = append(labels, label)
		}
	}

	var diffs []Difference
	for _, label := range labels {
		w, _ := want.Get(label)
		g, _ := got.Get(label)
		if w == g {
			continue
		}
		diffs = append(diffs, Difference{
			Field:   strings.ToLower(label),
			Desired: orEmpty(w),
			Actual:  orEmpty(g),
		})
	}
	return diffs
}

// diffReminder compares reminder settings as one (on, minutes) unit. A
// desired event without reminder settings leaves the remote reminder alone,
// so nothing is compared.
func diffReminder(desired DesiredEvent, actual RemoteEvent) (Difference, bool) {
	if desired.IsReminderOn == nil {
		return Difference{}, true
	}

	wantOn := *desired.IsReminderOn
	gotOn := actual.IsReminderOn != nil && *actual.IsReminderOn
	wantMin := intValue(desired.ReminderMinutes)
	gotMin := intValue(actual.ReminderMinutes)

	if wantOn == gotOn && wantMin == gotMin {
		return Difference{}, true
	}
	return Difference{
		Field:   "reminder",
		Desired: formatReminder(wantOn, wantMin),
		Actual:  formatReminder(gotOn, gotMin),
	}, false
}

func formatReminder(on bool, minutes int) string {
	if !on {
		return "off"
	}
	return strconv.Itoa(minutes) + " min"
}

func intValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func orEmpty(s string) string {
	if s == "" {
		return emptyValue
	}
	return s
}
