package reconcile

import (
	"strings"
	"time"

	"github.com/macjediwizard/shiftsync/internal/schedule"
)

// wallClockLayout is a local date-time without offset.
const wallClockLayout = "2006-01-02T15:04:05"

// defaultSubject is used when a row has neither a job name nor a name.
const defaultSubject = "Schedule Item"

// bodyField pairs a body label with the row attribute it renders.
type bodyField struct {
	label string
	value func(schedule.Row) string
}

// bodyFields fixes the order of the "Label: value" lines in event bodies.
var bodyFields = []bodyField{
	{"Ref #", func(r schedule.Row) string { return r.RefNumber }},
	{"Job #", func(r schedule.Row) string { return r.JobNumber }},
	{"Job Name", func(r schedule.Row) string { return r.JobName }},
	{"Project #", func(r schedule.Row) string { return r.ProjectNumber }},
	{"Type", func(r schedule.Row) string { return r.Type }},
	{"Description", func(r schedule.Row) string { return r.Description }},
	{"Talent", func(r schedule.Row) string { return r.Talent }},
	{"Task", func(r schedule.Row) string { return r.Task }},
	{"Client", func(r schedule.Row) string { return r.Client }},
	{"Venue Name", func(r schedule.Row) string { return r.VenueName }},
	{"Venue Room", func(r schedule.Row) string { return r.VenueRoom }},
	{"Address", func(r schedule.Row) string { return r.Address }},
	{"Office", func(r schedule.Row) string { return r.Office }},
	{"Salesperson", func(r schedule.Row) string { return r.Salesperson }},
	{"Order Status", func(r schedule.Row) string { return r.OrderStatus }},
	{"Status", func(r schedule.Row) string { return r.Status }},
	{"Labor Custom", func(r schedule.Row) string { return r.LaborCustom }},
}

// Projector turns schedule rows into desired calendar events.
type Projector struct {
	// Location is the single zone all schedule times are expressed in.
	Location *time.Location
	// ZoneName is the provider's name for Location, sent with every timestamp.
	ZoneName string
}

// NewProjector creates a projector for the given schedule zone.
// An empty zoneName falls back to the location's IANA name.
func NewProjector(loc *time.Location, zoneName string) *Projector {
	if loc == nil {
		loc = time.UTC
	}
	if zoneName == "" {
		zoneName = loc.String()
	}
	return &Projector{Location: loc, ZoneName: zoneName}
}

// Project builds the desired event for row. It has no side effects and is
// used unchanged for create, update and diff.
func (p *Projector) Project(row schedule.Row, prefs Preferences) DesiredEvent {
	id, _ := schedule.Identify(row)

	event := DesiredEvent{
		Subject:  subjectFor(row, prefs),
		Body:     bodyFor(row),
		Start:    p.wallClock(row.Start),
		End:      p.wallClock(row.End),
		Location: locationFor(row),
		ExtendedProperties: []ExtendedProperty{
			{ID: IdentityPropertyID, Value: id},
		},
	}

	if minutes := prefs.DefaultReminderMinutes; minutes != nil {
		switch {
		case *minutes == 0:
			off, zero := false, 0
			event.IsReminderOn = &off
			event.ReminderMinutes = &zero
		case *minutes > 0:
			on, m := true, *minutes
			event.IsReminderOn = &on
			event.ReminderMinutes = &m
		}
	}

	return event
}

func (p *Projector) wallClock(t time.Time) DateTimeZone {
	return DateTimeZone{
		DateTime: t.In(p.Location).Format(wallClockLayout),
		TimeZone: p.ZoneName,
	}
}

func subjectFor(row schedule.Row, prefs Preferences) string {
	subject := row.JobName
	if subject == "" {
		subject = row.Name
		if subject == "" {
			subject = defaultSubject
		}
		if row.Description != "" {
			subject += " - " + row.Description
		}
	}

	if initials := strings.TrimSpace(prefs.Initials); initials != "" {
		subject = initials + " - " + subject
	}
	return subject
}

func bodyFor(row schedule.Row) string {
	lines := make([]string, 0, len(bodyFields))
	for _, f := range bodyFields {
		if v := f.value(row); v != "" {
			lines = append(lines, f.label+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

func locationFor(row schedule.Row) string {
	for _, candidate := range []string{row.Address, row.VenueName, row.Office} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}
