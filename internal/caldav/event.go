package caldav

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/shiftsync/internal/reconcile"
)

// identityProp carries the row identifier on stored VEVENTs.
const identityProp = "X-SHIFTSYNC-IDENTITY"

const (
	productID       = "-//macjediwizard//shiftsync//EN"
	wallClockLayout = "2006-01-02T15:04:05"
	icalUTCLayout   = "20060102T150405Z"
	icalLocalLayout = "20060102T150405"
)

var durationRegex = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// buildCalendar renders a desired event as a VCALENDAR with one VEVENT.
// keepAlarms are attached when the event has no reminder settings.
func (c *Client) buildCalendar(uid string, event reconcile.DesiredEvent, keepAlarms []*ical.Component) (*ical.Calendar, error) {
	start, err := time.ParseInLocation(wallClockLayout, event.Start.DateTime, c.location)
	if err != nil {
		return nil, fmt.Errorf("invalid start %q: %w", event.Start.DateTime, err)
	}
	end, err := time.ParseInLocation(wallClockLayout, event.End.DateTime, c.location)
	if err != nil {
		return nil, fmt.Errorf("invalid end %q: %w", event.End.DateTime, err)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeStart, start.UTC())
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	vevent.Props.SetText(ical.PropSummary, event.Subject)
	if event.Body != "" {
		vevent.Props.SetText(ical.PropDescription, event.Body)
	}
	if event.Location != "" {
		vevent.Props.SetText(ical.PropLocation, event.Location)
	}
	if tag := event.IdentityTag(); tag != "" {
		vevent.Props.SetText(identityProp, tag)
	}

	switch {
	case event.IsReminderOn == nil:
		vevent.Children = append(vevent.Children, keepAlarms...)
	case *event.IsReminderOn:
		minutes := 0
		if event.ReminderMinutes != nil {
			minutes = *event.ReminderMinutes
		}
		vevent.Children = append(vevent.Children, displayAlarm(minutes))
	}

	cal.Children = append(cal.Children, vevent.Component)
	return cal, nil
}

func displayAlarm(minutes int) *ical.Component {
	alarm := ical.NewComponent(ical.CompAlarm)
	alarm.Props.SetText(ical.PropAction, "DISPLAY")
	alarm.Props.SetText(ical.PropDescription, "Reminder")

	trigger := ical.NewProp(ical.PropTrigger)
	trigger.Value = fmt.Sprintf("-PT%dM", minutes)
	alarm.Props.Set(trigger)
	return alarm
}

// toRemote converts the first VEVENT of cal. Times are reported in UTC.
func (c *Client) toRemote(path string, cal *ical.Calendar) (reconcile.RemoteEvent, bool) {
	events := cal.Events()
	if len(events) == 0 {
		return reconcile.RemoteEvent{}, false
	}
	vevent := events[0]

	event := reconcile.RemoteEvent{ID: path}
	event.Subject, _ = vevent.Props.Text(ical.PropSummary)
	event.Body, _ = vevent.Props.Text(ical.PropDescription)
	event.Location, _ = vevent.Props.Text(ical.PropLocation)
	event.Start = c.utcDateTime(vevent.Props.Get(ical.PropDateTimeStart))
	event.End = c.utcDateTime(vevent.Props.Get(ical.PropDateTimeEnd))

	if tag, _ := vevent.Props.Text(identityProp); tag != "" {
		event.ExtendedProperties = []reconcile.ExtendedProperty{
			{ID: reconcile.IdentityPropertyID, Value: tag},
		}
	}

	on, minutes := false, 0
	for _, child := range vevent.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		trigger := child.Props.Get(ical.PropTrigger)
		if trigger == nil {
			continue
		}
		if d, ok := parseDuration(trigger.Value); ok && d <= 0 {
			on, minutes = true, int(-d/time.Minute)
			break
		}
	}
	event.IsReminderOn = &on
	event.ReminderMinutes = &minutes

	return event, true
}

func (c *Client) utcDateTime(prop *ical.Prop) reconcile.DateTimeZone {
	t, ok := propTime(prop, c.location)
	if !ok {
		return reconcile.DateTimeZone{}
	}
	return reconcile.DateTimeZone{DateTime: t.UTC().Format(wallClockLayout), TimeZone: "UTC"}
}

// propTime converts a DTSTART/DTEND property to an instant. Values without
// zone information are read in loc.
func propTime(prop *ical.Prop, loc *time.Location) (time.Time, bool) {
	if prop == nil {
		return time.Time{}, false
	}

	value := prop.Value
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(icalUTCLayout, value)
		return t, err == nil
	}

	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		zone, err := time.LoadLocation(tzid)
		if err != nil {
			zone = parseGMTOffset(tzid)
		}
		if zone != nil {
			t, err := time.ParseInLocation(icalLocalLayout, value, zone)
			return t, err == nil
		}
	}

	t, err := prop.DateTime(loc)
	return t, err == nil
}

// parseGMTOffset parses timezone strings like "GMT-0400", "GMT+0530", "UTC+05:30"
// and returns a fixed timezone location.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			break
		}
	}

	if offset == "" {
		return time.UTC
	}

	sign := 1
	if strings.HasPrefix(offset, "-") {
		sign = -1
		offset = offset[1:]
	} else if strings.HasPrefix(offset, "+") {
		offset = offset[1:]
	}

	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	switch len(offset) {
	case 1, 2:
		fmt.Sscanf(offset, "%d", &hours)
	case 3:
		fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}

// parseDuration parses an iCalendar DURATION value such as "-PT15M".
func parseDuration(value string) (time.Duration, bool) {
	m := durationRegex.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil || value == "P" || value == "-P" || value == "+P" {
		return 0, false
	}

	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, false
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, true
}

// parseICalendar parses iCalendar data string into a calendar object.
func parseICalendar(data string) (*ical.Calendar, error) {
	dec := ical.NewDecoder(strings.NewReader(data))
	cal, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	return cal, nil
}
