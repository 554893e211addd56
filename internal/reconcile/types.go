package reconcile

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by a Transport when the event does not exist.
	// It is an expected outcome, not a failure.
	ErrNotFound = errors.New("event not found")
	// ErrRunInProgress is returned when another run holds the calendar.
	ErrRunInProgress = errors.New("a run is already in progress for this calendar")
	// ErrMappingStore wraps failures to load or save the mapping table.
	ErrMappingStore = errors.New("mapping store failure")
)

// IdentityPropertyID is the well-known extended property id that carries a
// row's logical identifier on the remote event.
const IdentityPropertyID = "String {66f5a359-4659-4830-9070-00047ec6ac6e} Name LightningRefNumber"

// DefaultSearchPageSize bounds identity-tag searches.
const DefaultSearchPageSize = 50

// Preferences are the run-scoped user settings applied when projecting events.
type Preferences struct {
	Initials string `json:"initials"`
	// DefaultReminderMinutes: nil leaves the provider default untouched,
	// 0 turns the reminder off, >0 sets the offset.
	DefaultReminderMinutes *int `json:"default_reminder_minutes"`
}

// DateTimeZone is a wall-clock date-time paired with a named time zone.
type DateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// ExtendedProperty is a provider-side custom property.
type ExtendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// DesiredEvent is the calendar event a schedule row should produce.
type DesiredEvent struct {
	Subject            string             `json:"subject"`
	Body               string             `json:"body"`
	Start              DateTimeZone       `json:"start"`
	End                DateTimeZone       `json:"end"`
	Location           string             `json:"location"`
	ExtendedProperties []ExtendedProperty `json:"extendedProperties"`
	IsReminderOn       *bool              `json:"isReminderOn,omitempty"`
	ReminderMinutes    *int               `json:"reminderMinutesBeforeStart,omitempty"`
}

// IdentityTag returns the value of the identity property, if present.
func (d DesiredEvent) IdentityTag() string {
	return propertyValue(d.ExtendedProperties, IdentityPropertyID)
}

// RemoteEvent is the provider's view of an event.
type RemoteEvent struct {
	ID                 string             `json:"id"`
	Subject            string             `json:"subject"`
	Body               string             `json:"body"`
	Start              DateTimeZone       `json:"start"`
	End                DateTimeZone       `json:"end"`
	Location           string             `json:"location"`
	ExtendedProperties []ExtendedProperty `json:"extendedProperties,omitempty"`
	IsReminderOn       *bool              `json:"isReminderOn,omitempty"`
	ReminderMinutes    *int               `json:"reminderMinutesBeforeStart,omitempty"`
}

// IdentityTag returns the value of the identity property, if present.
func (r RemoteEvent) IdentityTag() string {
	return propertyValue(r.ExtendedProperties, IdentityPropertyID)
}

func propertyValue(props []ExtendedProperty, id string) string {
	for _, p := range props {
		if p.ID == id {
			return p.Value
		}
	}
	return ""
}

// Mappings is the mapping-key → remote event id table of one calendar.
type Mappings map[string]string

// Clone returns a copy of m.
func (m Mappings) Clone() Mappings {
	out := make(Mappings, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Transport is the calendar provider as seen by the reconciler.
// GetEvent and UpdateEvent return ErrNotFound (possibly wrapped) when the
// event no longer exists.
type Transport interface {
	GetEvent(ctx context.Context, calendarID, eventID string) (*RemoteEvent, error)
	SearchByIdentityTag(ctx context.Context, calendarID, tag string, pageSize int) ([]RemoteEvent, error)
	CreateEvent(ctx context.Context, calendarID string, event DesiredEvent) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event DesiredEvent) error
}

// Store persists the mapping table and the user preferences.
// SaveMappings must replace the calendar's table all-or-nothing.
type Store interface {
	LoadMappings(ctx context.Context, calendarID string) (Mappings, error)
	SaveMappings(ctx context.Context, calendarID string, mappings Mappings) error
	LoadPreferences(ctx context.Context) (Preferences, error)
}

// DiffStatus classifies a preview result.
type DiffStatus string

const (
	StatusMissing   DiffStatus = "missing"
	StatusIdentical DiffStatus = "identical"
	StatusDifferent DiffStatus = "different"
	StatusError     DiffStatus = "error"
)

// MatchSource tells how the remote event was located.
type MatchSource string

const (
	SourceNone    MatchSource = "none"
	SourceMapping MatchSource = "mapping"
	SourceSearch  MatchSource = "search"
)

// Difference is one field that differs between schedule and calendar.
type Difference struct {
	Field   string `json:"field"`
	Desired string `json:"schedule"`
	Actual  string `json:"calendar"`
}

// DiffResult is the preview outcome for one row.
type DiffResult struct {
	MappingKey  string       `json:"mapping_key"`
	RefNumber   string       `json:"ref_number,omitempty"`
	Name        string       `json:"name,omitempty"`
	Status      DiffStatus   `json:"status"`
	Source      MatchSource  `json:"source"`
	Error       string       `json:"error,omitempty"`
	Differences []Difference `json:"differences"`
}

// RowError records a row that failed during reconciliation.
type RowError struct {
	Ref   string `json:"ref"`
	Error string `json:"error"`
}

// Summary aggregates the outcome of a reconciliation run.
type Summary struct {
	Created int        `json:"created"`
	Updated int        `json:"updated"`
	Skipped int        `json:"skipped"`
	Errors  []RowError `json:"errors"`
}

// ReconcileResult is returned by Engine.Reconcile.
type ReconcileResult struct {
	Success bool    `json:"success"`
	Summary Summary `json:"summary"`
}

// PreviewResult is returned by Engine.PreviewDifferences.
type PreviewResult struct {
	Success bool         `json:"success"`
	Results []DiffResult `json:"results"`
}
