package schedule

import (
	"strconv"
	"strings"
	"time"
)

// noIdentity stands in for the logical identifier in mapping keys of rows
// that carry no ref number, job number or job name.
const noIdentity = "NOID"

// isoMillis matches the UTC millisecond layout used in mapping keys.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Row is one shift/job record taken from the schedule table.
// Rows are treated as immutable for the duration of a run.
type Row struct {
	// Index is the row position within its batch, when known.
	Index *int `json:"index,omitempty" yaml:"index,omitempty"`

	RefNumber string `json:"refNumber,omitempty" yaml:"refNumber,omitempty"`
	JobNumber string `json:"jobNumber,omitempty" yaml:"jobNumber,omitempty"`
	JobName   string `json:"jobName,omitempty" yaml:"jobName,omitempty"`

	Start time.Time `json:"start" yaml:"-"`
	End   time.Time `json:"end" yaml:"-"`

	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Type          string `json:"type,omitempty" yaml:"type,omitempty"`
	Office        string `json:"office,omitempty" yaml:"office,omitempty"`
	ProjectNumber string `json:"projectNumber,omitempty" yaml:"projectNumber,omitempty"`
	Talent        string `json:"talent,omitempty" yaml:"talent,omitempty"`
	Task          string `json:"task,omitempty" yaml:"task,omitempty"`
	Client        string `json:"client,omitempty" yaml:"client,omitempty"`
	VenueName     string `json:"venueName,omitempty" yaml:"venueName,omitempty"`
	VenueRoom     string `json:"venueRoom,omitempty" yaml:"venueRoom,omitempty"`
	Address       string `json:"address,omitempty" yaml:"address,omitempty"`
	Salesperson   string `json:"salesperson,omitempty" yaml:"salesperson,omitempty"`
	OrderStatus   string `json:"orderStatus,omitempty" yaml:"orderStatus,omitempty"`
	Status        string `json:"status,omitempty" yaml:"status,omitempty"`
	LaborCustom   string `json:"laborCustom,omitempty" yaml:"laborCustom,omitempty"`
}

// Identify returns the row's logical identifier: the first non-empty of
// ref number, job number and job name. ok is false when all are empty.
func Identify(row Row) (id string, ok bool) {
	for _, candidate := range []string{row.RefNumber, row.JobNumber, row.JobName} {
		if v := strings.TrimSpace(candidate); v != "" {
			return v, true
		}
	}
	return "", false
}

// MappingKey builds the key under which the row's remote event id is stored:
// logicalId|startISO|name with a #index suffix when the row has an ordinal.
func MappingKey(row Row) string {
	id, ok := Identify(row)
	if !ok {
		id = noIdentity
	}

	var startKey string
	if !row.Start.IsZero() {
		startKey = row.Start.UTC().Format(isoMillis)
	}

	var b strings.Builder
	b.WriteString(id)
	b.WriteByte('|')
	b.WriteString(startKey)
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(row.Name))
	if row.Index != nil {
		b.WriteByte('#')
		b.WriteString(strconv.Itoa(*row.Index))
	}
	return b.String()
}

// DisplayID is the identifier shown to users in summaries and previews.
func (r Row) DisplayID() string {
	if r.RefNumber != "" {
		return r.RefNumber
	}
	return r.JobNumber
}

// DisplayName is the name shown to users in previews.
func (r Row) DisplayName() string {
	if r.JobName != "" {
		return r.JobName
	}
	return r.Name
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int {
	return &i
}
