package db

import (
	"time"
)

// RunKind identifies what a run did.
type RunKind string

const (
	RunKindReconcile RunKind = "reconcile"
	RunKindPreview   RunKind = "preview"
)

// RunStatus represents the outcome of a run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusError   RunStatus = "error"
)

// IsValid reports whether the status is known.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartial, RunStatusError:
		return true
	}
	return false
}

// User represents a signed-in user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunLog represents a log entry for a reconcile or preview run.
type RunLog struct {
	ID         string        `json:"id"`
	CalendarID string        `json:"calendar_id"`
	Kind       RunKind       `json:"kind"`
	Status     RunStatus     `json:"status"`
	Message    string        `json:"message"`
	Details    string        `json:"details"`
	Rows       int           `json:"rows"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// MappingEntry is one row of the mapping table.
type MappingEntry struct {
	CalendarID string    `json:"calendar_id"`
	MappingKey string    `json:"mapping_key"`
	EventID    string    `json:"event_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}
