package activity

import (
	"sync"
	"time"
)

// Run states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

const defaultMaxRecent = 20

// Run describes one reconcile or preview run.
type Run struct {
	CalendarID  string     `json:"calendar_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Rows        int        `json:"rows"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Skipped     int        `json:"skipped"`
	Errors      int        `json:"errors"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// Counts are the totals reported when a run finishes.
type Counts struct {
	Created int
	Updated int
	Skipped int
	Errors  int
}

// Snapshot is the tracker state returned to API callers.
type Snapshot struct {
	Active []*Run `json:"active"`
	Recent []*Run `json:"recent"`
}

// Tracker tracks running and recently finished runs per calendar.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*Run
	recent    []*Run
	maxRecent int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*Run),
		maxRecent: defaultMaxRecent,
	}
}

// Start begins tracking a run for calendarID. It returns false when the
// calendar already has a run in progress.
func (t *Tracker) Start(calendarID, kind string, rows int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, running := t.active[calendarID]; running {
		return false
	}
	t.active[calendarID] = &Run{
		CalendarID: calendarID,
		Kind:       kind,
		Status:     StatusRunning,
		Rows:       rows,
		StartedAt:  time.Now(),
	}
	return true
}

// Finish marks the run of calendarID as done and moves it to recent.
// A non-nil err marks the run failed; row errors mark it partial.
func (t *Tracker) Finish(calendarID string, counts Counts, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, exists := t.active[calendarID]
	if !exists {
		return
	}

	now := time.Now()
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt).Round(time.Millisecond).String()
	run.Created = counts.Created
	run.Updated = counts.Updated
	run.Skipped = counts.Skipped
	run.Errors = counts.Errors

	switch {
	case err != nil:
		run.Status = StatusError
		run.Message = err.Error()
	case counts.Errors > 0:
		run.Status = StatusPartial
	default:
		run.Status = StatusCompleted
	}

	t.recent = append([]*Run{run}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}

	delete(t.active, calendarID)
}

// Abandon stops tracking calendarID without recording the run.
func (t *Tracker) Abandon(calendarID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, calendarID)
}

// Active returns the runs in progress.
func (t *Tracker) Active() []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Run, 0, len(t.active))
	for _, run := range t.active {
		c := *run
		c.Duration = time.Since(run.StartedAt).Round(time.Millisecond).String()
		result = append(result, &c)
	}
	return result
}

// Recent returns finished runs, newest first.
func (t *Tracker) Recent() []*Run {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Run, len(t.recent))
	for i, run := range t.recent {
		c := *run
		result[i] = &c
	}
	return result
}

// Snapshot returns both active and recent runs.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{Active: t.Active(), Recent: t.Recent()}
}

// IsRunning reports whether calendarID has a run in progress.
func (t *Tracker) IsRunning(calendarID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[calendarID]
	return exists
}
