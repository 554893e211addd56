package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/schedule"
)

// Options configures an Engine.
type Options struct {
	// Location is the zone schedule times are expressed in.
	Location *time.Location
	// ZoneName is the provider's name for Location.
	ZoneName string
	// SearchPageSize bounds identity-tag searches.
	SearchPageSize int
}

// Engine reconciles schedule rows against one calendar provider.
type Engine struct {
	transport Transport
	store     Store
	projector *Projector
	locator   *Locator
	log       *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a reconciliation engine.
func NewEngine(transport Transport, store Store, opts Options) *Engine {
	projector := NewProjector(opts.Location, opts.ZoneName)
	return &Engine{
		transport: transport,
		store:     store,
		projector: projector,
		locator:   NewLocator(transport, projector.Location, opts.SearchPageSize),
		log:       logging.For("reconcile"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// acquire takes the calendar's run lock without waiting.
func (e *Engine) acquire(calendarID string) (func(), error) {
	e.mu.Lock()
	lock, ok := e.locks[calendarID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[calendarID] = lock
	}
	e.mu.Unlock()

	if !lock.TryLock() {
		return nil, ErrRunInProgress
	}
	return lock.Unlock, nil
}

// begin takes the calendar lock and loads the run's inputs.
func (e *Engine) begin(ctx context.Context, calendarID string) (Mappings, Preferences, func(), error) {
	release, err := e.acquire(calendarID)
	if err != nil {
		return nil, Preferences{}, nil, err
	}

	prefs, err := e.store.LoadPreferences(ctx)
	if err != nil {
		release()
		return nil, Preferences{}, nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	stored, err := e.store.LoadMappings(ctx, calendarID)
	if err != nil {
		release()
		return nil, Preferences{}, nil, fmt.Errorf("%w: load: %w", ErrMappingStore, err)
	}
	mappings := stored.Clone()
	if mappings == nil {
		mappings = make(Mappings)
	}
	return mappings, prefs, release, nil
}

// finish persists the mapping table unless the run was cancelled.
func (e *Engine) finish(ctx context.Context, calendarID string, mappings Mappings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.store.SaveMappings(ctx, calendarID, mappings); err != nil {
		return fmt.Errorf("%w: save: %w", ErrMappingStore, err)
	}
	return nil
}

// Reconcile creates or updates one remote event per row. Row failures are
// collected in the summary and never abort the batch. The mapping table is
// saved once at the end, and not at all if ctx is cancelled.
func (e *Engine) Reconcile(ctx context.Context, rows []schedule.Row, calendarID string, updateExisting bool) (*ReconcileResult, error) {
	mappings, prefs, release, err := e.begin(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := e.log.WithFields(logrus.Fields{"calendar_id": calendarID, "rows": len(rows)})
	log.Info("Reconciliation started")

	summary := Summary{Errors: []RowError{}}
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if err := e.reconcileRow(ctx, calendarID, row, prefs, mappings, updateExisting, &summary); err != nil {
			log.WithError(err).WithField("ref", row.DisplayID()).Warn("Row failed")
			summary.Skipped++
			summary.Errors = append(summary.Errors, RowError{Ref: row.DisplayID(), Error: err.Error()})
		}
	}

	if err := e.finish(ctx, calendarID, mappings); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"created": summary.Created,
		"updated": summary.Updated,
		"skipped": summary.Skipped,
		"errors":  len(summary.Errors),
	}).Info("Reconciliation finished")

	return &ReconcileResult{Success: len(summary.Errors) == 0, Summary: summary}, nil
}

func (e *Engine) reconcileRow(ctx context.Context, calendarID string, row schedule.Row, prefs Preferences, mappings Mappings, updateExisting bool, summary *Summary) error {
	key := schedule.MappingKey(row)
	desired := e.projector.Project(row, prefs)

	eventID := mappings[key]
	if eventID == "" && updateExisting {
		found, err := e.locator.Search(ctx, calendarID, row)
		if err != nil {
			return err
		}
		if found != nil {
			eventID = found.ID
			mappings[key] = eventID
		}
	}

	if eventID == "" {
		return e.createRow(ctx, calendarID, key, desired, mappings, summary)
	}
	if !updateExisting {
		summary.Skipped++
		return nil
	}

	err := e.transport.UpdateEvent(ctx, calendarID, eventID, desired)
	switch {
	case err == nil:
		summary.Updated++
		return nil
	case errors.Is(err, ErrNotFound):
		e.log.WithFields(logrus.Fields{"calendar_id": calendarID, "event_id": eventID}).
			Debug("Mapped event is gone, creating a new one")
		delete(mappings, key)
		return e.createRow(ctx, calendarID, key, desired, mappings, summary)
	default:
		return fmt.Errorf("failed to update event: %w", err)
	}
}

func (e *Engine) createRow(ctx context.Context, calendarID, key string, desired DesiredEvent, mappings Mappings, summary *Summary) error {
	eventID, err := e.transport.CreateEvent(ctx, calendarID, desired)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	if eventID == "" {
		e.log.WithField("calendar_id", calendarID).Warn("Provider returned no event id, mapping not recorded")
		summary.Skipped++
		return nil
	}
	mappings[key] = eventID
	summary.Created++
	return nil
}

// PreviewDifferences reports, per row, whether the remote counterpart is
// missing, identical or different. It never writes to the calendar; mapping
// repairs and search hits are saved like in Reconcile.
func (e *Engine) PreviewDifferences(ctx context.Context, rows []schedule.Row, calendarID string) (*PreviewResult, error) {
	mappings, prefs, release, err := e.begin(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	defer release()

	results := make([]DiffResult, 0, len(rows))
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		results = append(results, e.previewRow(ctx, calendarID, row, prefs, mappings))
	}

	if err := e.finish(ctx, calendarID, mappings); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{"calendar_id": calendarID, "rows": len(rows)}).Info("Preview finished")
	return &PreviewResult{Success: true, Results: results}, nil
}

func (e *Engine) previewRow(ctx context.Context, calendarID string, row schedule.Row, prefs Preferences, mappings Mappings) DiffResult {
	result := DiffResult{
		MappingKey:  schedule.MappingKey(row),
		RefNumber:   row.DisplayID(),
		Name:        row.DisplayName(),
		Source:      SourceNone,
		Differences: []Difference{},
	}

	event, source, err := e.locator.Locate(ctx, calendarID, row, mappings)
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result
	}
	if event == nil {
		result.Status = StatusMissing
		result.Differences = []Difference{{Field: "event", Desired: "exists", Actual: "none"}}
		return result
	}

	result.Source = source
	desired := e.projector.Project(row, prefs)
	if diffs := Diff(desired, *event, e.projector.Location); len(diffs) > 0 {
		result.Status = StatusDifferent
		result.Differences = diffs
	} else {
		result.Status = StatusIdentical
	}
	return result
}
