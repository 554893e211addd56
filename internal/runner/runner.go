// Package runner wraps the reconciliation engine with run bookkeeping:
// activity tracking, run history and failure alerts.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/macjediwizard/shiftsync/internal/activity"
	"github.com/macjediwizard/shiftsync/internal/db"
	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/notify"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/schedule"
)

// Engine is the reconciliation entry points the runner drives.
type Engine interface {
	Reconcile(ctx context.Context, rows []schedule.Row, calendarID string, updateExisting bool) (*reconcile.ReconcileResult, error)
	PreviewDifferences(ctx context.Context, rows []schedule.Row, calendarID string) (*reconcile.PreviewResult, error)
}

// RunLogStore records finished runs.
type RunLogStore interface {
	CreateRunLog(ctx context.Context, log *db.RunLog) error
}

// Runner executes runs and records their outcome.
type Runner struct {
	engine   Engine
	logs     RunLogStore
	tracker  *activity.Tracker
	notifier *notify.Notifier
	log      *logrus.Entry
}

// New creates a Runner. logs and notifier may be nil.
func New(engine Engine, logs RunLogStore, tracker *activity.Tracker, notifier *notify.Notifier) *Runner {
	if tracker == nil {
		tracker = activity.NewTracker()
	}
	return &Runner{
		engine:   engine,
		logs:     logs,
		tracker:  tracker,
		notifier: notifier,
		log:      logging.For("runner"),
	}
}

// Tracker returns the activity tracker.
func (r *Runner) Tracker() *activity.Tracker {
	return r.tracker
}

// Reconcile runs a reconciliation for calendarID and records it.
func (r *Runner) Reconcile(ctx context.Context, rows []schedule.Row, calendarID string, updateExisting bool) (*reconcile.ReconcileResult, error) {
	if !r.tracker.Start(calendarID, string(db.RunKindReconcile), len(rows)) {
		return nil, reconcile.ErrRunInProgress
	}
	start := time.Now()

	result, err := r.engine.Reconcile(ctx, rows, calendarID, updateExisting)
	if errors.Is(err, reconcile.ErrRunInProgress) {
		r.tracker.Abandon(calendarID)
		return nil, err
	}

	entry := &db.RunLog{
		CalendarID: calendarID,
		Kind:       db.RunKindReconcile,
		Rows:       len(rows),
		Duration:   time.Since(start),
	}
	var counts activity.Counts
	if result != nil {
		s := result.Summary
		counts = activity.Counts{Created: s.Created, Updated: s.Updated, Skipped: s.Skipped, Errors: len(s.Errors)}
		entry.Created, entry.Updated, entry.Skipped, entry.Errors = s.Created, s.Updated, s.Skipped, len(s.Errors)
		entry.Message = fmt.Sprintf("created %d, updated %d, skipped %d", s.Created, s.Updated, s.Skipped)
		if len(s.Errors) > 0 {
			entry.Details = marshalDetails(s.Errors)
		}
	}
	entry.Status = runStatus(err, counts.Errors)
	if err != nil {
		entry.Message = err.Error()
	}

	r.tracker.Finish(calendarID, counts, err)
	r.record(ctx, entry)
	r.alert(ctx, calendarID, entry)

	return result, err
}

// Preview computes differences for calendarID and records the run.
func (r *Runner) Preview(ctx context.Context, rows []schedule.Row, calendarID string) (*reconcile.PreviewResult, error) {
	if !r.tracker.Start(calendarID, string(db.RunKindPreview), len(rows)) {
		return nil, reconcile.ErrRunInProgress
	}
	start := time.Now()

	result, err := r.engine.PreviewDifferences(ctx, rows, calendarID)
	if errors.Is(err, reconcile.ErrRunInProgress) {
		r.tracker.Abandon(calendarID)
		return nil, err
	}

	entry := &db.RunLog{
		CalendarID: calendarID,
		Kind:       db.RunKindPreview,
		Rows:       len(rows),
		Duration:   time.Since(start),
	}
	var counts activity.Counts
	if result != nil {
		tally := CountStatuses(result.Results)
		counts.Errors = tally[reconcile.StatusError]
		entry.Errors = counts.Errors
		entry.Message = fmt.Sprintf("missing %d, different %d, identical %d",
			tally[reconcile.StatusMissing], tally[reconcile.StatusDifferent], tally[reconcile.StatusIdentical])
		entry.Details = marshalDetails(tally)
	}
	entry.Status = runStatus(err, counts.Errors)
	if err != nil {
		entry.Message = err.Error()
	}

	r.tracker.Finish(calendarID, counts, err)
	r.record(ctx, entry)

	return result, err
}

// CountStatuses tallies preview results by status.
func CountStatuses(results []reconcile.DiffResult) map[reconcile.DiffStatus]int {
	tally := map[reconcile.DiffStatus]int{
		reconcile.StatusMissing:   0,
		reconcile.StatusIdentical: 0,
		reconcile.StatusDifferent: 0,
		reconcile.StatusError:     0,
	}
	for _, res := range results {
		tally[res.Status]++
	}
	return tally
}

func runStatus(err error, rowErrors int) db.RunStatus {
	switch {
	case err != nil:
		return db.RunStatusError
	case rowErrors > 0:
		return db.RunStatusPartial
	default:
		return db.RunStatusSuccess
	}
}

func marshalDetails(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// record stores the run log. The caller's context may already be
// cancelled, so the write gets its own deadline.
func (r *Runner) record(ctx context.Context, entry *db.RunLog) {
	fields := logrus.Fields{
		"calendar_id": entry.CalendarID,
		"kind":        entry.Kind,
		"status":      entry.Status,
		"rows":        entry.Rows,
		"duration":    entry.Duration.Round(time.Millisecond),
	}
	if entry.Status == db.RunStatusError {
		r.log.WithFields(fields).Warn("Run failed: " + entry.Message)
	} else {
		r.log.WithFields(fields).Info("Run finished: " + entry.Message)
	}

	if r.logs == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.logs.CreateRunLog(writeCtx, entry); err != nil {
		r.log.WithError(err).Warn("Failed to record run log")
	}
}

// alert notifies about failed reconciles and about recovery afterwards.
func (r *Runner) alert(ctx context.Context, calendarID string, entry *db.RunLog) {
	if !r.notifier.IsEnabled() {
		return
	}
	switch entry.Status {
	case db.RunStatusSuccess:
		r.notifier.SendRecovery(ctx, calendarID)
	case db.RunStatusError:
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		r.notifier.SendFailure(ctx, calendarID, "Reconcile failed", entry.Message)
	case db.RunStatusPartial:
		r.notifier.SendFailure(ctx, calendarID,
			fmt.Sprintf("Reconcile finished with %d row errors", entry.Errors), entry.Details)
	}
}
