package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/schedule"
)

const (
	cleanupSpec      = "@daily"
	logRetentionDays = 30
	runTimeout       = 10 * time.Minute
)

// ErrInvalidWatch is returned for a watch without a file, calendar or a
// parseable cron spec.
var ErrInvalidWatch = errors.New("invalid watch")

// Reconciler runs a reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context, rows []schedule.Row, calendarID string, updateExisting bool) (*reconcile.ReconcileResult, error)
}

// LogCleaner removes old run history.
type LogCleaner interface {
	CleanOldRunLogs(ctx context.Context, olderThan time.Time) (int64, error)
}

// Watch reconciles a row file into a calendar on a cron schedule.
type Watch struct {
	Path           string
	Spec           string
	CalendarID     string
	UpdateExisting bool
}

// Scheduler manages background jobs.
type Scheduler struct {
	runner   Reconciler
	cleaner  LogCleaner
	location *time.Location
	cron     *cron.Cron
	log      *logrus.Entry

	mu      sync.Mutex
	watches map[cron.EntryID]Watch
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a new scheduler. Row files are read in loc.
func New(runner Reconciler, cleaner LogCleaner, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	log := logging.For("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		cleaner:  cleaner,
		location: loc,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(log)),
			cron.SkipIfStillRunning(cron.PrintfLogger(log)),
		)),
		log:     log,
		watches: make(map[cron.EntryID]Watch),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddWatch schedules w.
func (s *Scheduler) AddWatch(w Watch) (cron.EntryID, error) {
	if w.Path == "" || w.CalendarID == "" {
		return 0, fmt.Errorf("%w: path and calendar are required", ErrInvalidWatch)
	}

	id, err := s.cron.AddFunc(w.Spec, func() {
		if err := s.RunWatch(s.ctx, w); err != nil {
			s.log.WithError(err).WithField("path", w.Path).Warn("Watch run failed")
		}
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidWatch, w.Spec, err)
	}

	s.mu.Lock()
	s.watches[id] = w
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"path":        w.Path,
		"calendar_id": w.CalendarID,
		"spec":        w.Spec,
	}).Info("Added watch")
	return id, nil
}

// RunWatch loads the watch file and reconciles it once.
func (s *Scheduler) RunWatch(ctx context.Context, w Watch) error {
	rows, err := schedule.LoadFile(w.Path, s.location)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		s.log.WithField("path", w.Path).Debug("Watch file has no rows")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	_, err = s.runner.Reconcile(ctx, rows, w.CalendarID, w.UpdateExisting)
	if errors.Is(err, reconcile.ErrRunInProgress) {
		s.log.WithField("calendar_id", w.CalendarID).Info("Skipping watch run: another run is in progress")
		return nil
	}
	return err
}

// WatchCount returns the number of scheduled watches.
func (s *Scheduler) WatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// Start schedules log cleanup and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.cleaner != nil {
		if _, err := s.cron.AddFunc(cleanupSpec, s.cleanupOldLogs); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.started = true
	s.log.WithField("watches", len(s.watches)).Info("Scheduler started")
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped")
}

// cleanupOldLogs deletes run logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	cutoff := time.Now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.cleaner.CleanOldRunLogs(s.ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("Failed to clean old run logs")
		return
	}
	if deleted > 0 {
		s.log.WithField("deleted", deleted).Info("Cleaned old run logs")
	}
}
