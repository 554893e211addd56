package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/shiftsync/internal/activity"
	"github.com/macjediwizard/shiftsync/internal/db"
	"github.com/macjediwizard/shiftsync/internal/notify"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/schedule"
)

type fakeEngine struct {
	reconcileResult *reconcile.ReconcileResult
	previewResult   *reconcile.PreviewResult
	err             error
	gate            chan struct{}
}

func (f *fakeEngine) Reconcile(ctx context.Context, rows []schedule.Row, calendarID string, updateExisting bool) (*reconcile.ReconcileResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.reconcileResult, f.err
}

func (f *fakeEngine) PreviewDifferences(ctx context.Context, rows []schedule.Row, calendarID string) (*reconcile.PreviewResult, error) {
	return f.previewResult, f.err
}

type memoryLogs struct {
	mu   sync.Mutex
	logs []*db.RunLog
	err  error
}

func (m *memoryLogs) CreateRunLog(ctx context.Context, log *db.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryLogs) last(t *testing.T) *db.RunLog {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.logs) == 0 {
		t.Fatal("no run log recorded")
	}
	return m.logs[len(m.logs)-1]
}

func rows(n int) []schedule.Row {
	out := make([]schedule.Row, n)
	for i := range out {
		out[i] = schedule.Row{RefNumber: "R" + string(rune('0'+i))}
	}
	return out
}

func TestReconcileRecordsRun(t *testing.T) {
	tests := []struct {
		name       string
		result     *reconcile.ReconcileResult
		err        error
		wantStatus db.RunStatus
		wantErrors int
	}{
		{
			name:       "clean",
			result:     &reconcile.ReconcileResult{Success: true, Summary: reconcile.Summary{Created: 2, Updated: 1}},
			wantStatus: db.RunStatusSuccess,
		},
		{
			name: "row errors",
			result: &reconcile.ReconcileResult{Summary: reconcile.Summary{
				Created: 1,
				Skipped: 1,
				Errors:  []reconcile.RowError{{Ref: "R1", Error: "boom"}},
			}},
			wantStatus: db.RunStatusPartial,
			wantErrors: 1,
		},
		{
			name:       "run error",
			err:        reconcile.ErrMappingStore,
			wantStatus: db.RunStatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &memoryLogs{}
			r := New(&fakeEngine{reconcileResult: tt.result, err: tt.err}, logs, nil, nil)

			_, err := r.Reconcile(context.Background(), rows(3), "cal-1", true)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Reconcile() error = %v, want %v", err, tt.err)
			}

			got := logs.last(t)
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.Kind != db.RunKindReconcile || got.Rows != 3 || got.CalendarID != "cal-1" {
				t.Errorf("log = %+v", got)
			}
			if got.Errors != tt.wantErrors {
				t.Errorf("Errors = %d, want %d", got.Errors, tt.wantErrors)
			}
			if tt.wantErrors > 0 {
				var details []reconcile.RowError
				if err := json.Unmarshal([]byte(got.Details), &details); err != nil || len(details) != tt.wantErrors {
					t.Errorf("Details = %q", got.Details)
				}
			}

			recent := r.Tracker().Recent()
			if len(recent) != 1 || recent[0].CalendarID != "cal-1" {
				t.Errorf("tracker recent = %+v", recent)
			}
		})
	}
}

func TestPreviewRecordsTally(t *testing.T) {
	logs := &memoryLogs{}
	result := &reconcile.PreviewResult{Success: true, Results: []reconcile.DiffResult{
		{Status: reconcile.StatusMissing},
		{Status: reconcile.StatusMissing},
		{Status: reconcile.StatusIdentical},
		{Status: reconcile.StatusError},
	}}
	r := New(&fakeEngine{previewResult: result}, logs, nil, nil)

	if _, err := r.Preview(context.Background(), rows(4), "cal-1"); err != nil {
		t.Fatalf("Preview() error = %v", err)
	}

	got := logs.last(t)
	if got.Kind != db.RunKindPreview {
		t.Errorf("Kind = %q", got.Kind)
	}
	if got.Status != db.RunStatusPartial || got.Errors != 1 {
		t.Errorf("Status = %q Errors = %d", got.Status, got.Errors)
	}
	if got.Message != "missing 2, different 0, identical 1" {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	gate := make(chan struct{})
	engine := &fakeEngine{reconcileResult: &reconcile.ReconcileResult{Success: true}, gate: gate}
	r := New(engine, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(context.Background(), rows(1), "cal-1", true)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !r.Tracker().IsRunning("cal-1") {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := r.Reconcile(context.Background(), rows(1), "cal-1", true); !errors.Is(err, reconcile.ErrRunInProgress) {
		t.Errorf("second Reconcile() error = %v, want ErrRunInProgress", err)
	}
	if _, err := r.Preview(context.Background(), rows(1), "cal-1"); !errors.Is(err, reconcile.ErrRunInProgress) {
		t.Errorf("Preview() during run error = %v, want ErrRunInProgress", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first Reconcile() error = %v", err)
	}
}

func TestEngineBusyIsNotRecorded(t *testing.T) {
	logs := &memoryLogs{}
	r := New(&fakeEngine{err: reconcile.ErrRunInProgress}, logs, nil, nil)

	if _, err := r.Reconcile(context.Background(), rows(1), "cal-1", true); !errors.Is(err, reconcile.ErrRunInProgress) {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(logs.logs) != 0 {
		t.Errorf("recorded %d logs, want 0", len(logs.logs))
	}
	if r.Tracker().IsRunning("cal-1") || len(r.Tracker().Recent()) != 0 {
		t.Error("busy run should leave the tracker untouched")
	}
}

func TestRunLogFailureDoesNotFailRun(t *testing.T) {
	logs := &memoryLogs{err: errors.New("disk full")}
	r := New(&fakeEngine{reconcileResult: &reconcile.ReconcileResult{Success: true}}, logs, activity.NewTracker(), nil)

	if _, err := r.Reconcile(context.Background(), rows(1), "cal-1", true); err != nil {
		t.Errorf("Reconcile() error = %v", err)
	}
}

func TestAlerts(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.WebhookPayload
		json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		types = append(types, p.AlertType)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	notifier := notify.New(notify.Config{WebhookURL: srv.URL, Cooldown: time.Hour})
	engine := &fakeEngine{reconcileResult: &reconcile.ReconcileResult{Summary: reconcile.Summary{
		Errors: []reconcile.RowError{{Ref: "R1", Error: "boom"}},
	}}}
	r := New(engine, nil, nil, notifier)
	ctx := context.Background()

	r.Reconcile(ctx, rows(1), "cal-1", true)
	notifier.Wait()
	engine.reconcileResult = &reconcile.ReconcileResult{Success: true}
	r.Reconcile(ctx, rows(1), "cal-1", true)
	r.Reconcile(ctx, rows(1), "cal-1", true)
	notifier.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 {
		t.Fatalf("alerts = %v, want failure then recovery", types)
	}
	if types[0] != string(notify.AlertTypeFailure) || types[1] != string(notify.AlertTypeRecovery) {
		t.Errorf("alerts = %v", types)
	}
}

func TestCountStatuses(t *testing.T) {
	tally := CountStatuses(nil)
	for _, s := range []reconcile.DiffStatus{reconcile.StatusMissing, reconcile.StatusIdentical, reconcile.StatusDifferent, reconcile.StatusError} {
		if v, ok := tally[s]; !ok || v != 0 {
			t.Errorf("tally[%s] = %d, %v", s, v, ok)
		}
	}
}
