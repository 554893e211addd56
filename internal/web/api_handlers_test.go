package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/shiftsync/internal/activity"
	"github.com/macjediwizard/shiftsync/internal/auth"
	"github.com/macjediwizard/shiftsync/internal/config"
	"github.com/macjediwizard/shiftsync/internal/db"
	"github.com/macjediwizard/shiftsync/internal/provider"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/runner"
	"github.com/macjediwizard/shiftsync/internal/schedule"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testOrigin = "http://localhost:8080"

// fakeRunner records the last run request.
type fakeRunner struct {
	mu        sync.Mutex
	rows      []schedule.Row
	cal       string
	update    bool
	reconcile *reconcile.ReconcileResult
	preview   *reconcile.PreviewResult
	err       error
}

func (f *fakeRunner) Reconcile(ctx context.Context, rows []schedule.Row, calendarID string, updateExisting bool) (*reconcile.ReconcileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.cal, f.update = rows, calendarID, updateExisting
	if f.err != nil {
		return nil, f.err
	}
	if f.reconcile == nil {
		return &reconcile.ReconcileResult{Success: true}, nil
	}
	return f.reconcile, nil
}

func (f *fakeRunner) Preview(ctx context.Context, rows []schedule.Row, calendarID string) (*reconcile.PreviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.cal = rows, calendarID
	if f.err != nil {
		return nil, f.err
	}
	if f.preview == nil {
		return &reconcile.PreviewResult{Success: true, Results: []reconcile.DiffResult{}}, nil
	}
	return f.preview, nil
}

type fakeCalendars struct {
	calendars []provider.Calendar
	err       error
}

func (f *fakeCalendars) Calendars(context.Context) ([]provider.Calendar, error) {
	return f.calendars, f.err
}

// memoryTransport is an in-memory calendar.
type memoryTransport struct {
	mu     sync.Mutex
	events map[string]reconcile.RemoteEvent
	nextID int
}

func (m *memoryTransport) GetEvent(_ context.Context, _, eventID string) (*reconcile.RemoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[eventID]
	if !ok {
		return nil, reconcile.ErrNotFound
	}
	return &event, nil
}

func (m *memoryTransport) SearchByIdentityTag(_ context.Context, _, tag string, pageSize int) ([]reconcile.RemoteEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []reconcile.RemoteEvent
	for _, event := range m.events {
		if event.IdentityTag() == tag && len(out) < pageSize {
			out = append(out, event)
		}
	}
	return out, nil
}

func (m *memoryTransport) CreateEvent(_ context.Context, _ string, event reconcile.DesiredEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("evt-%d", m.nextID)
	m.events[id] = remoteFrom(id, event)
	return id, nil
}

func (m *memoryTransport) UpdateEvent(_ context.Context, _, eventID string, event reconcile.DesiredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[eventID]; !ok {
		return reconcile.ErrNotFound
	}
	m.events[eventID] = remoteFrom(eventID, event)
	return nil
}

func remoteFrom(id string, d reconcile.DesiredEvent) reconcile.RemoteEvent {
	return reconcile.RemoteEvent{
		ID:                 id,
		Subject:            d.Subject,
		Body:               d.Body,
		Start:              d.Start,
		End:                d.End,
		Location:           d.Location,
		ExtendedProperties: d.ExtendedProperties,
		IsReminderOn:       d.IsReminderOn,
		ReminderMinutes:    d.ReminderMinutes,
	}
}

// testHandlers holds test dependencies.
type testHandlers struct {
	db        *db.DB
	handlers  *Handlers
	router    *gin.Engine
	runner    *fakeRunner
	calendars *fakeCalendars
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{BaseURL: testOrigin},
		Provider: config.ProviderGraph,
		Schedule: config.ScheduleConfig{TimeZone: "UTC", EventTimeZone: "UTC", Location: time.UTC},
	}
}

func setupTestDatabase(t *testing.T) *db.DB {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "shiftsync-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.RemoveAll(tempDir)
	})
	return database
}

// setupTestHandlers creates handlers with a test database and sign-in
// disabled.
func setupTestHandlers(t *testing.T) *testHandlers {
	t.Helper()

	database := setupTestDatabase(t)
	fr := &fakeRunner{}
	fc := &fakeCalendars{}
	h := NewHandlers(Deps{
		Config:    testConfig(),
		DB:        database,
		Runner:    fr,
		Calendars: fc,
	})

	r := gin.New()
	SetupRoutes(r, h)

	return &testHandlers{db: database, handlers: h, router: r, runner: fr, calendars: fc}
}

func doRequest(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Origin", testOrigin)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

var twoRows = []map[string]any{
	{"refNumber": "R-1", "name": "Stagehand", "start": "2026-01-12T08:00:00", "end": "2026-01-12T16:00:00", "office": "Boston"},
	{"refNumber": "R-2", "name": "Rigger", "start": "2026-01-13T09:00:00", "end": "2026-01-13T17:00:00"},
}

func TestHealthCheck(t *testing.T) {
	th := setupTestHandlers(t)

	w := doRequest(th.router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	th.db.Close()
	w = doRequest(th.router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 after close, got %d", w.Code)
	}
}

func TestAPIStatusWithoutLogin(t *testing.T) {
	th := setupTestHandlers(t)

	w := doRequest(th.router, http.MethodGet, "/api/me", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var status APIStatus
	decode(t, w, &status)
	if status.Authenticated || status.LoginEnabled || status.Provider != "graph" {
		t.Errorf("unexpected status: %+v", status)
	}

	if w := doRequest(th.router, http.MethodGet, "/auth/login", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected /auth/login to be 404 without sign-in, got %d", w.Code)
	}
}

func TestAPIListCalendars(t *testing.T) {
	tests := []struct {
		name       string
		calendars  []provider.Calendar
		err        error
		wantStatus int
	}{
		{"lists", []provider.Calendar{{ID: "c1", Name: "Calendar", CanEdit: true, IsDefault: true}}, nil, http.StatusOK},
		{"not connected", nil, fmt.Errorf("token: %w", auth.ErrNotAuthenticated), http.StatusUnauthorized},
		{"provider failure", nil, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := setupTestHandlers(t)
			th.calendars.calendars, th.calendars.err = tt.calendars, tt.err

			w := doRequest(th.router, http.MethodGet, "/api/calendars", nil)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.err != nil {
				if strings.Contains(w.Body.String(), "boom") {
					t.Error("internal error text leaked to the client")
				}
				return
			}
			var resp struct {
				Calendars []provider.Calendar `json:"calendars"`
			}
			decode(t, w, &resp)
			if len(resp.Calendars) != 1 || resp.Calendars[0].ID != "c1" {
				t.Errorf("unexpected calendars: %+v", resp.Calendars)
			}
		})
	}
}

func TestRunRequestValidation(t *testing.T) {
	th := setupTestHandlers(t)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"missing calendar", map[string]any{"rows": twoRows}, http.StatusBadRequest},
		{"no rows", map[string]any{"calendarId": "cal-1"}, http.StatusBadRequest},
		{"rows and html", map[string]any{"calendarId": "cal-1", "rows": twoRows, "html": "<table></table>"}, http.StatusBadRequest},
		{"bad dates", map[string]any{"calendarId": "cal-1", "rows": []map[string]any{{"refNumber": "R-1", "start": "soon", "end": "later"}}}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		for _, path := range []string{"/api/preview", "/api/reconcile"} {
			t.Run(tt.name+" "+path, func(t *testing.T) {
				w := doRequest(th.router, http.MethodPost, path, tt.body)
				if w.Code != tt.wantStatus {
					t.Errorf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
				}
			})
		}
	}

	t.Run("non-json content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/reconcile", strings.NewReader("rows"))
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Origin", testOrigin)
		w := httptest.NewRecorder()
		th.router.ServeHTTP(w, req)
		if w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("expected status 415, got %d", w.Code)
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/reconcile", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		th.router.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", w.Code)
		}
	})
}

func TestAPIReconcile(t *testing.T) {
	t.Run("json rows default to updating", func(t *testing.T) {
		th := setupTestHandlers(t)
		th.runner.reconcile = &reconcile.ReconcileResult{Success: true, Summary: reconcile.Summary{Created: 2, Errors: []reconcile.RowError{}}}

		w := doRequest(th.router, http.MethodPost, "/api/reconcile", map[string]any{"calendarId": " cal-1 ", "rows": twoRows})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if th.runner.cal != "cal-1" || !th.runner.update || len(th.runner.rows) != 2 {
			t.Errorf("runner got cal=%q update=%v rows=%d", th.runner.cal, th.runner.update, len(th.runner.rows))
		}
		if want := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC); !th.runner.rows[0].Start.Equal(want) {
			t.Errorf("start = %v, want %v", th.runner.rows[0].Start, want)
		}

		var result reconcile.ReconcileResult
		decode(t, w, &result)
		if !result.Success || result.Summary.Created != 2 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("update can be disabled", func(t *testing.T) {
		th := setupTestHandlers(t)
		w := doRequest(th.router, http.MethodPost, "/api/reconcile", map[string]any{"calendarId": "cal-1", "rows": twoRows, "updateExisting": false})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		if th.runner.update {
			t.Error("expected updateExisting=false to reach the runner")
		}
	})

	t.Run("html table", func(t *testing.T) {
		th := setupTestHandlers(t)
		html := `<table>
<thead><tr><th>Type</th><th>Ref #</th><th>Name</th><th>Description</th><th>Start Date</th><th>End Date</th></tr></thead>
<tbody><tr><td>Labor</td><td>R-9</td><td>Rigger</td><td>Show</td><td>1/13/2026 12:15 PM</td><td>1/13/2026 11:45 PM</td></tr></tbody>
</table>`

		w := doRequest(th.router, http.MethodPost, "/api/reconcile", map[string]any{"calendarId": "cal-1", "html": html})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		if len(th.runner.rows) != 1 || th.runner.rows[0].RefNumber != "R-9" {
			t.Errorf("unexpected rows: %+v", th.runner.rows)
		}
	})

	t.Run("busy calendar", func(t *testing.T) {
		th := setupTestHandlers(t)
		th.runner.err = reconcile.ErrRunInProgress
		w := doRequest(th.router, http.MethodPost, "/api/reconcile", map[string]any{"calendarId": "cal-1", "rows": twoRows})
		if w.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", w.Code)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		th := setupTestHandlers(t)
		th.runner.err = fmt.Errorf("%w: disk I/O error", reconcile.ErrMappingStore)
		w := doRequest(th.router, http.MethodPost, "/api/reconcile", map[string]any{"calendarId": "cal-1", "rows": twoRows})
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", w.Code)
		}
		if strings.Contains(w.Body.String(), "disk") {
			t.Error("internal error text leaked to the client")
		}
	})
}

func TestAPIPreview(t *testing.T) {
	th := setupTestHandlers(t)
	th.runner.preview = &reconcile.PreviewResult{Success: true, Results: []reconcile.DiffResult{
		{MappingKey: "R-1", Status: reconcile.StatusMissing, Source: reconcile.SourceNone,
			Differences: []reconcile.Difference{{Field: "event", Desired: "exists", Actual: "none"}}},
	}}

	w := doRequest(th.router, http.MethodPost, "/api/preview", map[string]any{"calendarId": "cal-1", "rows": twoRows[:1]})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var result reconcile.PreviewResult
	decode(t, w, &result)
	if len(result.Results) != 1 || result.Results[0].Status != reconcile.StatusMissing {
		t.Errorf("unexpected preview: %+v", result)
	}
}

// TestReconcileRoundTrip drives the real engine and store behind the API.
func TestReconcileRoundTrip(t *testing.T) {
	database := setupTestDatabase(t)
	transport := &memoryTransport{events: make(map[string]reconcile.RemoteEvent)}
	engine := reconcile.NewEngine(transport, database, reconcile.Options{Location: time.UTC, ZoneName: "UTC"})
	tracker := activity.NewTracker()

	h := NewHandlers(Deps{
		Config:    testConfig(),
		DB:        database,
		Runner:    runner.New(engine, database, tracker, nil),
		Calendars: &fakeCalendars{},
		Tracker:   tracker,
	})
	r := gin.New()
	SetupRoutes(r, h)

	w := doRequest(r, http.MethodPost, "/api/reconcile", map[string]any{"calendarId": "cal-1", "rows": twoRows})
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var result reconcile.ReconcileResult
	decode(t, w, &result)
	if result.Summary.Created != 2 || len(result.Summary.Errors) != 0 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}

	w = doRequest(r, http.MethodPost, "/api/preview", map[string]any{"calendarId": "cal-1", "rows": twoRows})
	var preview reconcile.PreviewResult
	decode(t, w, &preview)
	for _, res := range preview.Results {
		if res.Status != reconcile.StatusIdentical {
			t.Errorf("row %s: status %s, differences %+v", res.MappingKey, res.Status, res.Differences)
		}
	}

	w = doRequest(r, http.MethodGet, "/api/mappings?calendarId=cal-1", nil)
	var mappings struct {
		Mappings []db.MappingEntry `json:"mappings"`
	}
	decode(t, w, &mappings)
	if len(mappings.Mappings) != 2 {
		t.Errorf("expected 2 mappings, got %+v", mappings.Mappings)
	}

	w = doRequest(r, http.MethodGet, "/api/runs?calendarId=cal-1", nil)
	var runs struct {
		Runs []APIRunLog `json:"runs"`
	}
	decode(t, w, &runs)
	if len(runs.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs.Runs))
	}
	kinds := map[string]bool{}
	for _, run := range runs.Runs {
		kinds[run.Kind] = true
		if run.Status != string(db.RunStatusSuccess) {
			t.Errorf("run %s status = %s", run.Kind, run.Status)
		}
	}
	if !kinds["reconcile"] || !kinds["preview"] {
		t.Errorf("expected a reconcile and a preview run, got %v", kinds)
	}

	w = doRequest(r, http.MethodGet, "/api/activity", nil)
	var snapshot activity.Snapshot
	decode(t, w, &snapshot)
	if len(snapshot.Active) != 0 || len(snapshot.Recent) != 2 {
		t.Errorf("unexpected activity: %+v", snapshot)
	}

	w = doRequest(r, http.MethodDelete, "/api/mappings?calendarId=cal-1", nil)
	var cleared struct {
		Deleted int64 `json:"deleted"`
	}
	decode(t, w, &cleared)
	if cleared.Deleted != 2 {
		t.Errorf("expected 2 deleted mappings, got %d", cleared.Deleted)
	}

	// The identity search finds the events again without mappings.
	w = doRequest(r, http.MethodPost, "/api/reconcile", map[string]any{"calendarId": "cal-1", "rows": twoRows})
	decode(t, w, &result)
	if result.Summary.Created != 0 || result.Summary.Updated != 2 {
		t.Errorf("expected events to be relocated and updated, got %+v", result.Summary)
	}
	if len(transport.events) != 2 {
		t.Errorf("expected 2 calendar events, got %d", len(transport.events))
	}
}

func TestAPIClearMappingsRequiresScope(t *testing.T) {
	th := setupTestHandlers(t)

	if w := doRequest(th.router, http.MethodDelete, "/api/mappings", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	ctx := context.Background()
	th.db.SaveMappings(ctx, "a", reconcile.Mappings{"k1": "e1"})
	th.db.SaveMappings(ctx, "b", reconcile.Mappings{"k2": "e2"})

	w := doRequest(th.router, http.MethodDelete, "/api/mappings?all=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var cleared struct {
		Deleted int64 `json:"deleted"`
	}
	decode(t, w, &cleared)
	if cleared.Deleted != 2 {
		t.Errorf("expected 2 deleted mappings, got %d", cleared.Deleted)
	}
}

func TestAPIPreferences(t *testing.T) {
	th := setupTestHandlers(t)

	w := doRequest(th.router, http.MethodGet, "/api/preferences", nil)
	var prefs APIPreferences
	decode(t, w, &prefs)
	if prefs.Initials != "" || prefs.DefaultReminderMinutes != nil {
		t.Errorf("expected empty preferences, got %+v", prefs)
	}

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"valid", map[string]any{"initials": " JD ", "default_reminder_minutes": 30}, http.StatusOK},
		{"reminder off", map[string]any{"initials": "JD", "default_reminder_minutes": 0}, http.StatusOK},
		{"negative reminder", map[string]any{"initials": "JD", "default_reminder_minutes": -5}, http.StatusBadRequest},
		{"long initials", map[string]any{"initials": strings.Repeat("J", 40)}, http.StatusBadRequest},
		{"malformed", "[", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(th.router, http.MethodPut, "/api/preferences", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}

	w = doRequest(th.router, http.MethodGet, "/api/preferences", nil)
	decode(t, w, &prefs)
	if prefs.Initials != "JD" || prefs.DefaultReminderMinutes == nil || *prefs.DefaultReminderMinutes != 0 {
		t.Errorf("unexpected stored preferences: %+v", prefs)
	}
}

func TestAPIListRunsLimit(t *testing.T) {
	th := setupTestHandlers(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := th.db.CreateRunLog(ctx, &db.RunLog{
			CalendarID: "cal-1",
			Kind:       db.RunKindReconcile,
			Status:     db.RunStatusPartial,
			Details:    `[{"ref":"R-1","error":"boom"}]`,
			Duration:   1500 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("CreateRunLog() error = %v", err)
		}
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?limit=2", 2},
		{"?limit=0", 3},
		{"?limit=abc", 3},
		{"?calendarId=other", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := doRequest(th.router, http.MethodGet, "/api/runs"+tt.query, nil)
			var resp struct {
				Runs []APIRunLog `json:"runs"`
			}
			decode(t, w, &resp)
			if len(resp.Runs) != tt.want {
				t.Errorf("expected %d runs, got %d", tt.want, len(resp.Runs))
			}
			for _, run := range resp.Runs {
				if run.Duration == nil || *run.Duration != 1.5 || len(run.Details) == 0 {
					t.Errorf("unexpected run: %+v", run)
				}
			}
		})
	}
}

func TestRunLogToAPI(t *testing.T) {
	api := runLogToAPI(&db.RunLog{ID: "r1", Details: "not json", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})
	if api.Details != nil {
		t.Errorf("expected invalid details to be dropped, got %s", api.Details)
	}
	if api.Duration != nil {
		t.Error("expected nil duration for zero value")
	}
	if api.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected created_at %q", api.CreatedAt)
	}
}
