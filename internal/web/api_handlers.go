package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/shiftsync/internal/auth"
	"github.com/macjediwizard/shiftsync/internal/db"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/schedule"
	"github.com/macjediwizard/shiftsync/internal/validator"
)

const (
	maxRequestBytes = 5 << 20
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// runRequest carries the rows of a preview or reconcile call, either as
// a JSON list or as the HTML of the schedule table.
type runRequest struct {
	CalendarID     string          `json:"calendarId"`
	UpdateExisting *bool           `json:"updateExisting"`
	Rows           json.RawMessage `json:"rows"`
	HTML           string          `json:"html"`
}

// APIStatus describes the signed-in principal and the configured provider.
type APIStatus struct {
	Authenticated bool     `json:"authenticated"`
	LoginEnabled  bool     `json:"login_enabled"`
	Provider      string   `json:"provider"`
	User          *APIUser `json:"user,omitempty"`
}

// APIUser represents a user in JSON format.
type APIUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// APIRunLog represents a run log in JSON format for the API.
type APIRunLog struct {
	ID         string          `json:"id"`
	CalendarID string          `json:"calendar_id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
	Rows       int             `json:"rows"`
	Created    int             `json:"created"`
	Updated    int             `json:"updated"`
	Skipped    int             `json:"skipped"`
	Errors     int             `json:"errors"`
	Duration   *float64        `json:"duration"`
	CreatedAt  string          `json:"created_at"`
}

// APIPreferences is the preferences payload.
type APIPreferences struct {
	Initials               string `json:"initials"`
	DefaultReminderMinutes *int   `json:"default_reminder_minutes"`
}

// runLogToAPI converts a db.RunLog to APIRunLog.
func runLogToAPI(l *db.RunLog) *APIRunLog {
	api := &APIRunLog{
		ID:         l.ID,
		CalendarID: l.CalendarID,
		Kind:       string(l.Kind),
		Status:     string(l.Status),
		Message:    l.Message,
		Rows:       l.Rows,
		Created:    l.Created,
		Updated:    l.Updated,
		Skipped:    l.Skipped,
		Errors:     l.Errors,
		CreatedAt:  l.CreatedAt.Format(time.RFC3339),
	}
	if l.Details != "" && json.Valid([]byte(l.Details)) {
		api.Details = json.RawMessage(l.Details)
	}
	if l.Duration > 0 {
		dur := l.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

// APIStatus returns the authentication status.
func (h *Handlers) APIStatus(c *gin.Context) {
	status := APIStatus{
		LoginEnabled: h.loginEnabled(),
		Provider:     string(h.cfg.Provider),
	}
	if session := auth.GetCurrentUser(c); session != nil {
		status.Authenticated = true
		status.User = &APIUser{ID: session.UserID, Email: session.Email, Name: session.Name}
	}
	c.JSON(http.StatusOK, status)
}

// APIListCalendars lists the provider's calendars.
func (h *Handlers) APIListCalendars(c *gin.Context) {
	calendars, err := h.calendars.Calendars(c.Request.Context())
	if err != nil {
		h.respondRunError(c, err, "Failed to list calendars")
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendars": calendars})
}

// APIPreview reports how the calendar differs from the posted rows.
func (h *Handlers) APIPreview(c *gin.Context) {
	req, rows, ok := h.bindRun(c)
	if !ok {
		return
	}

	result, err := h.runner.Preview(c.Request.Context(), rows, req.CalendarID)
	if err != nil {
		h.respondRunError(c, err, "Preview failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// APIReconcile writes the posted rows to the calendar.
func (h *Handlers) APIReconcile(c *gin.Context) {
	req, rows, ok := h.bindRun(c)
	if !ok {
		return
	}

	updateExisting := true
	if req.UpdateExisting != nil {
		updateExisting = *req.UpdateExisting
	}

	result, err := h.runner.Reconcile(c.Request.Context(), rows, req.CalendarID, updateExisting)
	if err != nil {
		h.respondRunError(c, err, "Reconcile failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// bindRun decodes and validates a run request.
func (h *Handlers) bindRun(c *gin.Context) (*runRequest, []schedule.Row, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return nil, nil, false
	}
	req.CalendarID = strings.TrimSpace(req.CalendarID)
	if req.CalendarID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calendarId is required"})
		return nil, nil, false
	}

	loc := h.cfg.Schedule.Location
	var (
		rows []schedule.Row
		err  error
	)
	switch {
	case strings.TrimSpace(req.HTML) != "" && len(req.Rows) > 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Send either rows or html, not both"})
		return nil, nil, false
	case strings.TrimSpace(req.HTML) != "":
		rows, err = schedule.ParseHTML(strings.NewReader(req.HTML), loc)
	case len(req.Rows) > 0:
		rows, err = schedule.DecodeRows(req.Rows, loc)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "rows or html is required"})
		return nil, nil, false
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(h.log, err, "Rows could not be read")})
		return nil, nil, false
	}

	return &req, rows, true
}

// respondRunError maps run-level failures to status codes.
func (h *Handlers) respondRunError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, reconcile.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "A run is already in progress for this calendar"})
	case errors.Is(err, auth.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Calendar account is not connected"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": sanitizeError(h.log, err, message)})
	case errors.Is(err, context.Canceled):
		h.log.WithError(err).Debug("Client went away")
		c.Status(http.StatusRequestTimeout)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, message)})
	}
}

// APIListMappings returns the stored mapping rows.
func (h *Handlers) APIListMappings(c *gin.Context) {
	entries, err := h.db.ListMappings(c.Request.Context(), c.Query("calendarId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to load mappings")})
		return
	}
	if entries == nil {
		entries = []*db.MappingEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"mappings": entries})
}

// APIClearMappings deletes the mappings of one calendar, or of all
// calendars when all=true.
func (h *Handlers) APIClearMappings(c *gin.Context) {
	calendarID := c.Query("calendarId")
	if calendarID == "" && c.Query("all") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "calendarId or all=true is required"})
		return
	}

	deleted, err := h.db.ClearMappings(c.Request.Context(), calendarID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to clear mappings")})
		return
	}

	h.log.WithField("calendar_id", calendarID).WithField("deleted", deleted).Info("Cleared mappings")
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// APIGetPreferences returns the stored preferences.
func (h *Handlers) APIGetPreferences(c *gin.Context) {
	prefs, err := h.db.LoadPreferences(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to load preferences")})
		return
	}
	c.JSON(http.StatusOK, APIPreferences{Initials: prefs.Initials, DefaultReminderMinutes: prefs.DefaultReminderMinutes})
}

// APIUpdatePreferences replaces the stored preferences.
func (h *Handlers) APIUpdatePreferences(c *gin.Context) {
	var req APIPreferences
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	req.Initials = strings.TrimSpace(req.Initials)
	if err := validator.ValidateInitials(req.Initials); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validator.ValidateReminder(req.DefaultReminderMinutes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	prefs := reconcile.Preferences{Initials: req.Initials, DefaultReminderMinutes: req.DefaultReminderMinutes}
	if err := h.db.SavePreferences(c.Request.Context(), prefs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to save preferences")})
		return
	}
	c.JSON(http.StatusOK, req)
}

// APIListRuns returns recent run history, newest first.
func (h *Handlers) APIListRuns(c *gin.Context) {
	limit := defaultRunLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxRunLimit {
			limit = parsed
		}
	}

	logs, err := h.db.GetRunLogs(c.Request.Context(), c.Query("calendarId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to load runs")})
		return
	}

	runs := make([]*APIRunLog, 0, len(logs))
	for _, l := range logs {
		runs = append(runs, runLogToAPI(l))
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// APIActivity returns running and recently finished runs.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Snapshot())
}
