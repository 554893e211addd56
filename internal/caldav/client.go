package caldav

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
	maxObjectSize  = 1 << 20
)

// Calendar represents a CalDAV calendar collection.
type Calendar struct {
	Path        string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client reconciles events against a CalDAV server. Calendar ids are
// collection paths and event ids are object paths.
type Client struct {
	baseURL      string
	username     string
	password     string
	location     *time.Location
	httpClient   *http.Client
	caldavClient *caldav.Client
	log          *logrus.Entry
}

var _ reconcile.Transport = (*Client)(nil)

// NewClient creates a new CalDAV client. loc is the zone event times are
// interpreted in when the server omits one.
func NewClient(baseURL, username, password string, loc *time.Location) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", ErrConnectionFailed)
	}
	if loc == nil {
		loc = time.UTC
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	caldavClient, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, username, password),
		baseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CalDAV client: %w", ErrConnectionFailed, err)
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		username:     username,
		password:     password,
		location:     loc,
		httpClient:   httpClient,
		caldavClient: caldavClient,
		log:          logging.For("caldav"),
	}, nil
}

// Username returns the account the client authenticates as.
func (c *Client) Username() string {
	return c.username
}

// TestConnection tests the connection to the CalDAV server.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// FindCalendars discovers all calendars for the current user.
func (c *Client) FindCalendars(ctx context.Context) ([]Calendar, error) {
	principal, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := c.caldavClient.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	cals, err := c.caldavClient.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrConnectionFailed, err)
	}

	calendars := make([]Calendar, 0, len(cals))
	for _, cal := range cals {
		calendars = append(calendars, Calendar{
			Path:        cal.Path,
			Name:        cal.Name,
			Description: cal.Description,
		})
	}

	return calendars, nil
}

// GetEvent fetches one calendar object. A 404 maps to reconcile.ErrNotFound.
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*reconcile.RemoteEvent, error) {
	cal, err := c.fetchObject(ctx, eventID)
	if err != nil {
		return nil, err
	}
	event, ok := c.toRemote(eventID, cal)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no VEVENT", ErrMalformedContent, eventID)
	}
	return &event, nil
}

// SearchByIdentityTag returns the events of a calendar whose identity
// property equals tag. Servers that reject the property filter are queried
// for every event and filtered locally.
func (c *Client) SearchByIdentityTag(ctx context.Context, calendarID, tag string, pageSize int) ([]reconcile.RemoteEvent, error) {
	if pageSize <= 0 {
		pageSize = reconcile.DefaultSearchPageSize
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarID, identityQuery(tag))
	if err != nil {
		c.log.WithError(err).Debug("Filtered calendar query failed, querying all events")
		objects, err = c.caldavClient.QueryCalendar(ctx, calendarID, identityQuery(""))
		if err != nil {
			return nil, fmt.Errorf("%w: failed to query calendar: %w", ErrConnectionFailed, err)
		}
	}

	events := make([]reconcile.RemoteEvent, 0)
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		event, ok := c.toRemote(obj.Path, obj.Data)
		if !ok || event.IdentityTag() != tag {
			continue
		}
		events = append(events, event)
		if len(events) == pageSize {
			break
		}
	}
	return events, nil
}

// CreateEvent stores a new object named after a fresh UID and returns its path.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event reconcile.DesiredEvent) (string, error) {
	uid := uuid.NewString()
	cal, err := c.buildCalendar(uid, event, nil)
	if err != nil {
		return "", err
	}

	path := strings.TrimSuffix(calendarID, "/") + "/" + uid + ".ics"
	obj, err := c.caldavClient.PutCalendarObject(ctx, path, cal)
	if err != nil {
		return "", fmt.Errorf("%w: failed to put event: %w", ErrConnectionFailed, err)
	}
	if obj != nil && obj.Path != "" {
		return obj.Path, nil
	}
	return path, nil
}

// UpdateEvent rewrites an existing object, keeping its UID. Existing alarms
// are kept when the desired event carries no reminder settings.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, event reconcile.DesiredEvent) error {
	existing, err := c.fetchObject(ctx, eventID)
	if err != nil {
		return err
	}

	uid := uuid.NewString()
	var alarms []*ical.Component
	if events := existing.Events(); len(events) > 0 {
		if v, err := events[0].Props.Text(ical.PropUID); err == nil && v != "" {
			uid = v
		}
		for _, child := range events[0].Children {
			if child.Name == ical.CompAlarm {
				alarms = append(alarms, child)
			}
		}
	}

	cal, err := c.buildCalendar(uid, event, alarms)
	if err != nil {
		return err
	}
	if _, err := c.caldavClient.PutCalendarObject(ctx, eventID, cal); err != nil {
		return fmt.Errorf("%w: failed to put event: %w", ErrConnectionFailed, err)
	}
	return nil
}

// fetchObject GETs and decodes one calendar object.
func (c *Client) fetchObject(ctx context.Context, path string) (*ical.Calendar, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", ical.MIMEType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", reconcile.ErrNotFound, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	cal, err := parseICalendar(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedContent, path, err)
	}
	return cal, nil
}

// buildURL constructs the full URL for a path.
// If path is absolute (starts with /), extract host from baseURL and combine.
// Otherwise, append path to baseURL.
func (c *Client) buildURL(path string) string {
	if path == "" {
		return c.baseURL
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}

	if strings.HasPrefix(path, "/") {
		if idx := strings.Index(c.baseURL, "://"); idx != -1 {
			rest := c.baseURL[idx+3:]
			if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
				return c.baseURL[:idx+3] + rest[:slashIdx] + path
			}
		}
		return c.baseURL + path
	}

	return c.baseURL + "/" + path
}

// identityQuery builds a calendar-query for VEVENTs. An empty tag matches
// every event.
func identityQuery(tag string) *caldav.CalendarQuery {
	eventFilter := caldav.CompFilter{Name: ical.CompEvent}
	if tag != "" {
		eventFilter.Props = []caldav.PropFilter{{
			Name:      identityProp,
			TextMatch: &caldav.TextMatch{Text: tag},
		}}
	}

	return &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{eventFilter},
		},
	}
}
