package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
)

var (
	ErrRequestFailed = errors.New("graph request failed")
	ErrUnauthorized  = errors.New("graph request unauthorized")
	ErrInvalidConfig = errors.New("invalid graph configuration")
)

const (
	DefaultBaseURL   = "https://graph.microsoft.com/v1.0"
	defaultTimeout   = 30 * time.Second
	defaultRetryMax  = 4
	maxErrorBodySize = 64 * 1024
)

// eventSelect lists the event properties the reconciler reads.
const eventSelect = "id,subject,body,start,end,location,isReminderOn,reminderMinutesBeforeStart"

// TokenSource supplies bearer tokens for Graph requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	// TimeZone is the Windows zone name sent with event times and requested
	// for responses.
	TimeZone          string
	RequestsPerSecond float64
	Burst             int
	RetryMax          int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	HTTPClient        *http.Client
}

// Calendar is a calendar the signed-in user can see.
type Calendar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CanEdit   bool   `json:"can_edit"`
	IsDefault bool   `json:"is_default"`
}

// User is the signed-in Graph user.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// Client talks to the Microsoft Graph calendar API. It implements
// reconcile.Transport.
type Client struct {
	baseURL  string
	timeZone string
	tokens   TokenSource
	http     *retryablehttp.Client
	limiter  *rate.Limiter
	log      *logrus.Entry
}

var _ reconcile.Transport = (*Client)(nil)

// NewClient creates a Graph client.
func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("%w: token source is required", ErrInvalidConfig)
	}
	if cfg.TimeZone == "" {
		return nil, fmt.Errorf("%w: time zone is required", ErrInvalidConfig)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base URL: %w", ErrInvalidConfig, err)
	}

	log := logging.For("graph")

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = retryLogger{entry: log}
	switch {
	case cfg.RetryMax > 0:
		retryClient.RetryMax = cfg.RetryMax
	case cfg.RetryMax < 0:
		retryClient.RetryMax = 0
	default:
		retryClient.RetryMax = defaultRetryMax
	}
	if cfg.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = cfg.RetryWaitMax
	}
	retryClient.ErrorHandler = keepLastResponse
	retryClient.CheckRetry = checkRetry
	if cfg.HTTPClient != nil {
		retryClient.HTTPClient = cfg.HTTPClient
	} else {
		retryClient.HTTPClient.Timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:  baseURL,
		timeZone: cfg.TimeZone,
		tokens:   tokens,
		http:     retryClient,
		limiter:  rate.NewLimiter(limit, burst),
		log:      log,
	}, nil
}

// TimeZone returns the zone name the client sends and requests.
func (c *Client) TimeZone() string {
	return c.timeZone
}

// GetEvent fetches one event of a calendar.
func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*reconcile.RemoteEvent, error) {
	query := url.Values{}
	query.Set("$select", eventSelect)
	query.Set("$expand", expandIdentity())

	body, err := c.do(ctx, http.MethodGet, eventPath(calendarID, eventID), query, nil)
	if err != nil {
		return nil, err
	}
	event := parseEvent(gjson.ParseBytes(body))
	return &event, nil
}

// SearchByIdentityTag lists events of a calendar carrying the identity tag.
func (c *Client) SearchByIdentityTag(ctx context.Context, calendarID, tag string, pageSize int) ([]reconcile.RemoteEvent, error) {
	if pageSize <= 0 {
		pageSize = reconcile.DefaultSearchPageSize
	}

	query := url.Values{}
	query.Set("$filter", fmt.Sprintf(
		"singleValueExtendedProperties/Any(ep: ep/id eq '%s' and ep/value eq '%s')",
		odataString(reconcile.IdentityPropertyID), odataString(tag)))
	query.Set("$select", eventSelect)
	query.Set("$expand", expandIdentity())
	query.Set("$top", fmt.Sprint(pageSize))

	body, err := c.do(ctx, http.MethodGet, calendarPath(calendarID)+"/events", query, nil)
	if err != nil {
		return nil, err
	}

	values := gjson.GetBytes(body, "value").Array()
	events := make([]reconcile.RemoteEvent, 0, len(values))
	for _, v := range values {
		events = append(events, parseEvent(v))
	}
	return events, nil
}

// CreateEvent creates an event and returns its id.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event reconcile.DesiredEvent) (string, error) {
	payload, err := json.Marshal(c.payload(event))
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, calendarPath(calendarID)+"/events", nil, payload)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(body, "id").String(), nil
}

// UpdateEvent patches an existing event with the desired state.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, event reconcile.DesiredEvent) error {
	payload, err := json.Marshal(c.payload(event))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = c.do(ctx, http.MethodPatch, eventPath(calendarID, eventID), nil, payload)
	return err
}

// ListCalendars returns the calendars of the signed-in user.
func (c *Client) ListCalendars(ctx context.Context) ([]Calendar, error) {
	query := url.Values{}
	query.Set("$select", "id,name,canEdit,isDefaultCalendar")

	body, err := c.do(ctx, http.MethodGet, "/me/calendars", query, nil)
	if err != nil {
		return nil, err
	}

	var calendars []Calendar
	gjson.GetBytes(body, "value").ForEach(func(_, v gjson.Result) bool {
		calendars = append(calendars, Calendar{
			ID:        v.Get("id").String(),
			Name:      v.Get("name").String(),
			CanEdit:   v.Get("canEdit").Bool(),
			IsDefault: v.Get("isDefaultCalendar").Bool(),
		})
		return true
	})
	return calendars, nil
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	query := url.Values{}
	query.Set("$select", "id,displayName,mail,userPrincipalName")

	body, err := c.do(ctx, http.MethodGet, "/me", query, nil)
	if err != nil {
		return nil, err
	}

	email := gjson.GetBytes(body, "mail").String()
	if email == "" {
		email = gjson.GetBytes(body, "userPrincipalName").String()
	}
	return &User{
		ID:          gjson.GetBytes(body, "id").String(),
		DisplayName: gjson.GetBytes(body, "displayName").String(),
		Email:       email,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + strings.ReplaceAll(query.Encode(), "+", "%20")
	}

	if method == http.MethodPost {
		ctx = withoutReplay(ctx)
	}

	var reqBody interface{}
	if payload != nil {
		reqBody = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", fmt.Sprintf(`outlook.timezone="%s", outlook.body-content-type="text"`, c.timeZone))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrRequestFailed, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	apiErr := parseError(resp.StatusCode, body)
	c.log.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
		"code":   apiErr.Code,
	}).Debug("Graph request failed")

	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %w", reconcile.ErrNotFound, apiErr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	default:
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, apiErr)
	}
}

// APIError is an error response from Graph.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
}

func parseError(status int, body []byte) *APIError {
	if len(body) > maxErrorBodySize {
		body = body[:maxErrorBodySize]
	}
	apiErr := &APIError{
		Status:  status,
		Code:    gjson.GetBytes(body, "error.code").String(),
		Message: gjson.GetBytes(body, "error.message").String(),
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func calendarPath(calendarID string) string {
	return "/me/calendars/" + url.PathEscape(calendarID)
}

func eventPath(calendarID, eventID string) string {
	return calendarPath(calendarID) + "/events/" + url.PathEscape(eventID)
}

func expandIdentity() string {
	return fmt.Sprintf("singleValueExtendedProperties($filter=id eq '%s')", odataString(reconcile.IdentityPropertyID))
}

// odataString escapes a value for use inside a single-quoted OData literal.
func odataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
