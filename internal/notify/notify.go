package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/macjediwizard/shiftsync/internal/logging"
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeFailure  AlertType = "failure"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert represents a notification alert.
type Alert struct {
	Type       AlertType
	CalendarID string
	Message    string
	Details    string
	Timestamp  time.Time
}

// Config holds notification configuration.
type Config struct {
	WebhookURL string
	// Cooldown is how long to wait before re-alerting for the same calendar.
	Cooldown time.Duration
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType  string `json:"alert_type"`
	CalendarID string `json:"calendar_id"`
	Message    string `json:"message"`
	Details    string `json:"details"`
	Timestamp  string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

// Notifier posts run failure alerts to a webhook.
type Notifier struct {
	cfg    Config
	client *retryablehttp.Client

	mu        sync.Mutex
	lastAlert map[string]time.Time
	failing   map[string]bool
	pending   sync.WaitGroup
}

// New creates a new Notifier.
func New(cfg Config) *Notifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	return &Notifier{
		cfg:       cfg,
		client:    client,
		lastAlert: make(map[string]time.Time),
		failing:   make(map[string]bool),
	}
}

// IsEnabled returns true if a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n != nil && n.cfg.WebhookURL != ""
}

// SendFailure alerts that a run for calendarID failed. It returns false
// when alerting is disabled or the calendar is still in cooldown.
func (n *Notifier) SendFailure(ctx context.Context, calendarID, message, details string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	if last, ok := n.lastAlert[calendarID]; ok && n.failing[calendarID] && time.Since(last) < n.cfg.Cooldown {
		n.mu.Unlock()
		return false
	}
	n.failing[calendarID] = true
	n.lastAlert[calendarID] = time.Now()
	n.mu.Unlock()

	n.dispatch(ctx, Alert{
		Type:       AlertTypeFailure,
		CalendarID: calendarID,
		Message:    message,
		Details:    details,
		Timestamp:  time.Now(),
	})
	return true
}

// SendRecovery alerts that calendarID ran cleanly after a failure.
func (n *Notifier) SendRecovery(ctx context.Context, calendarID string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	wasFailing := n.failing[calendarID]
	delete(n.failing, calendarID)
	delete(n.lastAlert, calendarID)
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:       AlertTypeRecovery,
		CalendarID: calendarID,
		Message:    fmt.Sprintf("Calendar %s has recovered", calendarID),
		Details:    "Runs are completing without errors",
		Timestamp:  time.Now(),
	})
	return true
}

// Wait blocks until in-flight alerts are sent.
func (n *Notifier) Wait() {
	n.pending.Wait()
}

// dispatch sends in the background so runs are not held up by the webhook.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		if err := n.sendWebhook(context.WithoutCancel(ctx), alert); err != nil {
			logging.For("notify").WithError(err).WithField("calendar_id", alert.CalendarID).Warn("Webhook delivery failed")
		}
	}()
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":x:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:  string(alert.Type),
		CalendarID: alert.CalendarID,
		Message:    alert.Message,
		Details:    alert.Details,
		Timestamp:  alert.Timestamp.Format(time.RFC3339),
		Text:       fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	logging.For("notify").WithFields(logrus.Fields{
		"calendar_id": alert.CalendarID,
		"alert_type":  alert.Type,
	}).Info("Webhook sent")
	return nil
}
