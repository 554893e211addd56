package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []WebhookPayload
}

func (w *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.mu.Lock()
		w.payloads = append(w.payloads, p)
		w.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}
}

func (w *webhookRecorder) all() []WebhookPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WebhookPayload(nil), w.payloads...)
}

func TestNotifierDisabled(t *testing.T) {
	n := New(Config{})
	if n.IsEnabled() {
		t.Error("IsEnabled() = true without webhook")
	}
	if n.SendFailure(context.Background(), "cal", "m", "d") {
		t.Error("SendFailure() should not send when disabled")
	}

	var nilNotifier *Notifier
	if nilNotifier.IsEnabled() {
		t.Error("nil notifier should be disabled")
	}
}

func TestSendFailureCooldown(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL, Cooldown: time.Hour})
	ctx := context.Background()

	if !n.SendFailure(ctx, "cal-1", "Reconcile failed", "2 rows failed") {
		t.Fatal("first SendFailure() should send")
	}
	if n.SendFailure(ctx, "cal-1", "Reconcile failed", "again") {
		t.Error("second SendFailure() inside cooldown should be suppressed")
	}
	if !n.SendFailure(ctx, "cal-2", "Reconcile failed", "other calendar") {
		t.Error("cooldown should be per calendar")
	}
	n.Wait()

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("webhook received %d payloads, want 2", len(got))
	}
	for _, p := range got {
		if p.AlertType != string(AlertTypeFailure) {
			t.Errorf("AlertType = %q", p.AlertType)
		}
		if !strings.Contains(p.Text, "Reconcile failed") {
			t.Errorf("Text = %q", p.Text)
		}
	}
}

func TestSendRecovery(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL, Cooldown: time.Hour})
	ctx := context.Background()

	if n.SendRecovery(ctx, "cal-1") {
		t.Error("SendRecovery() without prior failure should not send")
	}

	n.SendFailure(ctx, "cal-1", "Reconcile failed", "")
	if !n.SendRecovery(ctx, "cal-1") {
		t.Error("SendRecovery() after failure should send")
	}
	if !n.SendFailure(ctx, "cal-1", "Reconcile failed", "") {
		t.Error("recovery should reset the cooldown")
	}
	n.Wait()

	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("webhook received %d payloads, want 3", len(got))
	}
	recoveries := 0
	for _, p := range got {
		if p.AlertType == string(AlertTypeRecovery) {
			recoveries++
			if p.CalendarID != "cal-1" {
				t.Errorf("CalendarID = %q", p.CalendarID)
			}
		}
	}
	if recoveries != 1 {
		t.Errorf("recoveries = %d, want 1", recoveries)
	}
}

func TestSendWebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(Config{WebhookURL: srv.URL})
	err := n.sendWebhook(context.Background(), Alert{Type: AlertTypeFailure, CalendarID: "cal", Timestamp: time.Now()})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("sendWebhook() error = %v, want status 400", err)
	}
}
