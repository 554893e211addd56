package graph

import (
	"context"
	"errors"
	"net/http"
	"syscall"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/macjediwizard/shiftsync/internal/reconcile"
)

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type location struct {
	DisplayName string `json:"displayName"`
}

type extendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// eventPayload is the create/update request body.
type eventPayload struct {
	Subject                       string             `json:"subject"`
	Body                          itemBody           `json:"body"`
	Start                         dateTimeTimeZone   `json:"start"`
	End                           dateTimeTimeZone   `json:"end"`
	Location                      location           `json:"location"`
	SingleValueExtendedProperties []extendedProperty `json:"singleValueExtendedProperties,omitempty"`
	IsReminderOn                  *bool              `json:"isReminderOn,omitempty"`
	ReminderMinutesBeforeStart    *int               `json:"reminderMinutesBeforeStart,omitempty"`
}

func (c *Client) payload(e reconcile.DesiredEvent) eventPayload {
	p := eventPayload{
		Subject:                    e.Subject,
		Body:                       itemBody{ContentType: "Text", Content: e.Body},
		Start:                      c.zoned(e.Start),
		End:                        c.zoned(e.End),
		Location:                   location{DisplayName: e.Location},
		IsReminderOn:               e.IsReminderOn,
		ReminderMinutesBeforeStart: e.ReminderMinutes,
	}
	for _, prop := range e.ExtendedProperties {
		p.SingleValueExtendedProperties = append(p.SingleValueExtendedProperties, extendedProperty(prop))
	}
	return p
}

// zoned stamps the client's zone name on times that carry none.
func (c *Client) zoned(dt reconcile.DateTimeZone) dateTimeTimeZone {
	zone := dt.TimeZone
	if zone == "" {
		zone = c.timeZone
	}
	return dateTimeTimeZone{DateTime: dt.DateTime, TimeZone: zone}
}

func parseEvent(v gjson.Result) reconcile.RemoteEvent {
	event := reconcile.RemoteEvent{
		ID:       v.Get("id").String(),
		Subject:  v.Get("subject").String(),
		Body:     v.Get("body.content").String(),
		Location: v.Get("location.displayName").String(),
		Start: reconcile.DateTimeZone{
			DateTime: v.Get("start.dateTime").String(),
			TimeZone: v.Get("start.timeZone").String(),
		},
		End: reconcile.DateTimeZone{
			DateTime: v.Get("end.dateTime").String(),
			TimeZone: v.Get("end.timeZone").String(),
		},
	}

	if r := v.Get("isReminderOn"); r.Exists() {
		on := r.Bool()
		event.IsReminderOn = &on
	}
	if r := v.Get("reminderMinutesBeforeStart"); r.Exists() {
		minutes := int(r.Int())
		event.ReminderMinutes = &minutes
	}

	v.Get("singleValueExtendedProperties").ForEach(func(_, p gjson.Result) bool {
		event.ExtendedProperties = append(event.ExtendedProperties, reconcile.ExtendedProperty{
			ID:    p.Get("id").String(),
			Value: p.Get("value").String(),
		})
		return true
	})
	return event
}

// keepLastResponse hands the final response back to the caller once retries
// are exhausted so that its error body can be read.
func keepLastResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

type noReplayKey struct{}

// withoutReplay marks requests the server may have applied even when the
// response is lost, such as event creation.
func withoutReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, noReplayKey{}, true)
}

// checkRetry is retryablehttp's default policy, except that requests marked
// by withoutReplay are retried only when the server cannot have acted on
// them: a 429 or a refused connection.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if noReplay, _ := ctx.Value(noReplayKey{}).(bool); !noReplay {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return errors.Is(err, syscall.ECONNREFUSED), nil
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// retryLogger adapts a logrus entry to retryablehttp's leveled logger.
type retryLogger struct {
	entry *logrus.Entry
}

func (l retryLogger) with(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return l.entry.WithFields(fields)
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Error(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Warn(msg)
}
