package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/macjediwizard/shiftsync/internal/schedule"
)

// Locator finds the remote event that corresponds to a row.
type Locator struct {
	transport Transport
	location  *time.Location
	pageSize  int
}

// NewLocator creates a locator. pageSize <= 0 uses DefaultSearchPageSize.
func NewLocator(transport Transport, loc *time.Location, pageSize int) *Locator {
	if loc == nil {
		loc = time.UTC
	}
	if pageSize <= 0 {
		pageSize = DefaultSearchPageSize
	}
	return &Locator{transport: transport, location: loc, pageSize: pageSize}
}

// Locate resolves row through the mapping table first, then through an
// identity-tag search. A mapping whose event no longer exists, or now starts
// on another calendar day, is removed from mappings; a search hit is
// recorded in it. A nil event with a
// nil error means no counterpart exists.
func (l *Locator) Locate(ctx context.Context, calendarID string, row schedule.Row, mappings Mappings) (*RemoteEvent, MatchSource, error) {
	key := schedule.MappingKey(row)

	if eventID, ok := mappings[key]; ok && eventID != "" {
		event, err := l.transport.GetEvent(ctx, calendarID, eventID)
		switch {
		case err == nil && event != nil && l.onRowDay(*event, row):
			return event, SourceMapping, nil
		case err == nil, errors.Is(err, ErrNotFound):
			delete(mappings, key)
		default:
			return nil, SourceNone, fmt.Errorf("failed to fetch mapped event: %w", err)
		}
	}

	event, err := l.Search(ctx, calendarID, row)
	if err != nil {
		return nil, SourceNone, err
	}
	if event == nil {
		return nil, SourceNone, nil
	}
	mappings[key] = event.ID
	return event, SourceSearch, nil
}

// Search looks up events tagged with the row's identifier and returns the one
// on the row's calendar day whose start is closest to the row's start. Rows
// without an identifier never match.
func (l *Locator) Search(ctx context.Context, calendarID string, row schedule.Row) (*RemoteEvent, error) {
	tag, ok := schedule.Identify(row)
	if !ok {
		return nil, nil
	}

	candidates, err := l.transport.SearchByIdentityTag(ctx, calendarID, tag, l.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}

	var best *RemoteEvent
	var bestDelta time.Duration
	for i := range candidates {
		if i >= l.pageSize {
			break
		}
		c := &candidates[i]
		if c.ID == "" {
			continue
		}
		start, ok := parseRemote(c.Start, l.location)
		if !ok || !sameDay(start, row.Start, l.location) {
			continue
		}
		delta := start.Sub(row.Start)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta {
			best, bestDelta = c, delta
		}
	}
	return best, nil
}

// onRowDay reports whether event starts on the row's calendar day.
func (l *Locator) onRowDay(event RemoteEvent, row schedule.Row) bool {
	start, ok := parseRemote(event.Start, l.location)
	return ok && sameDay(start, row.Start, l.location)
}
