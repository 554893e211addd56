// Package provider builds the calendar transport selected in configuration.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/macjediwizard/shiftsync/internal/caldav"
	"github.com/macjediwizard/shiftsync/internal/config"
	"github.com/macjediwizard/shiftsync/internal/graph"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
)

// ErrUnknownProvider is returned for a provider name without a transport.
var ErrUnknownProvider = errors.New("unknown calendar provider")

// Calendar is a writable target calendar, whichever backend serves it.
type Calendar struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CanEdit   bool   `json:"can_edit"`
	IsDefault bool   `json:"is_default"`
}

// Provider couples a reconcile transport with calendar discovery.
type Provider struct {
	Name      config.Provider
	Transport reconcile.Transport
	calendars func(ctx context.Context) ([]Calendar, error)
	check     func(ctx context.Context) (string, error)
}

// New builds the provider named in cfg. tokens authorizes Graph requests
// and is ignored for CalDAV.
func New(cfg *config.Config, tokens graph.TokenSource) (*Provider, error) {
	switch cfg.Provider {
	case config.ProviderGraph:
		client, err := graph.NewClient(graph.Config{
			BaseURL:           cfg.Graph.BaseURL,
			TimeZone:          cfg.Schedule.EventTimeZone,
			RequestsPerSecond: 4,
			Burst:             4,
		}, tokens)
		if err != nil {
			return nil, err
		}
		return NewGraph(client), nil

	case config.ProviderCalDAV:
		client, err := caldav.NewClient(cfg.CalDAV.URL, cfg.CalDAV.Username, cfg.CalDAV.Password, cfg.Schedule.Location)
		if err != nil {
			return nil, err
		}
		return NewCalDAV(client), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
}

// NewGraph wraps a Graph client.
func NewGraph(client *graph.Client) *Provider {
	return &Provider{
		Name:      config.ProviderGraph,
		Transport: client,
		calendars: func(ctx context.Context) ([]Calendar, error) {
			found, err := client.ListCalendars(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]Calendar, 0, len(found))
			for _, c := range found {
				out = append(out, Calendar{ID: c.ID, Name: c.Name, CanEdit: c.CanEdit, IsDefault: c.IsDefault})
			}
			return out, nil
		},
		check: func(ctx context.Context) (string, error) {
			me, err := client.Me(ctx)
			if err != nil {
				return "", err
			}
			if me.Email == "" {
				return me.DisplayName, nil
			}
			return fmt.Sprintf("%s <%s>", me.DisplayName, me.Email), nil
		},
	}
}

// NewCalDAV wraps a CalDAV client. Every discovered collection is
// reported writable; the server enforces access on write.
func NewCalDAV(client *caldav.Client) *Provider {
	return &Provider{
		Name:      config.ProviderCalDAV,
		Transport: client,
		calendars: func(ctx context.Context) ([]Calendar, error) {
			found, err := client.FindCalendars(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]Calendar, 0, len(found))
			for i, c := range found {
				out = append(out, Calendar{ID: c.Path, Name: c.Name, CanEdit: true, IsDefault: i == 0})
			}
			return out, nil
		},
		check: func(ctx context.Context) (string, error) {
			if err := client.TestConnection(ctx); err != nil {
				return "", err
			}
			return client.Username(), nil
		},
	}
}

// Calendars lists the calendars rows can be reconciled into.
func (p *Provider) Calendars(ctx context.Context) ([]Calendar, error) {
	return p.calendars(ctx)
}

// Check verifies the credentials against the backend and returns the
// signed-in principal.
func (p *Provider) Check(ctx context.Context) (string, error) {
	return p.check(ctx)
}
