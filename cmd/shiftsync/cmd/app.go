package cmd

import (
	"context"
	"fmt"

	"github.com/macjediwizard/shiftsync/internal/activity"
	"github.com/macjediwizard/shiftsync/internal/auth"
	"github.com/macjediwizard/shiftsync/internal/config"
	"github.com/macjediwizard/shiftsync/internal/db"
	"github.com/macjediwizard/shiftsync/internal/graph"
	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/notify"
	"github.com/macjediwizard/shiftsync/internal/provider"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/runner"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Config
	db       *db.DB
	oidc     *auth.OIDCProvider
	tokens   *auth.TokenManager
	provider *provider.Provider
	tracker  *activity.Tracker
	notifier *notify.Notifier
	runner   *runner.Runner
}

// loadConfig reads configuration and applies its log level unless
// --loglevel was given.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		if err := logging.SetLevel(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("LOG_LEVEL %q: %w", cfg.LogLevel, err)
		}
	}
	return cfg, nil
}

// newApp opens the database and wires the calendar provider and runner.
// With discover set and sign-in configured, the OIDC provider is
// discovered so the server can run the login flow.
func newApp(ctx context.Context, cfg *config.Config, discover bool) (*app, error) {
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: database}

	if cfg.Provider == config.ProviderGraph {
		switch {
		case cfg.Graph.AccessToken != "":
			a.tokens = auth.NewStaticTokenManager(cfg.Graph.AccessToken)
		case discover && cfg.UsesLogin():
			a.oidc, err = auth.NewOIDCProvider(ctx,
				auth.MicrosoftIssuer(cfg.Graph.TenantID),
				cfg.Graph.ClientID,
				cfg.Graph.ClientSecret,
				cfg.Graph.RedirectURL,
				auth.GraphScopes...,
			)
			if err != nil {
				database.Close()
				return nil, err
			}
			a.tokens = auth.NewTokenManager(a.oidc.OAuth2Config(), database)
		default:
			oauthCfg := auth.MicrosoftOAuth2Config(cfg.Graph.TenantID, cfg.Graph.ClientID, cfg.Graph.ClientSecret, cfg.Graph.RedirectURL)
			a.tokens = auth.NewTokenManager(oauthCfg, database)
		}
	}

	var tokens graph.TokenSource
	if a.tokens != nil {
		tokens = a.tokens
	}
	a.provider, err = provider.New(cfg, tokens)
	if err != nil {
		database.Close()
		return nil, err
	}

	engine := reconcile.NewEngine(a.provider.Transport, database, reconcile.Options{
		Location: cfg.Schedule.Location,
		ZoneName: cfg.Schedule.EventTimeZone,
	})

	a.tracker = activity.NewTracker()
	a.notifier = notify.New(notify.Config{
		WebhookURL: cfg.Alerts.WebhookURL,
		Cooldown:   cfg.Alerts.Cooldown,
	})
	a.runner = runner.New(engine, database, a.tracker, a.notifier)

	return a, nil
}

// Close waits for pending alerts and closes the database.
func (a *app) Close() {
	a.notifier.Wait()
	if err := a.db.Close(); err != nil {
		logging.Log.WithError(err).Warn("Error closing database")
	}
}

// openApp loads configuration and builds the app for a one-shot command.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, false)
}
