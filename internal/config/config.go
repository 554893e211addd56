package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/macjediwizard/shiftsync/internal/graph"
	"github.com/macjediwizard/shiftsync/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Provider names the calendar backend.
type Provider string

const (
	ProviderGraph  Provider = "graph"
	ProviderCalDAV Provider = "caldav"
)

const (
	defaultScheduleZone = "America/New_York"
	defaultGraphZone    = "Eastern Standard Time"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	LogLevel     string
	Provider     Provider
	Graph        GraphConfig
	CalDAV       CalDAVConfig
	Schedule     ScheduleConfig
	RateLimiting RateLimitConfig
	Security     SecurityConfig
	Watch        WatchConfig
	Alerts       AlertConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// GraphConfig holds Microsoft Graph settings.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	BaseURL      string
	AccessToken  string
}

// CalDAVConfig holds CalDAV server settings.
type CalDAVConfig struct {
	URL      string
	Username string
	Password string
}

// ScheduleConfig holds the zones schedule rows and events are written in.
type ScheduleConfig struct {
	TimeZone      string
	Location      *time.Location
	EventTimeZone string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SessionSecret string
}

// WatchConfig describes the scheduled reconcile of a row file.
type WatchConfig struct {
	Path           string
	Cron           string
	CalendarID     string
	UpdateExisting bool
}

// Enabled reports whether a watch file is configured.
func (w WatchConfig) Enabled() bool {
	return w.Path != ""
}

// AlertConfig holds failure alert settings.
type AlertConfig struct {
	WebhookURL string
	Cooldown   time.Duration
}

// Load resolves configuration from a .env file, the environment and an
// optional YAML file. configFile overrides the default $HOME/.shiftsync.yaml.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("environment", string(EnvProduction))
	v.SetDefault("database_path", "./data/shiftsync.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("provider", string(ProviderGraph))
	v.SetDefault("graph_tenant_id", "common")
	v.SetDefault("graph_base_url", graph.DefaultBaseURL)
	v.SetDefault("schedule_timezone", defaultScheduleZone)
	v.SetDefault("rate_limit_rps", 10.0)
	v.SetDefault("rate_limit_burst", 20)
	v.SetDefault("watch_cron", "*/15 * * * *")
	v.SetDefault("watch_update_existing", true)
	v.SetDefault("alert_cooldown_minutes", 60)
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: config file %s: %w", ErrInvalidConfig, configFile, err)
		}
		return nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigName(".shiftsync")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, filepath.Join(home, ".shiftsync.yaml"), err)
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = v.GetInt("port")
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("%w: PORT: %d", ErrInvalidConfig, cfg.Server.Port)
	}
	cfg.Server.BaseURL = strings.TrimSuffix(v.GetString("base_url"), "/")
	cfg.Server.Environment = Environment(strings.ToLower(v.GetString("environment")))

	cfg.Database.Path = v.GetString("database_path")
	cfg.LogLevel = v.GetString("log_level")

	cfg.Provider = Provider(strings.ToLower(strings.TrimSpace(v.GetString("provider"))))
	if cfg.Provider != ProviderGraph && cfg.Provider != ProviderCalDAV {
		return nil, fmt.Errorf("%w: PROVIDER: %q (want graph or caldav)", ErrInvalidConfig, cfg.Provider)
	}

	cfg.Graph = GraphConfig{
		TenantID:     v.GetString("graph_tenant_id"),
		ClientID:     strings.TrimSpace(v.GetString("graph_client_id")),
		ClientSecret: v.GetString("graph_client_secret"),
		RedirectURL:  v.GetString("graph_redirect_url"),
		BaseURL:      v.GetString("graph_base_url"),
		AccessToken:  v.GetString("graph_access_token"),
	}
	if cfg.Graph.RedirectURL == "" {
		cfg.Graph.RedirectURL = cfg.Server.BaseURL + "/auth/callback"
	}

	cfg.CalDAV = CalDAVConfig{
		URL:      v.GetString("caldav_url"),
		Username: v.GetString("caldav_username"),
		Password: v.GetString("caldav_password"),
	}

	cfg.Schedule.TimeZone = v.GetString("schedule_timezone")
	loc, err := time.LoadLocation(cfg.Schedule.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: SCHEDULE_TIMEZONE: %w", ErrInvalidConfig, err)
	}
	cfg.Schedule.Location = loc
	cfg.Schedule.EventTimeZone = v.GetString("event_timezone")
	if cfg.Schedule.EventTimeZone == "" {
		cfg.Schedule.EventTimeZone = cfg.defaultEventZone()
	}

	cfg.RateLimiting.RPS = v.GetFloat64("rate_limit_rps")
	cfg.RateLimiting.Burst = v.GetInt("rate_limit_burst")
	if cfg.RateLimiting.RPS <= 0 || cfg.RateLimiting.Burst <= 0 {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive", ErrInvalidConfig)
	}

	cfg.Security.SessionSecret = v.GetString("session_secret")

	cfg.Watch = WatchConfig{
		Path:           v.GetString("watch_path"),
		Cron:           v.GetString("watch_cron"),
		CalendarID:     v.GetString("watch_calendar_id"),
		UpdateExisting: v.GetBool("watch_update_existing"),
	}
	if cfg.Watch.Enabled() {
		if _, err := cron.ParseStandard(cfg.Watch.Cron); err != nil {
			return nil, fmt.Errorf("%w: WATCH_CRON: %w", ErrInvalidConfig, err)
		}
	}

	cfg.Alerts.WebhookURL = v.GetString("alert_webhook_url")
	cooldown := v.GetInt("alert_cooldown_minutes")
	if cooldown < 0 {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %d", ErrInvalidConfig, cooldown)
	}
	cfg.Alerts.Cooldown = time.Duration(cooldown) * time.Minute
	if cfg.Alerts.WebhookURL != "" {
		if err := validator.ValidateWebhookURL(cfg.Alerts.WebhookURL); err != nil {
			return nil, fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrInvalidConfig, err)
		}
	}

	if err := cfg.validateProvider(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultEventZone picks the zone name sent to the provider. Graph accepts
// Windows zone names, CalDAV data is written in IANA terms.
func (c *Config) defaultEventZone() string {
	if c.Provider == ProviderGraph && c.Schedule.TimeZone == defaultScheduleZone {
		return defaultGraphZone
	}
	return c.Schedule.TimeZone
}

// validateProvider checks the credentials the selected provider needs.
func (c *Config) validateProvider() error {
	var missing []string

	switch c.Provider {
	case ProviderGraph:
		if c.Graph.AccessToken != "" {
			break
		}
		if c.Graph.ClientID == "" {
			missing = append(missing, "GRAPH_CLIENT_ID")
		} else if err := validator.ValidateClientID(c.Graph.ClientID); err != nil {
			return fmt.Errorf("%w: GRAPH_CLIENT_ID: %w", ErrInvalidConfig, err)
		}
	case ProviderCalDAV:
		if c.CalDAV.URL == "" {
			missing = append(missing, "CALDAV_URL")
		} else if err := validator.ValidateURL(c.CalDAV.URL, false); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrInvalidConfig, err)
		}
		if c.CalDAV.Username == "" {
			missing = append(missing, "CALDAV_USERNAME")
		}
		if c.CalDAV.Password == "" {
			missing = append(missing, "CALDAV_PASSWORD")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateServer checks the settings only the HTTP server needs.
func (c *Config) ValidateServer() error {
	if err := validator.ValidateURL(c.Server.BaseURL, c.IsProduction() && !isLocal(c.Server.BaseURL)); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrInvalidConfig, err)
	}
	if c.Security.SessionSecret == "" {
		return fmt.Errorf("%w: SESSION_SECRET", ErrMissingConfig)
	}
	if len(c.Security.SessionSecret) < 32 {
		return ErrSessionSecretSize
	}
	if c.Watch.Enabled() && c.Watch.CalendarID == "" {
		return fmt.Errorf("%w: WATCH_CALENDAR_ID", ErrMissingConfig)
	}
	return nil
}

// UsesLogin reports whether users sign in through the Microsoft identity
// platform.
func (c *Config) UsesLogin() bool {
	return c.Provider == ProviderGraph && c.Graph.AccessToken == "" && c.Graph.ClientID != ""
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

func isLocal(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://localhost") || strings.HasPrefix(rawURL, "http://127.0.0.1")
}
