package config

import (
	"time"
)

// Config represents the complete application configuration. Values are
// layered: built-in defaults, then the user config file, then environment
// variables, then runtime overrides (CLI flags).
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`
	Debug   DebugConfig   `mapstructure:"debug" yaml:"debug"`

	// RateLimits overrides per-class quotas, keyed by class name
	// (general, ai, search, external).
	RateLimits       map[string]RateLimitConfig `mapstructure:"rate_limits" yaml:"rate_limits"`
	RateLimitMargin  float64                    `mapstructure:"rate_limit_margin" yaml:"rate_limit_margin"`
	RateLimitBackend string                     `mapstructure:"rate_limit_backend" yaml:"rate_limit_backend"`

	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	Catalog    CatalogConfig    `mapstructure:"catalog" yaml:"catalog"`
	Importer   ImporterConfig   `mapstructure:"importer" yaml:"importer"`
	DeltaSync  DeltaSyncConfig  `mapstructure:"deltasync" yaml:"deltasync"`
	Protection ProtectionConfig `mapstructure:"protection" yaml:"protection"`
	Admin      AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// TrustProxyHeaders takes the client address from True-Client-IP,
	// X-Real-IP or X-Forwarded-For. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `mapstructure:"trust_proxy_headers" yaml:"trust_proxy_headers"`
	// APIKeys are the X-API-Key values that get a quota of their own.
	// Requests with any other key are limited by address.
	APIKeys []string `mapstructure:"api_keys" yaml:"api_keys"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver" yaml:"driver"`
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`
}

// RedisConfig enables shared rate-limit windows and the distributed import
// lock. An empty URL disables Redis.
type RedisConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// Enabled reports whether a Redis URL is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Profile selects the logging complexity level
	// Valid values: simple, structured, enterprise
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

// RateLimitConfig is one class quota.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

// BreakerConfig configures the catalog circuit breaker.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// CatalogConfig configures the external botanical catalog client.
type CatalogConfig struct {
	Provider  string        `mapstructure:"provider" yaml:"provider"`
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" yaml:"user_agent"`

	// RequestsPerSecond smooths bursts inside the rate-limit window.
	// Zero disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// ImporterConfig configures the progressive importer.
type ImporterConfig struct {
	Collection        string        `mapstructure:"collection" yaml:"collection"`
	PageSize          int           `mapstructure:"page_size" yaml:"page_size"`
	MaxItemsPerRun    int           `mapstructure:"max_items_per_run" yaml:"max_items_per_run"`
	MaxPageAttempts   int           `mapstructure:"max_page_attempts" yaml:"max_page_attempts"`
	MaxFailedPages    int           `mapstructure:"max_failed_pages" yaml:"max_failed_pages"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	RunTimeout        time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	EnrichmentVersion int           `mapstructure:"enrichment_version" yaml:"enrichment_version"`
	FetchDetails      bool          `mapstructure:"fetch_details" yaml:"fetch_details"`

	// Interval schedules runs inside serve. Zero disables the schedule.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

// DeltaSyncConfig configures mobile delta sync.
type DeltaSyncConfig struct {
	Collections      []string `mapstructure:"collections" yaml:"collections"`
	MaxPerCollection int      `mapstructure:"max_per_collection" yaml:"max_per_collection"`
}

// ProtectionConfig configures account lockout.
type ProtectionConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	LockoutDuration time.Duration `mapstructure:"lockout_duration" yaml:"lockout_duration"`
	FailureWindow   time.Duration `mapstructure:"failure_window" yaml:"failure_window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
}

// AdminConfig lists the bearer tokens accepted on /admin and /auth routes.
type AdminConfig struct {
	// Token is a single admin-role token, convenient for env configuration.
	Token string `mapstructure:"token" yaml:"token"`
	// ServiceToken is a single service-role token for the auth backend that
	// reports login attempts.
	ServiceToken string       `mapstructure:"service_token" yaml:"service_token"`
	Tokens       []AdminToken `mapstructure:"tokens" yaml:"tokens"`
}

// AdminToken binds a bearer token to a subject and role.
type AdminToken struct {
	Token   string `mapstructure:"token" yaml:"token"`
	Subject string `mapstructure:"subject" yaml:"subject"`
	Role    string `mapstructure:"role" yaml:"role"`
}

// NotifyConfig configures admin notifications.
type NotifyConfig struct {
	WebhookURL       string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	out := c
	out.Store.AuthToken = mask(c.Store.AuthToken)
	out.Catalog.APIKey = mask(c.Catalog.APIKey)
	out.Redis.URL = maskURL(c.Redis.URL)
	out.Notify.WebhookURL = maskURL(c.Notify.WebhookURL)
	out.Admin.Token = mask(c.Admin.Token)
	out.Admin.ServiceToken = mask(c.Admin.ServiceToken)
	if len(c.Server.APIKeys) > 0 {
		out.Server.APIKeys = make([]string, len(c.Server.APIKeys))
		for i, key := range c.Server.APIKeys {
			out.Server.APIKeys[i] = mask(key)
		}
	}
	if len(c.Admin.Tokens) > 0 {
		out.Admin.Tokens = make([]AdminToken, len(c.Admin.Tokens))
		for i, tok := range c.Admin.Tokens {
			tok.Token = mask(tok.Token)
			out.Admin.Tokens[i] = tok
		}
	}
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
