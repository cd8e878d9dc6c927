// Package config provides centralized configuration management for florasync.
// Configuration is layered:
// Layer 1: built-in defaults (Defaults)
// Layer 2: user config file (explicit path or XDG config dir)
// Layer 3: environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"
)

const (
	// AppName names config and data directories.
	AppName = "florasync"
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "FLORASYNC_"
)

var (
	appConfig *Config
	configMu  sync.RWMutex

	configFile   string
	configFileMu sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile pins the user config file. An empty path restores discovery.
func SetConfigFile(path string) {
	configFileMu.Lock()
	defer configFileMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// ConfigFileUsed returns the user config file Load would read, or "".
func ConfigFileUsed() string {
	configFileMu.RLock()
	explicit := configFile
	configFileMu.RUnlock()
	if explicit != "" {
		return explicit
	}
	for _, candidate := range gfconfig.GetAppConfigPaths(AppName) {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate
		}
	}
	if st, err := os.Stat(filepath.Join("config", "config.yaml")); err == nil && !st.IsDir() {
		return filepath.Join("config", "config.yaml")
	}
	return ""
}

// Load builds the configuration from defaults, the user file, environment
// variables and runtimeOverrides, in that order.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	_ = ctx

	merged := Defaults()

	if path := ConfigFileUsed(); path != "" {
		fileValues, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		mergeInto(merged, fileValues)
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	mergeInto(merged, envOverrides)

	for _, override := range runtimeOverrides {
		mergeInto(merged, override)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimitMargin < 0 || c.RateLimitMargin > 1 {
		errs = append(errs, fmt.Errorf("rate_limit_margin must be within [0,1], got %v", c.RateLimitMargin))
	}
	switch c.RateLimitBackend {
	case "", "memory", "store", "redis":
	default:
		errs = append(errs, fmt.Errorf("rate_limit_backend %q is not one of memory, store, redis", c.RateLimitBackend))
	}
	if c.RateLimitBackend == "redis" && !c.Redis.Enabled() {
		errs = append(errs, errors.New("rate_limit_backend redis requires redis.url"))
	}
	for class, limit := range c.RateLimits {
		if limit.Requests <= 0 || limit.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s needs positive requests and window", class))
		}
	}
	if c.Importer.PageSize <= 0 {
		errs = append(errs, errors.New("importer.page_size must be positive"))
	}
	if c.Importer.LockTTL > 0 && c.Importer.RunTimeout > 0 && c.Importer.LockTTL < c.Importer.RunTimeout {
		errs = append(errs, fmt.Errorf("importer.lock_ttl (%s) must not be shorter than importer.run_timeout (%s)",
			c.Importer.LockTTL, c.Importer.RunTimeout))
	}
	if c.DeltaSync.MaxPerCollection <= 0 {
		errs = append(errs, errors.New("deltasync.max_per_collection must be positive"))
	}
	if c.Protection.MaxAttempts <= 0 {
		errs = append(errs, errors.New("protection.max_attempts must be positive"))
	}
	for i, tok := range c.Admin.Tokens {
		switch tok.Role {
		case "admin", "operator", "service":
		default:
			errs = append(errs, fmt.Errorf("admin.tokens[%d].role %q is not admin, operator or service", i, tok.Role))
		}
	}
	return errors.Join(errs...)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

func readConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return values, nil
}

// mergeInto deep-merges src over dst. Nested maps merge; everything else
// replaces.
func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := asMap(value)
		if !srcIsMap {
			dst[key] = value
			continue
		}
		dstMap, dstIsMap := asMap(dst[key])
		if !dstIsMap {
			dstMap = map[string]any{}
		}
		mergeInto(dstMap, srcMap)
		dst[key] = dstMap
	}
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	default:
		return nil, false
	}
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},
		{Name: prefix + "TRUST_PROXY_HEADERS", Path: []string{"server", "trust_proxy_headers"}, Type: EnvBool},
		{Name: prefix + "API_KEYS", Path: []string{"server", "api_keys"}, Type: EnvString},

		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},

		{Name: prefix + "REDIS_URL", Path: []string{"redis", "url"}, Type: EnvString},
		{Name: prefix + "REDIS_PREFIX", Path: []string{"redis", "prefix"}, Type: EnvString},

		{Name: prefix + "RATE_LIMIT_MARGIN", Path: []string{"rate_limit_margin"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_BACKEND", Path: []string{"rate_limit_backend"}, Type: EnvString},

		{Name: prefix + "BREAKER_THRESHOLD", Path: []string{"breaker", "threshold"}, Type: EnvInt},
		{Name: prefix + "BREAKER_COOLDOWN", Path: []string{"breaker", "cooldown"}, Type: EnvString},

		{Name: prefix + "CATALOG_PROVIDER", Path: []string{"catalog", "provider"}, Type: EnvString},
		{Name: prefix + "CATALOG_BASE_URL", Path: []string{"catalog", "base_url"}, Type: EnvString},
		{Name: prefix + "CATALOG_API_KEY", Path: []string{"catalog", "api_key"}, Type: EnvString},
		{Name: prefix + "CATALOG_TIMEOUT", Path: []string{"catalog", "timeout"}, Type: EnvString},

		{Name: prefix + "IMPORTER_COLLECTION", Path: []string{"importer", "collection"}, Type: EnvString},
		{Name: prefix + "IMPORTER_PAGE_SIZE", Path: []string{"importer", "page_size"}, Type: EnvInt},
		{Name: prefix + "IMPORTER_MAX_ITEMS_PER_RUN", Path: []string{"importer", "max_items_per_run"}, Type: EnvInt},
		{Name: prefix + "IMPORTER_ENRICHMENT_VERSION", Path: []string{"importer", "enrichment_version"}, Type: EnvInt},
		{Name: prefix + "IMPORTER_INTERVAL", Path: []string{"importer", "interval"}, Type: EnvString},
		{Name: prefix + "IMPORTER_RUN_TIMEOUT", Path: []string{"importer", "run_timeout"}, Type: EnvString},
		{Name: prefix + "IMPORTER_LOCK_TTL", Path: []string{"importer", "lock_ttl"}, Type: EnvString},

		{Name: prefix + "DELTASYNC_COLLECTIONS", Path: []string{"deltasync", "collections"}, Type: EnvString},
		{Name: prefix + "DELTASYNC_MAX_PER_COLLECTION", Path: []string{"deltasync", "max_per_collection"}, Type: EnvInt},

		{Name: prefix + "PROTECTION_MAX_ATTEMPTS", Path: []string{"protection", "max_attempts"}, Type: EnvInt},
		{Name: prefix + "PROTECTION_LOCKOUT_DURATION", Path: []string{"protection", "lockout_duration"}, Type: EnvString},

		{Name: prefix + "ADMIN_TOKEN", Path: []string{"admin", "token"}, Type: EnvString},
		{Name: prefix + "SERVICE_TOKEN", Path: []string{"admin", "service_token"}, Type: EnvString},
		{Name: prefix + "NOTIFY_WEBHOOK_URL", Path: []string{"notify", "webhook_url"}, Type: EnvString},

		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return mask(raw)
	}
	if u.User != nil {
		u.User = url.User("********")
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
