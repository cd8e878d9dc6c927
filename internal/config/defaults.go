package config

// Defaults returns a fresh copy of the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":                "localhost",
			"port":                8080,
			"read_timeout":        "30s",
			"write_timeout":       "30s",
			"idle_timeout":        "120s",
			"shutdown_timeout":    "10s",
			"trust_proxy_headers": false,
			"api_keys":            []any{},
		},
		"store": map[string]any{
			"driver":     "libsql",
			"path":       DefaultStorePath(),
			"url":        "",
			"auth_token": "",
		},
		"redis": map[string]any{
			"url":    "",
			"prefix": AppName,
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "structured",
		},
		"metrics": map[string]any{
			"enabled": true,
			"port":    9090,
		},
		"health": map[string]any{
			"enabled": true,
		},
		"debug": map[string]any{
			"enabled":       false,
			"pprof_enabled": false,
		},
		"rate_limits":        map[string]any{},
		"rate_limit_margin":  0.9,
		"rate_limit_backend": "memory",
		"breaker": map[string]any{
			"threshold": 5,
			"cooldown":  "30s",
		},
		"catalog": map[string]any{
			"provider":            "perenual",
			"base_url":            "https://perenual.com/api",
			"api_key":             "",
			"timeout":             "15s",
			"user_agent":          AppName,
			"requests_per_second": 2.0,
			"burst":               2,
		},
		"importer": map[string]any{
			"collection":         "plants",
			"page_size":          50,
			"max_items_per_run":  500,
			"max_page_attempts":  3,
			"max_failed_pages":   3,
			"retry_base_delay":   "500ms",
			"retry_max_delay":    "10s",
			"run_timeout":        "10m",
			"enrichment_version": 1,
			"fetch_details":      false,
			"interval":           "0s",
			"lock_ttl":           "15m",
		},
		"deltasync": map[string]any{
			"collections":        []any{"plants", "care_guides", "articles"},
			"max_per_collection": 500,
		},
		"protection": map[string]any{
			"max_attempts":     5,
			"lockout_duration": "15m",
			"failure_window":   "15m",
			"cleanup_interval": "1h",
			"retention":        "720h",
		},
		"admin": map[string]any{
			"token":         "",
			"service_token": "",
			"tokens":        []any{},
		},
		"notify": map[string]any{
			"webhook_url":       "",
			"timeout":           "5s",
			"breaker_threshold": 3,
			"breaker_cooldown":  "1m",
		},
	}
}
