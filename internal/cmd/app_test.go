package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florasync/florasync/internal/config"
	"github.com/florasync/florasync/internal/core/engine"
	servermw "github.com/florasync/florasync/internal/server/middleware"
)

func TestAdminCredentials(t *testing.T) {
	creds := adminCredentials(config.AdminConfig{
		Token:        " root-token ",
		ServiceToken: "svc-token",
		Tokens: []config.AdminToken{
			{Token: "ops-token", Subject: "oncall", Role: servermw.RoleOperator},
			{Token: "", Subject: "ignored", Role: servermw.RoleAdmin},
			{Token: "auditor-token", Role: servermw.RoleAdmin},
		},
	})

	require.Len(t, creds, 4)
	assert.Equal(t, "root-token", creds[0].Token)
	assert.Equal(t, servermw.Principal{Subject: "admin", Role: servermw.RoleAdmin}, creds[0].Principal)
	assert.Equal(t, "svc-token", creds[1].Token)
	assert.Equal(t, servermw.Principal{Subject: "auth-service", Role: servermw.RoleService}, creds[1].Principal)
	assert.Equal(t, servermw.Principal{Subject: "oncall", Role: servermw.RoleOperator}, creds[2].Principal)
	assert.Equal(t, servermw.Principal{Subject: servermw.RoleAdmin, Role: servermw.RoleAdmin}, creds[3].Principal)
}

func TestRateLimitOverridesSkipUnknownClasses(t *testing.T) {
	overrides := rateLimitOverrides(map[string]config.RateLimitConfig{
		"External": {Requests: 120, Window: time.Hour},
		"bogus":    {Requests: 1, Window: time.Second},
	})

	assert.Equal(t, map[engine.LimitClass]engine.RateLimit{
		engine.ClassExternal: {RequestsPerWindow: 120, WindowDuration: time.Hour},
	}, overrides)
}

func TestBuildLimiterMemoryBackend(t *testing.T) {
	cfg := &config.Config{
		RateLimitBackend: "memory",
		RateLimitMargin:  0.5,
		RateLimits:       map[string]config.RateLimitConfig{"general": {Requests: 10, Window: time.Minute}},
	}

	limiter, windows := buildLimiter(cfg, nil, nil, nil)
	require.NotNil(t, windows)
	assert.Same(t, windows, limiter.Store)
	assert.Equal(t, 5, limiter.Limit(engine.ClassGeneral).RequestsPerWindow)
}
