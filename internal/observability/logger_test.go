package observability

import (
	"testing"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func swapLoggers(t *testing.T) {
	t.Helper()
	cli, server := CLILogger, ServerLogger
	t.Cleanup(func() {
		CLILogger, ServerLogger = cli, server
	})
	CLILogger, ServerLogger = nil, nil
}

func TestResolvePrefersExplicitLogger(t *testing.T) {
	swapLoggers(t)
	InitServerLogger("florasync-test", "info")

	explicit, err := logging.NewCLI("explicit")
	require.NoError(t, err)

	assert.Same(t, explicit, Resolve(explicit))
	assert.Same(t, ServerLogger, Resolve(nil))
}

func TestResolveFallsBackToCLILogger(t *testing.T) {
	swapLoggers(t)
	InitCLILogger("florasync-test", true)

	assert.Same(t, CLILogger, Resolve(nil))
}

func TestResolveCreatesFallbackLogger(t *testing.T) {
	swapLoggers(t)

	first := Resolve(nil)
	require.NotNil(t, first)
	assert.Same(t, first, Resolve(nil))
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"trace":   "TRACE",
		"debug":   "DEBUG",
		"info":    "INFO",
		"warning": "WARN",
		"warn":    "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"loud":    "INFO",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}
