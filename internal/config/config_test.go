package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/config"
	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENCODE_CODEX_PROMPT_URL", "ENABLE_PLUGIN_REQUEST_LOGGING", "DEBUG_CODEX_PLUGIN",
		"CODEX_PLUGIN_LOG_LEVEL", "CODEX_CONSOLE_LOG", "APPDATA", "XDG_DATA_HOME",
		"CODEX_ACCOUNTS_MAX_CONNS", "CODEX_ACCOUNTS_MAX_IDLE_CONNS", "CODEX_ACCOUNTS_IDLE_CONN_TIMEOUT",
		"CODEX_ACCOUNTS_REQUEST_TIMEOUT", "CODEX_ACCOUNTS_REFRESH_THRESHOLD",
		"CODEX_ACCOUNTS_PROBE_TIMEOUT", "CODEX_ACCOUNTS_PROBE_TOP_N",
	} {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Debug)
	assert.Equal(t, 100, cfg.MaxConns)
	assert.Equal(t, 50, cfg.MaxIdleConnsPerHost)
	assert.Equal(t, 90*time.Second, cfg.IdleConnTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.RefreshThreshold)
	assert.Equal(t, 30*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 3, cfg.ProbeTopN)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CODEX_PLUGIN_LOG_LEVEL", "debug")
	t.Setenv("CODEX_ACCOUNTS_MAX_CONNS", "10")
	t.Setenv("CODEX_ACCOUNTS_PROBE_TOP_N", "5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Equal(t, 5, cfg.ProbeTopN)
}

func TestLogLevelParsedDefaultsToInfoOnGarbage(t *testing.T) {
	clearEnv(t)
	t.Setenv("CODEX_PLUGIN_LOG_LEVEL", "not-a-level")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelInfo, cfg.LogLevelParsed())
}

func TestLogLevelParsedDebugEnvForcesDebugRegardlessOfLogLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEBUG_CODEX_PLUGIN", "true")
	t.Setenv("CODEX_PLUGIN_LOG_LEVEL", "error")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, logging.LevelDebug, cfg.LogLevelParsed())
}
