// Package config loads the coordination core's configuration from
// environment variables via struct-tag driven parsing
// (caarlos0/env/v11) rather than hand-rolled os.Getenv/flag wiring.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/logging"
)

// Config holds every environment-configurable setting the coordination
// core names, plus the HTTP transport pooling knobs the upstream
// collaborator needs.
type Config struct {
	PromptURL            string `env:"OPENCODE_CODEX_PROMPT_URL"`
	EnableRequestLogging bool   `env:"ENABLE_PLUGIN_REQUEST_LOGGING" envDefault:"false"`
	Debug                bool   `env:"DEBUG_CODEX_PLUGIN" envDefault:"false"`
	LogLevel             string `env:"CODEX_PLUGIN_LOG_LEVEL" envDefault:"info"`
	ConsoleLog           bool   `env:"CODEX_CONSOLE_LOG" envDefault:"false"`

	// AppData and XDGDataHome are consulted for recovery-storage discovery
	// only (store.RecoveryPaths): read-only fallback locations app.New
	// checks when the resolved storage path has no file yet.
	AppData     string `env:"APPDATA"`
	XDGDataHome string `env:"XDG_DATA_HOME"`

	MaxConns            int           `env:"CODEX_ACCOUNTS_MAX_CONNS" envDefault:"100"`
	MaxIdleConnsPerHost int           `env:"CODEX_ACCOUNTS_MAX_IDLE_CONNS" envDefault:"50"`
	IdleConnTimeout     time.Duration `env:"CODEX_ACCOUNTS_IDLE_CONN_TIMEOUT" envDefault:"90s"`
	RequestTimeout      time.Duration `env:"CODEX_ACCOUNTS_REQUEST_TIMEOUT" envDefault:"2m"`

	RefreshThreshold time.Duration `env:"CODEX_ACCOUNTS_REFRESH_THRESHOLD" envDefault:"5m"`

	ProbeTimeout time.Duration `env:"CODEX_ACCOUNTS_PROBE_TIMEOUT" envDefault:"30s"`
	ProbeTopN    int           `env:"CODEX_ACCOUNTS_PROBE_TOP_N" envDefault:"3"`
}

// Load parses Config from the process environment, applying envDefault
// tags for anything unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogLevelParsed returns the configured log level, normalized via
// logging.ParseLevel (invalid ⇒ info). DEBUG_CODEX_PLUGIN=1 forces debug
// regardless of CODEX_PLUGIN_LOG_LEVEL, per spec §6.
func (c *Config) LogLevelParsed() logging.Level {
	if c.Debug {
		return logging.LevelDebug
	}
	return logging.ParseLevel(c.LogLevel)
}
