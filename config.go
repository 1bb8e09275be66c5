package appz

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the daemon configuration, read from <home>/appzd.yaml
type DaemonConfig struct {
	// Home is the daemon home directory; set from HomeDir when empty
	Home string `yaml:"-"`

	// Socket overrides the control socket path
	Socket string `yaml:"socket,omitempty"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"logLevel,omitempty"`

	// KillTimeout is the grace period used when a command gives none
	KillTimeout time.Duration `yaml:"killTimeout,omitempty"`

	// ExitGrace bounds the shutdown started by the exit command
	ExitGrace time.Duration `yaml:"exitGrace,omitempty"`

	// Concurrency limits fan-out for restart-all and resurrect
	Concurrency int `yaml:"concurrency,omitempty"`

	// Revive configures automatic replacement of crashed workers
	Revive ReviveConfig `yaml:"revive,omitempty"`

	// Journal configures the lifecycle event journal
	Journal JournalConfig `yaml:"journal,omitempty"`

	// HTTP configures the read-only status endpoint
	HTTP HTTPConfig `yaml:"http,omitempty"`
}

// ReviveConfig bounds crash revival. The zero value revives immediately
// and without limit.
type ReviveConfig struct {
	BackoffMin time.Duration `yaml:"backoffMin,omitempty"`
	BackoffMax time.Duration `yaml:"backoffMax,omitempty"`
	Limit      int           `yaml:"limit,omitempty"`
}

// JournalConfig configures the sqlite journal
type JournalConfig struct {
	Disabled  bool          `yaml:"disabled,omitempty"`
	Path      string        `yaml:"path,omitempty"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

// HTTPConfig configures the status endpoint; an empty Addr disables it
type HTTPConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// DefaultDaemonConfig returns the configuration used when no file exists
func DefaultDaemonConfig(home string) DaemonConfig {
	cfg := DaemonConfig{Home: home}
	cfg.applyDefaults()
	return cfg
}

// LoadDaemonConfig reads <home>/appzd.yaml if present and applies defaults
func LoadDaemonConfig(home string) (DaemonConfig, error) {
	cfg := DaemonConfig{Home: home}

	data, err := os.ReadFile(filepath.Join(home, DaemonConfigFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("reading daemon config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decoding %s: %w", DaemonConfigFile, err)
		}
		cfg.Home = home
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *DaemonConfig) applyDefaults() {
	if c.Socket == "" {
		c.Socket = SocketPath(c.Home)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.KillTimeout == 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.ExitGrace <= 0 {
		c.ExitGrace = DefaultExitGrace
	}
	if c.Concurrency < 1 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.Home, JournalFile)
	}
	if c.Revive.BackoffMin > 0 && c.Revive.BackoffMax < c.Revive.BackoffMin {
		c.Revive.BackoffMax = c.Revive.BackoffMin
	}
}

// Level parses LogLevel, defaulting to info
func (c DaemonConfig) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
