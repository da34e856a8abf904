// Package config loads maestro configuration from TOML files, merging
// project-level settings over global ones over built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// PathsConfig holds path configuration.
type PathsConfig struct {
	StoreDir      string `toml:"store_dir"`      // workflow/audit/mapping persistence
	WorkspaceRoot string `toml:"workspace_root"` // root that completion globs must resolve inside
	LedgerFile    string `toml:"ledger_file"`    // idempotency ledger persistence
}

// EngineConfig holds engine tunables.
type EngineConfig struct {
	MaxGotoIterations  int     `toml:"max_goto_iterations"` // hard safety limit for loop re-entries
	DefaultBackoffBase float64 `toml:"default_backoff_base"`
	DefaultMaxRetries  int     `toml:"default_max_retries"`
}

// LedgerConfig holds idempotency ledger settings.
type LedgerConfig struct {
	MaxEntries int `toml:"max_entries"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct for maestro.
type Config struct {
	Version string        `toml:"version"`
	Paths   PathsConfig   `toml:"paths"`
	Engine  EngineConfig  `toml:"engine"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			StoreDir:      ".maestro/state",
			WorkspaceRoot: ".",
			LedgerFile:    ".maestro/state/ledger.json",
		},
		Engine: EngineConfig{
			MaxGotoIterations:  10,
			DefaultBackoffBase: 60,
			DefaultMaxRetries:  3,
		},
		Ledger: LedgerConfig{
			MaxEntries: 1000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
	}
}

// Load loads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a
// directory. Applies in order: defaults -> ~/.maestro/config.toml ->
// <dir>/.maestro/config.toml. Later configs override earlier ones.
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".maestro", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".maestro", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if c.Paths.StoreDir == "" {
		return fmt.Errorf("store_dir is required")
	}
	if c.Engine.MaxGotoIterations < 1 {
		return fmt.Errorf("max_goto_iterations must be positive")
	}
	if c.Engine.DefaultBackoffBase < 0 {
		return fmt.Errorf("default_backoff_base must be >= 0")
	}
	if c.Ledger.MaxEntries < 1 {
		return fmt.Errorf("ledger max_entries must be positive")
	}
	return nil
}

// StoreDir returns the absolute store directory path.
func (c *Config) StoreDir(baseDir string) string {
	if filepath.IsAbs(c.Paths.StoreDir) {
		return c.Paths.StoreDir
	}
	return filepath.Join(baseDir, c.Paths.StoreDir)
}

// LedgerFile returns the absolute ledger file path.
func (c *Config) LedgerFile(baseDir string) string {
	if filepath.IsAbs(c.Paths.LedgerFile) {
		return c.Paths.LedgerFile
	}
	return filepath.Join(baseDir, c.Paths.LedgerFile)
}

// WorkspaceRoot returns the absolute workspace root path.
func (c *Config) WorkspaceRoot(baseDir string) string {
	if filepath.IsAbs(c.Paths.WorkspaceRoot) {
		return c.Paths.WorkspaceRoot
	}
	return filepath.Join(baseDir, c.Paths.WorkspaceRoot)
}
