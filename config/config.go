// Package config loads the daemon configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for "10s"-style strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon configuration. All fields have working defaults; an
// absent config file is not an error.
type Config struct {
	// ScriptRoot is the directory scanned recursively for executable
	// sensor scripts. Created if absent.
	ScriptRoot string `yaml:"script_root"`

	// PollInterval is the period of the value-poll tick.
	PollInterval Duration `yaml:"poll_interval"`

	// StartTimeout bounds the per-script wait for schema discovery at
	// startup and after a rescan.
	StartTimeout Duration `yaml:"start_timeout"`

	// GracePeriod is the SIGTERM-to-SIGKILL delay when a script is
	// terminated or restarted.
	GracePeriod Duration `yaml:"grace_period"`

	// ScannerBuffer is the maximum reply line size in bytes.
	ScannerBuffer int `yaml:"scanner_buffer"`

	// MetricsListen is the address of the Prometheus metrics endpoint.
	// Empty disables the endpoint.
	MetricsListen string `yaml:"metrics_listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		ScriptRoot:    filepath.Join(home, ".local", "share", "ksystemstats-scripts"),
		PollInterval:  Duration(2 * time.Second),
		StartTimeout:  Duration(30 * time.Second),
		GracePeriod:   Duration(5 * time.Second),
		ScannerBuffer: 1 << 20,
		MetricsListen: "",
		LogLevel:      "info",
	}
}

// Load reads the YAML file at path over the defaults. A missing file yields
// the defaults; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks field values for consistency.
func (c *Config) Validate() error {
	if c.ScriptRoot == "" {
		return errors.New("config: script_root must not be empty")
	}
	if c.PollInterval <= 0 {
		return errors.New("config: poll_interval must be positive")
	}
	if c.StartTimeout <= 0 {
		return errors.New("config: start_timeout must be positive")
	}
	if c.GracePeriod <= 0 {
		return errors.New("config: grace_period must be positive")
	}
	if c.ScannerBuffer <= 0 {
		return errors.New("config: scanner_buffer must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level. Validate catches unknown values;
// anything else falls back to Info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
