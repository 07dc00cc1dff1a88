package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/livinlefevreloca/perfqueue/internal/db"
	"github.com/livinlefevreloca/perfqueue/internal/notify"
	"github.com/livinlefevreloca/perfqueue/internal/push"
	"github.com/livinlefevreloca/perfqueue/internal/queue"
	"github.com/livinlefevreloca/perfqueue/internal/runner"
	"github.com/livinlefevreloca/perfqueue/internal/trigger"
)

// Config represents the application configuration
type Config struct {
	Database db.Config      `toml:"database"`
	Queue    queue.Config   `toml:"queue"`
	Notify   notify.Config  `toml:"notify"`
	Runner   runner.Config  `toml:"runner"`
	Push     push.Config    `toml:"push"`
	Trigger  trigger.Config `toml:"trigger"`
	HTTP     HTTPConfig     `toml:"http"`
	Logging  LoggingConfig  `toml:"logging"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// ListenAddr returns the host:port the API server binds to
func (c HTTPConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		Queue:    queue.DefaultConfig(),
		Notify:   notify.DefaultConfig(),
		Runner:   runner.DefaultConfig(),
		Push:     push.DefaultConfig(),
		Trigger:  trigger.DefaultConfig(),
		HTTP: HTTPConfig{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database busy_timeout must not be negative")
	}

	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.Notify.Validate(); err != nil {
		return err
	}
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	if err := c.Push.Validate(); err != nil {
		return err
	}
	if err := c.Trigger.Validate(); err != nil {
		return err
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
