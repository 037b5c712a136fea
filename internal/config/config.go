// Package config loads bloom's runtime configuration from a YAML file and
// BLOOM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Workspace layout below the workspace root.
const (
	WorkspaceDir = ".bloom"
	ConfigFile   = "config.yaml"
	PluginFile   = "plugin.yaml"
	InboxDir     = "inbox"
	BadgerDir    = "badger"
	SQLiteFile   = "bloom.db"
)

// Config is the full runtime configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Decay   DecayConfig   `yaml:"decay"`
	Plugin  PluginConfig  `yaml:"plugin"`
	Inbox   InboxConfig   `yaml:"inbox"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig selects the snapshot backend.
type StorageConfig struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	PersistDelay time.Duration `yaml:"persistDelay"`
}

// DecayConfig configures the periodic decay sweep.
type DecayConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// PluginConfig points at the plugin definition.
type PluginConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// InboxConfig configures the signal inbox.
type InboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Pattern  string        `yaml:"pattern"`
	Debounce time.Duration `yaml:"debounce"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            7420,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend:      "badger",
			PersistDelay: time.Second,
		},
		Decay: DecayConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Plugin: PluginConfig{Watch: true},
		Inbox: InboxConfig{
			Enabled:  true,
			Pattern:  "**/*.json",
			Debounce: 500 * time.Millisecond,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the workspace configuration rooted at root (the directory
// that contains .bloom). A missing config file is not an error.
// Environment variables override file values, and empty paths are
// resolved inside the workspace.
func Load(root string) (*Config, error) {
	cfg := Default()
	ws := filepath.Join(root, WorkspaceDir)

	data, err := os.ReadFile(filepath.Join(ws, ConfigFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Resolve(ws)
	return cfg, cfg.Validate()
}

// Resolve fills empty paths with their defaults under ws.
func (c *Config) Resolve(ws string) {
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case "sqlite":
			c.Storage.Path = filepath.Join(ws, SQLiteFile)
		case "memory":
		default:
			c.Storage.Path = filepath.Join(ws, BadgerDir)
		}
	}
	if c.Plugin.Path == "" {
		c.Plugin.Path = filepath.Join(ws, PluginFile)
	}
	if c.Inbox.Dir == "" {
		c.Inbox.Dir = filepath.Join(ws, InboxDir)
	}
}

func (c *Config) applyEnv() error {
	c.Server.Host = getEnv("BLOOM_HOST", c.Server.Host)
	c.Storage.Backend = getEnv("BLOOM_STORAGE", c.Storage.Backend)
	c.Storage.Path = getEnv("BLOOM_STORAGE_PATH", c.Storage.Path)
	c.Plugin.Path = getEnv("BLOOM_PLUGIN", c.Plugin.Path)
	c.Inbox.Dir = getEnv("BLOOM_INBOX_DIR", c.Inbox.Dir)
	c.Log.Level = getEnv("BLOOM_LOG_LEVEL", c.Log.Level)
	c.Log.Development = getEnvBool("BLOOM_LOG_DEV", c.Log.Development)
	c.Decay.Enabled = getEnvBool("BLOOM_DECAY", c.Decay.Enabled)

	var err error
	if c.Server.Port, err = getEnvInt("BLOOM_PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Decay.Interval, err = getEnvDuration("BLOOM_DECAY_INTERVAL", c.Decay.Interval); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration for values the services cannot run
// with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Backend {
	case "badger", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of badger, sqlite, memory", c.Storage.Backend))
	}
	if c.Decay.Enabled && c.Decay.Interval <= 0 {
		errs = append(errs, errors.New("decay.interval must be positive"))
	}
	if c.Storage.PersistDelay < 0 {
		errs = append(errs, errors.New("storage.persistDelay must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
