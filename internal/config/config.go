// Package config loads the taskpilot configuration from
// <home>/config.yaml with environment overrides for deployment-sensitive
// values (bind address, remote API keys, strict security mode).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskpilot/internal/otel"
)

// RemoteConfig configures the remote-control surface. The feature is
// enabled only when APIKeys resolves to a non-blank value.
type RemoteConfig struct {
	// APIKeys is a comma-separated list of valid keys. Multiple keys are
	// simultaneously valid to support zero-downtime rotation.
	// TASKPILOT_API_KEYS overrides this value.
	APIKeys string `yaml:"api_keys"`

	BindAddr string `yaml:"bind_addr"`

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// SecurityConfig controls command validation for agent processes.
type SecurityConfig struct {
	// StrictMode adds network validators (curl/wget upload blocking).
	// SECURITY_STRICT_MODE=true|1|yes overrides.
	StrictMode bool `yaml:"strict_mode"`
}

// AgentConfig holds defaults for agent task processes.
type AgentConfig struct {
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// TasksDir is the root directory holding per-task working directories
	// and plan files watched by the file watcher. Defaults to <home>/tasks.
	TasksDir string `yaml:"tasks_dir"`

	Remote   RemoteConfig   `yaml:"remote"`
	Security SecurityConfig `yaml:"security"`
	Agent    AgentConfig    `yaml:"agent"`
	Otel     otel.Config    `yaml:"otel"`
}

const defaultBindAddr = "127.0.0.1:8317"

// Default returns a Config with defaults applied for the given home dir.
func Default(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		LogLevel: "info",
		TasksDir: filepath.Join(homeDir, "tasks"),
		Remote:   RemoteConfig{BindAddr: defaultBindAddr},
		Agent:    AgentConfig{TaskTimeoutSeconds: 600},
	}
}

// Load reads <homeDir>/config.yaml, applies defaults and environment
// overrides. A missing config file is not an error.
func Load(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.HomeDir = homeDir
	if cfg.TasksDir == "" {
		cfg.TasksDir = filepath.Join(homeDir, "tasks")
	}
	if cfg.Remote.BindAddr == "" {
		cfg.Remote.BindAddr = defaultBindAddr
	}
	if cfg.Agent.TaskTimeoutSeconds <= 0 {
		cfg.Agent.TaskTimeoutSeconds = 600
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKPILOT_API_KEYS"); v != "" {
		cfg.Remote.APIKeys = v
	}
	if v := os.Getenv("TASKPILOT_BIND_ADDR"); v != "" {
		cfg.Remote.BindAddr = v
	}
	if v := os.Getenv("SECURITY_STRICT_MODE"); v != "" {
		cfg.Security.StrictMode = parseBool(v)
	}
	if v := os.Getenv("TASKPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// Fingerprint returns a short stable hash of the effective config,
// excluding secrets, for status reporting.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%v|%v|%d",
		c.LogLevel,
		c.TasksDir,
		c.Remote.BindAddr,
		c.Remote.AllowOrigins,
		c.Security.StrictMode,
		c.Agent.TaskTimeoutSeconds,
	)
	return fmt.Sprintf("%x", h.Sum64())
}
