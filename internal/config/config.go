// ABOUTME: Configuration loading and parsing for the session core.
// ABOUTME: YAML with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig identifies the external agent CLI and its defaults.
type AgentConfig struct {
	// Binary is the agent executable. Defaults to "claude" on PATH.
	Binary string `yaml:"binary"`
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string `yaml:"extra_args"`
	// Model and PermissionMode seed each new session's config.
	Model          string `yaml:"model"`
	PermissionMode string `yaml:"permission_mode"`
}

// SessionConfig holds turn-control timing.
type SessionConfig struct {
	InterruptTimeout time.Duration `yaml:"-"`
	PollInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InterruptTimeoutRaw string `yaml:"interrupt_timeout"`
	PollIntervalRaw     string `yaml:"poll_interval"`
}

// DatabaseConfig holds the session metadata database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{Binary: "claude"},
	}
}

// Load reads a configuration file from the given path. Environment
// variables in the format ${VAR_NAME} are expanded, and duration strings
// are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment variable
// values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that required fields are present and valid.
func (c *Config) Validate() error {
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Session.InterruptTimeoutRaw != "" {
		cfg.Session.InterruptTimeout, err = time.ParseDuration(cfg.Session.InterruptTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing interrupt_timeout %q: %w", cfg.Session.InterruptTimeoutRaw, err)
		}
	}

	if cfg.Session.PollIntervalRaw != "" {
		cfg.Session.PollInterval, err = time.ParseDuration(cfg.Session.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Session.PollIntervalRaw, err)
		}
	}

	return nil
}
