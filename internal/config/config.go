package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/wingterm/internal/ws"
)

// Defaults.
const (
	DefaultHost              = "localhost"
	DefaultPort              = 8787
	DefaultSubprotocolPrefix = "wingterm.bearer."
	DefaultCols              = 80
	DefaultRows              = 24
	DefaultScrollback        = 10000
	DefaultCheckTimeout      = 10 * time.Second
)

// Config represents the application configuration
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Auth     AuthConfig     `yaml:"auth"`
	Terminal TerminalConfig `yaml:"terminal"`
	Logging  LoggingConfig  `yaml:"logging"`
	History  HistoryConfig  `yaml:"history"`
}

type RelayConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"` // 0 = scheme default
	Secure            bool          `yaml:"secure"`
	SubprotocolPrefix string        `yaml:"subprotocol_prefix"`
	CheckTimeout      time.Duration `yaml:"check_timeout"`
}

type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

type TerminalConfig struct {
	Cols       int `yaml:"cols"`
	Rows       int `yaml:"rows"`
	Scrollback int `yaml:"scrollback"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type HistoryConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// Default returns a configuration for a local development relay.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			SubprotocolPrefix: DefaultSubprotocolPrefix,
			CheckTimeout:      DefaultCheckTimeout,
		},
		Terminal: TerminalConfig{
			Cols:       DefaultCols,
			Rows:       DefaultRows,
			Scrollback: DefaultScrollback,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file on top of the defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Override with environment variables if present
func (c *Config) applyEnv() error {
	if host := os.Getenv("WINGTERM_RELAY_HOST"); host != "" {
		c.Relay.Host = host
	}
	if port := os.Getenv("WINGTERM_RELAY_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("WINGTERM_RELAY_PORT: %w", err)
		}
		c.Relay.Port = n
	}
	if secure := os.Getenv("WINGTERM_RELAY_SECURE"); secure != "" {
		b, err := strconv.ParseBool(secure)
		if err != nil {
			return fmt.Errorf("WINGTERM_RELAY_SECURE: %w", err)
		}
		c.Relay.Secure = b
	}
	if token := os.Getenv("WINGTERM_TOKEN"); token != "" {
		c.Auth.Token = token
	}
	if level := os.Getenv("WINGTERM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

// fillDefaults restores defaults a config file zeroed out.
func (c *Config) fillDefaults() {
	if c.Relay.SubprotocolPrefix == "" {
		c.Relay.SubprotocolPrefix = DefaultSubprotocolPrefix
	}
	if c.Relay.CheckTimeout <= 0 {
		c.Relay.CheckTimeout = DefaultCheckTimeout
	}
	if c.Terminal.Cols <= 0 {
		c.Terminal.Cols = DefaultCols
	}
	if c.Terminal.Rows <= 0 {
		c.Terminal.Rows = DefaultRows
	}
	if c.Terminal.Scrollback <= 0 {
		c.Terminal.Scrollback = DefaultScrollback
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Relay.Host == "" {
		return fmt.Errorf("relay.host is required")
	}
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port must be between 0 and 65535")
	}
	if c.Relay.SubprotocolPrefix == "" {
		return fmt.Errorf("relay.subprotocol_prefix is required")
	}
	return nil
}

// RelayTarget derives the immutable relay location for a session.
func (c *Config) RelayTarget() ws.RelayConfig {
	return ws.NewRelayConfig(c.Relay.Host, uint16(c.Relay.Port), c.Relay.Secure)
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
