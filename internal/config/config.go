// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail relay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultEnvFile is loaded by LoadDotEnv when no path is given.
const DefaultEnvFile = ".env"

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Relay       RelayConfig       `yaml:"relay"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the HTTP listener and channel settings.
type ServerConfig struct {
	Listen     string `yaml:"listen" validate:"required"`
	SocketPath string `yaml:"socket_path" validate:"required,startswith=/"`
	// TokenSecret enables HS256 bearer tokens on the channel upgrade.
	TokenSecret string `yaml:"token_secret"`
}

// CredentialsConfig locates the encrypted relay credentials file.
type CredentialsConfig struct {
	File string `yaml:"file" validate:"required"`
}

// RelayConfig selects and tunes the outbound relay session. A zero Timeout
// keeps the default; a negative one disables it.
type RelayConfig struct {
	Transport          string        `yaml:"transport" validate:"oneof=smtp ses stdout"`
	TLSPolicy          string        `yaml:"tls_policy" validate:"oneof=opportunistic mandatory none"`
	Auth               string        `yaml:"auth" validate:"oneof=plain login"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	SESEndpoint        string        `yaml:"ses_endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

var validate = validator.New()

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a dotenv file into the process
// environment without overriding variables that are already set. With an
// empty path DefaultEnvFile is used and a missing file is not an error.
func LoadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// TokenAuthEnabled returns true if channel connections must carry a token.
func (c *Config) TokenAuthEnabled() bool {
	return c.Server.TokenSecret != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Listen = ":61337"
	c.Server.SocketPath = "/socket"
	c.Credentials.File = "mail.config.json"
	c.Relay.Transport = "smtp"
	c.Relay.TLSPolicy = "opportunistic"
	c.Relay.Auth = "plain"
	c.Relay.Timeout = 30 * time.Second
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Listen = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("SOCKET_PATH"); v != "" {
		c.Server.SocketPath = v
	}
	if v := os.Getenv("CHANNEL_TOKEN_SECRET"); v != "" {
		c.Server.TokenSecret = v
	}

	if v := os.Getenv("CREDENTIALS_FILE"); v != "" {
		c.Credentials.File = v
	}

	if v := os.Getenv("RELAY_TRANSPORT"); v != "" {
		c.Relay.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_TLS_POLICY"); v != "" {
		c.Relay.TLSPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_AUTH"); v != "" {
		c.Relay.Auth = strings.ToLower(v)
	}
	if v := os.Getenv("RELAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Relay.Timeout = d
		}
	}
	if v := os.Getenv("RELAY_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.InsecureSkipVerify = b
		}
	}
	if v := os.Getenv("RELAY_SES_ENDPOINT"); v != "" {
		c.Relay.SESEndpoint = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_DEVELOPMENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.Development = b
		}
	}
}
