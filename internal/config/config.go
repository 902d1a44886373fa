// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultMailcoachTimeout bounds a single API call.
const defaultMailcoachTimeout = 30 * time.Second

// Provider names accepted in the provider setting.
const (
	ProviderMailcoach = "mailcoach"
	ProviderSES       = "ses"
	ProviderStdout    = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the delivery backend. Empty means auto-detect.
	Provider  string          `yaml:"provider"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Mailcoach MailcoachConfig `yaml:"mailcoach"`
	SES       SESConfig       `yaml:"ses"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// MailcoachConfig holds the transactional-mail API settings.
type MailcoachConfig struct {
	Token   string            `yaml:"token"`
	Host    string            `yaml:"host"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration. Sentry reporting is enabled
// by a DSN.
type LoggingConfig struct {
	Level             string `yaml:"level"`
	SentryDSN         string `yaml:"sentry_dsn"`
	SentryEnvironment string `yaml:"sentry_environment"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables.
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

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks values that would only fail later at runtime.
func (c *Config) Validate() error {
	switch c.Provider {
	case "", ProviderMailcoach, ProviderSES, ProviderStdout:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.SMTP.MaxMessageSize <= 0 {
		return fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize)
	}
	if c.Mailcoach.Timeout <= 0 {
		return fmt.Errorf("mailcoach.timeout must be positive, got %s", c.Mailcoach.Timeout)
	}
	return nil
}

// ResolveProvider returns the configured provider, or picks one from the
// available credentials: Mailcoach, then SES, then stdout.
func (c *Config) ResolveProvider() string {
	switch {
	case c.Provider != "":
		return c.Provider
	case c.MailcoachConfigured():
		return ProviderMailcoach
	case c.SESConfigured():
		return ProviderSES
	default:
		return ProviderStdout
	}
}

// MailcoachConfigured returns true if an API token is set. The host may be
// supplied later.
func (c *Config) MailcoachConfigured() bool {
	return c.Mailcoach.Token != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Mailcoach.Timeout = defaultMailcoachTimeout
	c.Logging.Level = "info"
	c.Logging.SentryEnvironment = "production"
	c.Telemetry.ServiceName = "mailcoach-relay"
}

// applyEnvVars overrides configuration with non-empty environment variables.
func (c *Config) applyEnvVars() error {
	setString(&c.Provider, "PROVIDER")

	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SMTP_MAX_MESSAGE_SIZE: %w", err)
		}
		c.SMTP.MaxMessageSize = size
	}

	setString(&c.Mailcoach.Token, "MAILCOACH_TOKEN")
	setString(&c.Mailcoach.Host, "MAILCOACH_HOST")
	if v := os.Getenv("MAILCOACH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid MAILCOACH_TIMEOUT: %w", err)
		}
		c.Mailcoach.Timeout = d
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	setString(&c.Logging.SentryDSN, "SENTRY_DSN")
	setString(&c.Logging.SentryEnvironment, "SENTRY_ENVIRONMENT")

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TRACING_ENABLED: %w", err)
		}
		c.Telemetry.Tracing = enabled
	}
	setString(&c.Telemetry.ServiceName, "OTEL_SERVICE_NAME")

	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
