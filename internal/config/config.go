// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Backends selectable with Provider.
const (
	ProviderGraph = "graph"
	ProviderSES   = "ses"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Graph    GraphConfig    `yaml:"graph"`
	SES      SESConfig      `yaml:"ses"`
	TLS      TLSConfig      `yaml:"tls"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxRecipients  int    `yaml:"max_recipients"`
}

// GraphConfig holds Microsoft Graph configuration. Cloud selects the
// sovereign environment; anything other than "Public" means the US
// Government cloud.
type GraphConfig struct {
	Cloud           string `yaml:"cloud"`
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	Sender          string `yaml:"sender"`
	SaveToSentItems bool   `yaml:"save_to_sent_items"`
}

// SESConfig holds AWS SES configuration. Without static keys the default
// AWS credential chain is used.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	Endpoint        string `yaml:"endpoint"`
}

// TLSConfig controls STARTTLS. With no files a self-signed certificate is
// generated for SMTP.Hostname.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DispatchConfig holds the retry and concurrency policy.
type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`
}

// MetricsConfig holds the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
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

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Sender returns the relay identity address of the selected backend.
func (c *Config) Sender() string {
	if c.Provider == ProviderSES {
		return c.SES.Sender
	}
	return c.Graph.Sender
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// Validate reports every inconsistency in the configuration. The returned
// error is a *relay.Error of KindConfigInconsistency.
func (c *Config) Validate() error {
	var errs []error
	missing := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	switch c.Provider {
	case ProviderGraph:
		missing("graph.tenant_id", c.Graph.TenantID)
		missing("graph.client_id", c.Graph.ClientID)
		missing("graph.client_secret", c.Graph.ClientSecret)
		missing("graph.sender", c.Graph.Sender)
	case ProviderSES:
		missing("ses.region", c.SES.Region)
		missing("ses.sender", c.SES.Sender)
		if (c.SES.AccessKeyID == "") != (c.SES.SecretAccessKey == "") {
			errs = append(errs, errors.New("ses.access_key_id and ses.secret_access_key must be set together"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q (want %q or %q)", c.Provider, ProviderGraph, ProviderSES))
	}

	if sender := c.Sender(); sender != "" && !strings.Contains(sender, "@") {
		errs = append(errs, fmt.Errorf("sender %q is not an email address", sender))
	}

	missing("smtp.listen", c.SMTP.Listen)
	if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
		errs = append(errs, errors.New("smtp.username and smtp.password must be set together"))
	}
	if c.SMTP.MaxMessageSize < 0 {
		errs = append(errs, errors.New("smtp.max_message_size must not be negative"))
	}
	if c.SMTP.MaxRecipients < 0 {
		errs = append(errs, errors.New("smtp.max_recipients must not be negative"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	d := c.Dispatch
	if d.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1"))
	}
	if d.BaseDelay <= 0 || d.MaxDelay < d.BaseDelay {
		errs = append(errs, errors.New("dispatch delays must satisfy 0 < base_delay <= max_delay"))
	}
	if d.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.attempt_timeout must be positive"))
	}
	if d.MaxConcurrent < 1 {
		errs = append(errs, errors.New("dispatch.max_concurrent must be at least 1"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}

	if len(errs) == 0 {
		return nil
	}
	return relay.E(relay.KindConfigInconsistency, "config.Validate", "invalid configuration", errors.Join(errs...))
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Provider = ProviderGraph
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.TLS.Enabled = true
	c.Dispatch = DispatchConfig{
		MaxAttempts:    4,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 60 * time.Second,
		MaxConcurrent:  16,
	}
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; a
// malformed number, duration or boolean is an error.
func (c *Config) applyEnvVars() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, set func(int64)) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			set(n)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("PROVIDER", &c.Provider)
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))

	str("SMTP_LISTEN", &c.SMTP.Listen)
	str("SMTP_HOSTNAME", &c.SMTP.Hostname)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	num("SMTP_MAX_MESSAGE_SIZE", func(n int64) { c.SMTP.MaxMessageSize = n })
	num("SMTP_MAX_RECIPIENTS", func(n int64) { c.SMTP.MaxRecipients = int(n) })

	str("GRAPH_CLOUD", &c.Graph.Cloud)
	str("GRAPH_TENANT_ID", &c.Graph.TenantID)
	str("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	str("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	str("GRAPH_SENDER", &c.Graph.Sender)
	boolean("GRAPH_SAVE_TO_SENT_ITEMS", &c.Graph.SaveToSentItems)

	str("SES_REGION", &c.SES.Region)
	str("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	str("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	str("SES_SENDER", &c.SES.Sender)
	str("SES_ENDPOINT", &c.SES.Endpoint)

	boolean("TLS_ENABLED", &c.TLS.Enabled)
	str("TLS_CERT_FILE", &c.TLS.CertFile)
	str("TLS_KEY_FILE", &c.TLS.KeyFile)

	num("DISPATCH_MAX_ATTEMPTS", func(n int64) { c.Dispatch.MaxAttempts = int(n) })
	dur("DISPATCH_BASE_DELAY", &c.Dispatch.BaseDelay)
	dur("DISPATCH_MAX_DELAY", &c.Dispatch.MaxDelay)
	dur("DISPATCH_ATTEMPT_TIMEOUT", &c.Dispatch.AttemptTimeout)
	num("DISPATCH_MAX_CONCURRENT", func(n int64) { c.Dispatch.MaxConcurrent = n })

	str("METRICS_LISTEN", &c.Metrics.Listen)

	str("LOG_LEVEL", &c.Logging.Level)
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	if len(errs) > 0 {
		return relay.E(relay.KindConfigInconsistency, "config.env", "invalid environment", errors.Join(errs...))
	}
	return nil
}
