// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the notification engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-notify-lite/internal/reporter"
	"github.com/shineum/smtp-notify-lite/internal/throttle"
	"github.com/shineum/smtp-notify-lite/internal/transport"
)

// Delivery backends.
const (
	BackendSMTP   = "smtp"
	BackendSES    = "ses"
	BackendGraph  = "graph"
	BackendStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig       `yaml:"smtp"`
	Anonymize  AnonymizeConfig  `yaml:"anonymize"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	SES        SESConfig        `yaml:"ses"`
	Graph      GraphConfig      `yaml:"graph"`
	Exceptions ExceptionsConfig `yaml:"exceptions"`
	Platform   PlatformConfig   `yaml:"platform"`
	Redis      RedisConfig      `yaml:"redis"`
	Sink       SinkConfig       `yaml:"sink"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SMTPConfig is the outbound SMTP server of the tenant.
type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Security       string `yaml:"security"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	SourceName     string `yaml:"source_name"`
	SourceAddress  string `yaml:"source_address"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	TLSSkipVerify  bool   `yaml:"tls_skip_verify"`
}

// AnonymizeConfig routes outgoing connections through a SOCKS5 proxy.
type AnonymizeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SocksHost string `yaml:"socks_host"`
	SocksPort int    `yaml:"socks_port"`
}

// DeliveryConfig selects the backend.
type DeliveryConfig struct {
	Backend string `yaml:"backend"`
	DryRun  bool   `yaml:"dry_run"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig is the Microsoft Graph application used by the graph backend.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// RecipientConfig is one exception report recipient. The public key is
// given inline or as a file path.
type RecipientConfig struct {
	Address       string `yaml:"address"`
	PublicKey     string `yaml:"public_key"`
	PublicKeyFile string `yaml:"public_key_file"`
}

// ExceptionsConfig controls exception reporting.
type ExceptionsConfig struct {
	DeliveryList     []RecipientConfig `yaml:"delivery_list"`
	HourlyLimit      int64             `yaml:"hourly_limit"`
	Reset            string            `yaml:"reset"`
	Disabled         bool              `yaml:"disabled"`
	DevelMode        bool              `yaml:"devel_mode"`
	DeveloperName    string            `yaml:"developer_name"`
	DeveloperAddress string            `yaml:"developer_address"`
	Product          string            `yaml:"product"`
}

// PlatformConfig identifies the platform in exception reports.
type PlatformConfig struct {
	Hostname string `yaml:"hostname"`
	Onion    string `yaml:"onion"`
}

// RedisConfig enables the shared suppression store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SinkConfig configures the local capture SMTP server.
type SinkConfig struct {
	Listen      string `yaml:"listen"`
	ImplicitTLS bool   `yaml:"implicit_tls"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Transport resolves the tenant transport configuration.
func (c *Config) Transport() (transport.Config, error) {
	security, err := transport.ParseSecurity(c.SMTP.Security)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		Host:           c.SMTP.Host,
		Port:           c.SMTP.Port,
		Security:       security,
		Username:       c.SMTP.Username,
		Password:       c.SMTP.Password,
		SourceName:     c.SMTP.SourceName,
		SourceAddress:  c.SMTP.SourceAddress,
		Anonymize:      c.Anonymize.Enabled,
		ProxyHost:      c.Anonymize.SocksHost,
		ProxyPort:      c.Anonymize.SocksPort,
		ConnectTimeout: time.Duration(c.SMTP.TimeoutSeconds) * time.Second,
		TLSSkipVerify:  c.SMTP.TLSSkipVerify,
	}, nil
}

// ResetPolicy parses the exception counter reset policy.
func (c *Config) ResetPolicy() (throttle.ResetPolicy, error) {
	return throttle.ParseResetPolicy(c.Exceptions.Reset)
}

// Recipients resolves the exception delivery list, reading key files.
func (c *Config) Recipients() ([]reporter.Recipient, error) {
	out := make([]reporter.Recipient, 0, len(c.Exceptions.DeliveryList))
	for _, r := range c.Exceptions.DeliveryList {
		key := r.PublicKey
		if key == "" && r.PublicKeyFile != "" {
			data, err := os.ReadFile(r.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read public key for %s: %w", r.Address, err)
			}
			key = string(data)
		}
		out = append(out, reporter.Recipient{Address: r.Address, PublicKey: key})
	}
	return out, nil
}

// ReporterSettings builds the exception reporting policy.
func (c *Config) ReporterSettings(version string) reporter.Settings {
	return reporter.Settings{
		HourlyLimit:      c.Exceptions.HourlyLimit,
		Disabled:         c.Exceptions.Disabled,
		DevelMode:        c.Exceptions.DevelMode,
		DeveloperName:    c.Exceptions.DeveloperName,
		DeveloperAddress: c.Exceptions.DeveloperAddress,
		Product:          c.Exceptions.Product,
		Identity: reporter.Identity{
			Hostname: c.Platform.Hostname,
			Onion:    c.Platform.Onion,
			Version:  version,
		},
	}
}

// RedisEnabled returns true if a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// Validate reports the first unusable setting. The SMTP server is only
// checked for the smtp backend.
func (c *Config) Validate() error {
	switch c.Delivery.Backend {
	case BackendSMTP:
		t, err := c.Transport()
		if err != nil {
			return err
		}
		if err := t.Validate(); err != nil {
			return err
		}
	case BackendSES:
		if c.SES.Region == "" {
			return fmt.Errorf("ses backend requires SES_REGION")
		}
	case BackendGraph:
		if c.Graph.TenantID == "" || c.Graph.ClientID == "" || c.Graph.ClientSecret == "" {
			return fmt.Errorf("graph backend requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET")
		}
		if c.Graph.Sender == "" && c.SMTP.SourceAddress == "" {
			return fmt.Errorf("graph backend requires GRAPH_SENDER or SMTP_SOURCE_ADDRESS")
		}
	case BackendStdout:
	default:
		return fmt.Errorf("unknown delivery backend %q", c.Delivery.Backend)
	}
	if c.Delivery.Backend == BackendSES || c.Delivery.Backend == BackendGraph {
		proxy := transport.Config{Anonymize: c.Anonymize.Enabled, ProxyHost: c.Anonymize.SocksHost, ProxyPort: c.Anonymize.SocksPort}
		if err := proxy.ValidateProxy(); err != nil {
			return err
		}
	}

	if _, err := c.ResetPolicy(); err != nil {
		return err
	}
	if c.Exceptions.HourlyLimit < 0 {
		return fmt.Errorf("invalid exception hourly limit: %d", c.Exceptions.HourlyLimit)
	}
	if c.Exceptions.DevelMode && c.Exceptions.DeveloperAddress == "" {
		return fmt.Errorf("devel mode requires DEVELOPER_ADDRESS")
	}
	for _, r := range c.Exceptions.DeliveryList {
		if strings.TrimSpace(r.Address) == "" {
			return fmt.Errorf("exception delivery list contains an empty address")
		}
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = 587
	c.SMTP.Security = string(transport.SecurityStartTLS)
	c.SMTP.TimeoutSeconds = 30
	c.Anonymize.SocksHost = "127.0.0.1"
	c.Anonymize.SocksPort = 9050
	c.Delivery.Backend = BackendSMTP
	c.Exceptions.HourlyLimit = 20
	c.Exceptions.Reset = string(throttle.ResetHourly)
	c.Exceptions.Product = reporter.DefaultProduct
	c.Sink.Listen = ":2525"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	var errs []string
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a number", name, v))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", name, v))
				return
			}
			*dst = b
		}
	}

	str("SMTP_HOST", &c.SMTP.Host)
	integer("SMTP_PORT", &c.SMTP.Port)
	str("SMTP_SECURITY", &c.SMTP.Security)
	str("SMTP_USERNAME", &c.SMTP.Username)
	str("SMTP_PASSWORD", &c.SMTP.Password)
	str("SMTP_SOURCE_NAME", &c.SMTP.SourceName)
	str("SMTP_SOURCE_ADDRESS", &c.SMTP.SourceAddress)
	integer("SMTP_TIMEOUT", &c.SMTP.TimeoutSeconds)
	boolean("SMTP_TLS_SKIP_VERIFY", &c.SMTP.TLSSkipVerify)

	boolean("ANONYMIZE_OUTGOING", &c.Anonymize.Enabled)
	str("SOCKS_HOST", &c.Anonymize.SocksHost)
	integer("SOCKS_PORT", &c.Anonymize.SocksPort)

	str("DELIVERY_BACKEND", &c.Delivery.Backend)
	c.Delivery.Backend = strings.ToLower(c.Delivery.Backend)
	boolean("DELIVERY_DRY_RUN", &c.Delivery.DryRun)

	str("SES_REGION", &c.SES.Region)
	str("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	str("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)

	str("GRAPH_TENANT_ID", &c.Graph.TenantID)
	str("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	str("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	str("GRAPH_SENDER", &c.Graph.Sender)

	if v := os.Getenv("EXCEPTION_DELIVERY_LIST"); v != "" {
		c.Exceptions.DeliveryList = ParseDeliveryList(v)
	}
	if v := os.Getenv("EXCEPTION_HOURLY_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("EXCEPTION_HOURLY_LIMIT: %q is not a number", v))
		} else {
			c.Exceptions.HourlyLimit = n
		}
	}
	str("EXCEPTION_RESET", &c.Exceptions.Reset)
	boolean("EXCEPTION_NOTIFICATION_DISABLED", &c.Exceptions.Disabled)
	boolean("DEVEL_MODE", &c.Exceptions.DevelMode)
	str("DEVELOPER_NAME", &c.Exceptions.DeveloperName)
	str("DEVELOPER_ADDRESS", &c.Exceptions.DeveloperAddress)

	str("PLATFORM_HOSTNAME", &c.Platform.Hostname)
	str("PLATFORM_ONION", &c.Platform.Onion)

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	str("SINK_LISTEN", &c.Sink.Listen)
	str("TLS_CERT_FILE", &c.Sink.CertFile)
	str("TLS_KEY_FILE", &c.Sink.KeyFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseDeliveryList parses a comma separated list of "address" or
// "address|keyfile" entries.
func ParseDeliveryList(s string) []RecipientConfig {
	var out []RecipientConfig
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		addr, keyFile, _ := strings.Cut(item, "|")
		out = append(out, RecipientConfig{
			Address:       strings.TrimSpace(addr),
			PublicKeyFile: strings.TrimSpace(keyFile),
		})
	}
	return out
}
