// Package config loads the bridge configuration from an optional YAML file,
// environment variables and built-in defaults, in that order of layering.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	units "github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrMissing is returned by Validate when required settings are absent.
var ErrMissing = errors.New("missing required configuration")

// Provider names accepted by SIGNAL_PROVIDER and SMTP_PROVIDER.
const (
	SignalProviderREST   = "rest"
	SignalProviderStdout = "stdout"

	RelayProviderSMTP   = "smtp"
	RelayProviderSES    = "ses"
	RelayProviderStdout = "stdout"
)

const redacted = "********"

// Config holds the complete application configuration. It is built once at
// startup and not modified afterwards.
//
// Environment names are derived from the field names: a section prefix and
// the split camel-case words, e.g. Signal.RestURL reads SIGNAL_REST_URL.
type Config struct {
	Listen ListenConfig `yaml:"listen" envconfig:"LISTEN"`
	TLS    TLSConfig    `yaml:"tls" envconfig:"TLS"`
	Signal SignalConfig `yaml:"signal" envconfig:"SIGNAL"`
	SMTP   SMTPConfig   `yaml:"smtp" envconfig:"SMTP"`
	SES    SESConfig    `yaml:"ses" envconfig:"SES"`
	Log    LogConfig    `yaml:"log" envconfig:"LOG"`

	// DeliveryTimeout bounds each messaging and relay call.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" split_words:"true"`

	// MetricsListen is the address of the ops HTTP endpoint; empty disables it.
	MetricsListen string `yaml:"metrics_listen" split_words:"true"`
}

// ListenConfig holds the inbound SMTP server configuration.
type ListenConfig struct {
	Addr           string   `yaml:"addr" split_words:"true"`
	Hostname       string   `yaml:"hostname" split_words:"true"`
	Username       string   `yaml:"username" split_words:"true"`
	Password       string   `yaml:"password" split_words:"true"`
	MaxMessageSize ByteSize `yaml:"max_message_size" split_words:"true"`
	MaxRecipients  int      `yaml:"max_recipients" split_words:"true"`
}

// TLSConfig holds TLS certificate file paths for inbound STARTTLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" split_words:"true"`
	KeyFile  string `yaml:"key_file" split_words:"true"`
}

// SignalConfig holds the messaging side of the bridge.
type SignalConfig struct {
	Provider       string `yaml:"provider" split_words:"true"`
	RestURL        string `yaml:"rest_url" split_words:"true"`
	RedirectDomain string `yaml:"redirect_domain" split_words:"true"`
	// SenderNumber is read from SENDER_NUMBER, without the SIGNAL_ prefix.
	SenderNumber          string        `yaml:"sender_number" envconfig:"SENDER_NUMBER"`
	RedirectContentFilter string        `yaml:"redirect_content_filter" split_words:"true"`
	Timeout               time.Duration `yaml:"timeout" split_words:"true"`
}

// SMTPConfig holds the upstream relay configuration.
type SMTPConfig struct {
	Provider      string        `yaml:"provider" split_words:"true"`
	Host          string        `yaml:"host" split_words:"true"`
	Port          int           `yaml:"port" split_words:"true"`
	User          string        `yaml:"user" split_words:"true"`
	Password      string        `yaml:"password" split_words:"true"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify" split_words:"true"`
	Timeout       time.Duration `yaml:"timeout" split_words:"true"`
}

// SESConfig holds AWS SES relay configuration. Empty credentials fall back to
// the default AWS credential chain.
type SESConfig struct {
	Region          string `yaml:"region" split_words:"true"`
	AccessKeyID     string `yaml:"access_key_id" split_words:"true"`
	SecretAccessKey string `yaml:"secret_access_key" split_words:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// Defaults returns the values used for every setting left unset.
func Defaults() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:           ":8025",
			Hostname:       "localhost",
			MaxMessageSize: 25 * units.MiB,
			MaxRecipients:  100,
		},
		Signal: SignalConfig{
			Provider: SignalProviderREST,
			Timeout:  30 * time.Second,
		},
		SMTP: SMTPConfig{
			Provider: RelayProviderSMTP,
			Port:     587,
			Timeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		DeliveryTimeout: 60 * time.Second,
	}
}

// Load builds the configuration. If path is non-empty the YAML file is read
// first; environment variables always take precedence over it, and defaults
// fill whatever is still unset. Load does not validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	return cfg, nil
}

// Validate checks that every required setting is present and that provider
// names are known. All missing keys are reported together.
func (c *Config) Validate() error {
	var missing []string

	if c.Signal.Provider == SignalProviderREST && c.Signal.RestURL == "" {
		missing = append(missing, "SIGNAL_REST_URL")
	}
	if c.Signal.RedirectDomain == "" {
		missing = append(missing, "SIGNAL_REDIRECT_DOMAIN")
	}
	if c.Signal.SenderNumber == "" {
		missing = append(missing, "SENDER_NUMBER")
	}

	// The relay settings may be empty but must be declared; an empty
	// SMTP_HOST disables the relay.
	if c.SMTP.Provider == RelayProviderSMTP {
		for key, value := range map[string]string{
			"SMTP_HOST":     c.SMTP.Host,
			"SMTP_USER":     c.SMTP.User,
			"SMTP_PASSWORD": c.SMTP.Password,
		} {
			if value != "" {
				continue
			}
			if _, ok := os.LookupEnv(key); !ok {
				missing = append(missing, key)
			}
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	if !slices.Contains([]string{SignalProviderREST, SignalProviderStdout}, c.Signal.Provider) {
		return fmt.Errorf("unknown SIGNAL_PROVIDER %q", c.Signal.Provider)
	}
	if !slices.Contains([]string{RelayProviderSMTP, RelayProviderSES, RelayProviderStdout}, c.SMTP.Provider) {
		return fmt.Errorf("unknown SMTP_PROVIDER %q", c.SMTP.Provider)
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	return nil
}

// AuthEnabled returns true if both inbound username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Listen.Username != "" && c.Listen.Password != ""
}

// Redacted returns a copy with every secret masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	for _, secret := range []*string{
		&out.Listen.Password,
		&out.SMTP.Password,
		&out.SES.SecretAccessKey,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	return &out
}

// ByteSize is a size in bytes that accepts human-readable values such as
// "25MB" or "512k" (binary multiples) as well as plain numbers.
type ByteSize int64

// Decode implements envconfig.Decoder.
func (b *ByteSize) Decode(value string) error {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value, err)
	}
	if n < 0 {
		return fmt.Errorf("invalid size %q: must not be negative", value)
	}
	*b = ByteSize(n)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	return b.Decode(node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}
