// Package config loads bankfeed configuration from a YAML file, BANKFEED_ environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/Veraticus/bankfeed/internal/reconcile"
	"github.com/Veraticus/bankfeed/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BANKFEED_DATABASE_PATH.
const EnvPrefix = "BANKFEED"

// Secret sources.
const (
	SecretSourceEnv = "env"
	SecretSourceAWS = "aws"
)

// Config is the full application configuration.
type Config struct {
	Database       DatabaseConfig       `mapstructure:"database"`
	Encryption     EncryptionConfig     `mapstructure:"encryption"`
	Providers      ProvidersConfig      `mapstructure:"providers"`
	Webhooks       WebhooksConfig       `mapstructure:"webhooks"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Server         ServerConfig         `mapstructure:"server"`
	AWS            AWSConfig            `mapstructure:"aws"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Sync           SyncConfig           `mapstructure:"sync"`
	UserID         string               `mapstructure:"user_id"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EncryptionConfig selects where the master secret comes from.
type EncryptionConfig struct {
	Secret       string `mapstructure:"secret"`
	SecretSource string `mapstructure:"secret_source"`
	AWSSecretID  string `mapstructure:"aws_secret_id"`
}

// ProvidersConfig holds one section per aggregator.
type ProvidersConfig struct {
	Plaid     PlaidConfig     `mapstructure:"plaid"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	SimpleFIN SimpleFINConfig `mapstructure:"simplefin"`
}

// PlaidConfig configures the Plaid adapter.
type PlaidConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	Secret        string        `mapstructure:"secret"`
	Environment   string        `mapstructure:"environment"`
	ClientName    string        `mapstructure:"client_name"`
	CountryCodes  []string      `mapstructure:"country_codes"`
	WebhookMaxAge time.Duration `mapstructure:"webhook_max_age"`
	Enabled       bool          `mapstructure:"enabled"`
}

// BridgeConfig configures the Bridge adapter.
type BridgeConfig struct {
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	BaseURL       string `mapstructure:"base_url"`
	Version       string `mapstructure:"version"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	CountryCode   string `mapstructure:"country_code"`
	Enabled       bool   `mapstructure:"enabled"`
}

// SimpleFINConfig configures the SimpleFIN adapter.
type SimpleFINConfig struct {
	BridgeURL string `mapstructure:"bridge_url"`
	Enabled   bool   `mapstructure:"enabled"`
}

// RetryConfig mirrors webhook.RetryPolicy.
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// WebhooksConfig configures the ingestion pipeline.
type WebhooksConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	Events         []string          `mapstructure:"events"`
	Secrets        map[string]string `mapstructure:"secrets"`
	Retry          RetryConfig       `mapstructure:"retry"`
	QueueSize      int               `mapstructure:"queue_size"`
	IdempotencyTTL time.Duration     `mapstructure:"idempotency_ttl"`
}

// ReconciliationConfig tunes the matching engine. AmountTolerance is a decimal string.
type ReconciliationConfig struct {
	AmountTolerance     string  `mapstructure:"amount_tolerance"`
	LedgerPath          string  `mapstructure:"ledger_path"`
	DateWindow          int     `mapstructure:"date_window"`
	MinConfidence       float64 `mapstructure:"min_confidence"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	AutoMatchThreshold  float64 `mapstructure:"auto_match_threshold"`
}

// ServerConfig configures the webhook HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// CertDir holds the self-signed certificate used when TLS is on.
	CertDir  string   `mapstructure:"cert_dir"`
	TLSHosts []string `mapstructure:"tls_hosts"`
	TLS      bool     `mapstructure:"tls"`
}

// AWSConfig configures the AWS integrations.
type AWSConfig struct {
	Region            string        `mapstructure:"region"`
	FailedEventsTable string        `mapstructure:"failed_events_table"`
	FailedEventsTTL   time.Duration `mapstructure:"failed_events_ttl"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SyncConfig bounds window-based syncs.
type SyncConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("user_id", "default")
	v.SetDefault("database.path", filepath.Join(home, ".local", "share", "bankfeed", "bankfeed.db"))

	v.SetDefault("encryption.secret", "")
	v.SetDefault("encryption.secret_source", SecretSourceEnv)
	v.SetDefault("encryption.aws_secret_id", "")

	v.SetDefault("providers.plaid.enabled", false)
	v.SetDefault("providers.plaid.client_id", "")
	v.SetDefault("providers.plaid.secret", "")
	v.SetDefault("providers.plaid.environment", "sandbox")
	v.SetDefault("providers.plaid.client_name", "bankfeed")
	v.SetDefault("providers.plaid.country_codes", []string{"US"})
	v.SetDefault("providers.plaid.webhook_max_age", 5*time.Minute)

	v.SetDefault("providers.bridge.enabled", false)
	v.SetDefault("providers.bridge.client_id", "")
	v.SetDefault("providers.bridge.client_secret", "")
	v.SetDefault("providers.bridge.base_url", "")
	v.SetDefault("providers.bridge.version", "")
	v.SetDefault("providers.bridge.webhook_secret", "")
	v.SetDefault("providers.bridge.country_code", "FR")

	v.SetDefault("providers.simplefin.enabled", false)
	v.SetDefault("providers.simplefin.bridge_url", "")

	v.SetDefault("webhooks.base_url", "")
	v.SetDefault("webhooks.events", []string{})
	v.SetDefault("webhooks.queue_size", 256)
	v.SetDefault("webhooks.idempotency_ttl", time.Hour)
	v.SetDefault("webhooks.retry.max_retries", 3)
	v.SetDefault("webhooks.retry.initial_delay", time.Second)
	v.SetDefault("webhooks.retry.backoff_multiplier", 2.0)

	v.SetDefault("reconciliation.amount_tolerance", "0.01")
	v.SetDefault("reconciliation.date_window", 7)
	v.SetDefault("reconciliation.min_confidence", 0.3)
	v.SetDefault("reconciliation.similarity_threshold", 0.8)
	v.SetDefault("reconciliation.auto_match_threshold", 0.0)
	v.SetDefault("reconciliation.ledger_path", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls", false)
	v.SetDefault("server.cert_dir", "~/.config/bankfeed/certs")
	v.SetDefault("server.tls_hosts", []string{})

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.failed_events_table", "")
	v.SetDefault("aws.failed_events_ttl", 30*24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("sync.window", 90*24*time.Hour)
}

// BindEnv enables BANKFEED_ overrides with dots mapped to underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadDotEnv loads .env files into the process environment. Missing files are skipped;
// variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(ExpandPath(p)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Reconciliation.LedgerPath = ExpandPath(cfg.Reconciliation.LedgerPath)
	cfg.Server.CertDir = ExpandPath(cfg.Server.CertDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural consistency. Credentials for disabled providers are not required.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{common.ErrInvalidConfig}, args...)...))
	}
	missing := func(key string) {
		errs = append(errs, fmt.Errorf("%w: %s is required", common.ErrMissingConfig, key))
	}

	if c.Database.Path == "" {
		missing("database.path")
	}

	switch c.Encryption.SecretSource {
	case SecretSourceEnv:
	case SecretSourceAWS:
		if c.Encryption.AWSSecretID == "" {
			missing("encryption.aws_secret_id")
		}
	default:
		invalid("encryption.secret_source must be %q or %q, got %q", SecretSourceEnv, SecretSourceAWS, c.Encryption.SecretSource)
	}

	if p := c.Providers.Plaid; p.Enabled {
		if p.ClientID == "" {
			missing("providers.plaid.client_id")
		}
		if p.Secret == "" {
			missing("providers.plaid.secret")
		}
		if p.Environment != "sandbox" && p.Environment != "production" {
			invalid("providers.plaid.environment must be sandbox or production, got %q", p.Environment)
		}
	}
	if b := c.Providers.Bridge; b.Enabled {
		if b.ClientID == "" {
			missing("providers.bridge.client_id")
		}
		if b.ClientSecret == "" {
			missing("providers.bridge.client_secret")
		}
		if b.WebhookSecret == "" && c.WebhookSecret("bridge") == "" {
			missing("providers.bridge.webhook_secret")
		}
	}

	for _, e := range c.Webhooks.Events {
		if !knownEvent(model.EventType(e)) {
			invalid("webhooks.events: unknown event %q", e)
		}
	}
	if c.Webhooks.Retry.MaxRetries < 0 {
		invalid("webhooks.retry.max_retries must not be negative")
	}

	if _, err := decimal.NewFromString(c.Reconciliation.AmountTolerance); err != nil {
		invalid("reconciliation.amount_tolerance %q is not a decimal", c.Reconciliation.AmountTolerance)
	}
	if t := c.Reconciliation.AutoMatchThreshold; t < 0 || t > 1 {
		invalid("reconciliation.auto_match_threshold must be within [0, 1]")
	}
	if t := c.Reconciliation.MinConfidence; t < 0 || t > 1 {
		invalid("reconciliation.min_confidence must be within [0, 1]")
	}

	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		invalid("logging.level: %v", err)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		invalid("logging.format must be console or json, got %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

func knownEvent(t model.EventType) bool {
	switch t {
	case model.EventTransactionCreated, model.EventTransactionUpdated, model.EventAccountUpdated,
		model.EventConnectionStatusChanged, model.EventConnectionError, model.EventConnectionExpired:
		return true
	}
	return false
}

// WebhookSecret returns the HMAC secret for a provider: webhooks.secrets.<id> first, then
// the provider section.
func (c *Config) WebhookSecret(providerID string) string {
	if s := c.Webhooks.Secrets[providerID]; s != "" {
		return s
	}
	if providerID == "bridge" {
		return c.Providers.Bridge.WebhookSecret
	}
	return ""
}

// EventTypes converts the subscribed event names.
func (c *Config) EventTypes() []model.EventType {
	out := make([]model.EventType, 0, len(c.Webhooks.Events))
	for _, e := range c.Webhooks.Events {
		out = append(out, model.EventType(e))
	}
	return out
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() webhook.RetryPolicy {
	return webhook.RetryPolicy{
		MaxRetries:        c.Webhooks.Retry.MaxRetries,
		InitialDelay:      c.Webhooks.Retry.InitialDelay,
		BackoffMultiplier: c.Webhooks.Retry.BackoffMultiplier,
	}
}

// ReconcileConfig converts the reconciliation section. The auto-match threshold also
// drives the engine's batch auto-commit.
func (c *Config) ReconcileConfig() reconcile.Config {
	tolerance, err := decimal.NewFromString(c.Reconciliation.AmountTolerance)
	if err != nil {
		tolerance = decimal.Zero
	}
	return reconcile.Config{
		AmountTolerance:     tolerance,
		DateWindow:          c.Reconciliation.DateWindow,
		MinConfidence:       c.Reconciliation.MinConfidence,
		SimilarityThreshold: c.Reconciliation.SimilarityThreshold,
		AutoCommitThreshold: c.Reconciliation.AutoMatchThreshold,
	}
}
