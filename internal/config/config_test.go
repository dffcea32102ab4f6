package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadYAML(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, SecretSourceEnv, cfg.Encryption.SecretSource)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 256, cfg.Webhooks.QueueSize)
	assert.Equal(t, time.Hour, cfg.Webhooks.IdempotencyTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Database.Path)
	assert.False(t, cfg.Server.TLS)
	assert.Equal(t, filepath.Join("bankfeed", "certs"), filepath.Join(filepath.Base(filepath.Dir(cfg.Server.CertDir)), filepath.Base(cfg.Server.CertDir)))

	retry := cfg.RetryPolicy()
	assert.Equal(t, 3, retry.MaxRetries)
	assert.Equal(t, time.Second, retry.InitialDelay)
	assert.InDelta(t, 2.0, retry.BackoffMultiplier, 0.0001)

	rc := cfg.ReconcileConfig()
	assert.True(t, rc.AmountTolerance.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 7, rc.DateWindow)
}

func TestLoadFile(t *testing.T) {
	cfg, err := loadYAML(t, `
database:
  path: /tmp/feed.db
providers:
  bridge:
    enabled: true
    client_id: bridge-id
    client_secret: bridge-secret
    webhook_secret: whsec_bridge
webhooks:
  events: [transaction.created, connection.expired]
  secrets:
    plaid: whsec_plaid
  retry:
    max_retries: 5
    initial_delay: 250ms
reconciliation:
  amount_tolerance: "0.50"
  auto_match_threshold: 0.9
`)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/feed.db", cfg.Database.Path)
	assert.Equal(t, "whsec_bridge", cfg.WebhookSecret("bridge"))
	assert.Equal(t, "whsec_plaid", cfg.WebhookSecret("plaid"))
	assert.Empty(t, cfg.WebhookSecret("simplefin"))
	assert.Len(t, cfg.EventTypes(), 2)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryPolicy().InitialDelay)

	rc := cfg.ReconcileConfig()
	assert.True(t, rc.AmountTolerance.Equal(decimal.RequireFromString("0.5")))
	assert.InDelta(t, 0.9, rc.AutoCommitThreshold, 0.0001)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BANKFEED_SERVER_ADDR", ":9999")
	t.Setenv("BANKFEED_LOGGING_FORMAT", "json")

	v := viper.New()
	BindEnv(v)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "unknown secret source",
			yaml:    "encryption:\n  secret_source: vault\n",
			wantErr: common.ErrInvalidConfig,
		},
		{
			name:    "aws source without secret id",
			yaml:    "encryption:\n  secret_source: aws\n",
			wantErr: common.ErrMissingConfig,
		},
		{
			name:    "enabled plaid without credentials",
			yaml:    "providers:\n  plaid:\n    enabled: true\n",
			wantErr: common.ErrMissingConfig,
		},
		{
			name:    "bad plaid environment",
			yaml:    "providers:\n  plaid:\n    enabled: true\n    client_id: a\n    secret: b\n    environment: staging\n",
			wantErr: common.ErrInvalidConfig,
		},
		{
			name:    "unknown event",
			yaml:    "webhooks:\n  events: [invoice.paid]\n",
			wantErr: common.ErrInvalidConfig,
		},
		{
			name:    "bad tolerance",
			yaml:    "reconciliation:\n  amount_tolerance: lots\n",
			wantErr: common.ErrInvalidConfig,
		},
		{
			name:    "threshold out of range",
			yaml:    "reconciliation:\n  auto_match_threshold: 1.5\n",
			wantErr: common.ErrInvalidConfig,
		},
		{
			name:    "bad log format",
			yaml:    "logging:\n  format: xml\n",
			wantErr: common.ErrInvalidConfig,
		},
		{
			name: "disabled provider needs nothing",
			yaml: "providers:\n  plaid:\n    enabled: false\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, tt.yaml)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("BANKFEED_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("BANKFEED_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("BANKFEED_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "loaded", os.Getenv("BANKFEED_TEST_DOTENV"))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("BANKFEED_TEST_DIR", "/srv/feed")

	assert.Empty(t, ExpandPath(""))
	assert.Equal(t, filepath.Join(home, "data.db"), ExpandPath("~/data.db"))
	assert.Equal(t, "/srv/feed/data.db", ExpandPath("$BANKFEED_TEST_DIR/data.db"))
	assert.Equal(t, "relative/x", ExpandPath("relative/x"))
}
