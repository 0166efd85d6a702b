package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	cfg := LoadConfig()

	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, "postgres", cfg.Storage)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, "5", cfg.PlatformFeePercent.String())
	assert.Equal(t, 24*time.Hour, cfg.PaymentTolerance)
	assert.Equal(t, 7*24*time.Hour, cfg.NegotiationTolerance)
	assert.Equal(t, 15*time.Second, cfg.CarrierTimeout)
	assert.Greater(t, cfg.LabelLease, cfg.CarrierTimeout)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_STORAGE", "memory")
	t.Setenv("CURRENCY", "usd")
	t.Setenv("PLATFORM_FEE_PERCENT", "2.5")
	t.Setenv("PAYMENT_TOLERANCE", "36h")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ESTIMATE_SHIPPING", "false")
	t.Setenv("SYNC_BATCH", "not-a-number")
	cfg := LoadConfig()

	assert.Equal(t, "memory", cfg.Storage)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, "2.5", cfg.PlatformFeePercent.String())
	assert.Equal(t, 36*time.Hour, cfg.PaymentTolerance)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.EstimateShipping)
	assert.Equal(t, 50, cfg.SyncBatch)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("WEBHOOK_USER", "escrow")
	t.Setenv("WEBHOOK_PASS", "hook-pass")
	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())

	cfg.Storage = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Storage = "memory"
	cfg.CronSecret = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresWebhookCredentials(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("WEBHOOK_USER", "")
	t.Setenv("WEBHOOK_PASS", "")
	cfg := LoadConfig()
	assert.Empty(t, cfg.WebhookUser)
	require.ErrorContains(t, cfg.Validate(), "WEBHOOK_USER")

	cfg.WebhookUser = "escrow"
	assert.Error(t, cfg.Validate(), "password alone is still missing")
}

func TestValidateLabelLeaseOutlivesCarrierCall(t *testing.T) {
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("CRON_SECRET", "cron")
	t.Setenv("WEBHOOK_USER", "escrow")
	t.Setenv("WEBHOOK_PASS", "hook-pass")

	tests := []struct {
		lease, timeout string
		ok             bool
	}{
		{"2m", "15s", true},
		{"15s", "15s", false},
		{"10s", "15s", false},
		{"5s", "1s", true},
	}
	for _, tt := range tests {
		t.Run(tt.lease+"/"+tt.timeout, func(t *testing.T) {
			t.Setenv("LABEL_LEASE", tt.lease)
			t.Setenv("CARRIER_TIMEOUT", tt.timeout)
			err := LoadConfig().Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, "LABEL_LEASE")
			}
		})
	}
}
