package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setMpesaEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MPESA_CONSUMER_KEY", "key")
	t.Setenv("MPESA_CONSUMER_SECRET", "secret")
	t.Setenv("MPESA_SHORTCODE", "174379")
	t.Setenv("MPESA_PASSKEY", "passkey")
	t.Setenv("MPESA_CALLBACK_URL", "https://example.com/api/payments/mpesa/callback")
}

func TestLoadDefaults(t *testing.T) {
	setMpesaEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Mpesa.TokenBuffer)
	assert.Equal(t, "https://sandbox.safaricom.co.ke", cfg.Mpesa.BaseURL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.Email.Enabled())
	assert.Equal(t, "payments:events:dead", cfg.PaymentEventDeadLetter)
	assert.Equal(t, 5, cfg.PaymentEventMaxAttempts)
}

func TestLoadMissingCredential(t *testing.T) {
	setMpesaEnv(t)
	t.Setenv("MPESA_PASSKEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MPESA_PASSKEY")
}

func TestLoadOverrides(t *testing.T) {
	setMpesaEnv(t)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MPESA_TIMEOUT_SEC", "5")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PASSWORD", "pw")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.Mpesa.Timeout)
	assert.True(t, cfg.Email.Enabled())
}

func TestLoadRejectsBadRateLimit(t *testing.T) {
	setMpesaEnv(t)
	t.Setenv("CHECKOUT_RATE_LIMIT", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadRelayBudget(t *testing.T) {
	setMpesaEnv(t)
	t.Setenv("PAYMENT_EVENT_MAX_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_EVENT_MAX_ATTEMPTS")
}

func TestLoadRejectsDeadLetterSameAsStream(t *testing.T) {
	setMpesaEnv(t)
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("PAYMENT_EVENT_DEAD_LETTER", "payments:events")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_EVENT_DEAD_LETTER")
}
