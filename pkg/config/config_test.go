package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_BILLING_STR", "custom")
	t.Setenv("TEST_BILLING_BOOL", "1")
	t.Setenv("TEST_BILLING_INT", "42")
	t.Setenv("TEST_BILLING_BAD_INT", "forty")
	t.Setenv("TEST_BILLING_DUR", "90s")
	t.Setenv("TEST_BILLING_FLOAT", "0.25")
	t.Setenv("TEST_BILLING_LIST", "a, b,,c")

	assert.Equal(t, "custom", getEnv("TEST_BILLING_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_BILLING_UNSET", "default"))
	assert.True(t, getEnvBool("TEST_BILLING_BOOL", false))
	assert.Equal(t, 42, getEnvInt("TEST_BILLING_INT", 0))
	assert.Equal(t, 7, getEnvInt("TEST_BILLING_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_BILLING_DUR", time.Second))
	assert.Equal(t, 0.25, getEnvFloat("TEST_BILLING_FLOAT", 1))
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_BILLING_LIST"))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]observability.LogLevel{
		"debug":   observability.DebugLevel,
		"WARNING": observability.WarnLevel,
		"error":   observability.ErrorLevel,
		"bogus":   observability.InfoLevel,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, parseLogLevel(in))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("dev mode needs no database", func(t *testing.T) {
		t.Setenv("BILLING_DEV_MODE", "true")
		t.Setenv("BILLING_POSTGRES_URL", "")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.True(t, cfg.DevMode)
		assert.Equal(t, 3, cfg.Payments.MaxRetries)
		assert.Equal(t, int64(1000), cfg.Billing.TaxBasisPoints)
		assert.Equal(t, 30, cfg.Billing.NetTermsDays)
	})

	t.Run("postgres required outside dev mode", func(t *testing.T) {
		t.Setenv("BILLING_DEV_MODE", "false")
		t.Setenv("BILLING_POSTGRES_URL", "")

		_, err := LoadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres URL is required")
	})

	t.Run("jitter bounded by multiplier", func(t *testing.T) {
		t.Setenv("BILLING_DEV_MODE", "true")
		t.Setenv("BILLING_PAYMENT_BACKOFF_MULTIPLIER", "1.5")
		t.Setenv("BILLING_PAYMENT_JITTER", "0.8")

		_, err := LoadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jitter")
	})
}

const runtimeDoc = `
rates:
  currency: USD
  base_fare_cents: 4500
  per_km_cents: 1500
  per_minute_cents: 200
providers:
  - name: acme-pay
    adapter: generic
    signature_header: x-webhook-signature
    timestamp_header: x-webhook-timestamp
    secret: s3cret
    retry:
      max_attempts: 5
      initial_delay: 1s
      max_delay: 5m
      backoff_multiplier: 2
  - name: stripe
    adapter: stripe
    clock_skew: 120s
consumers:
  - name: ledger-sync
    url: http://ledger-sync.internal/hooks
    secret: relay
    events: [payment.succeeded]
`

func TestParseRuntimeConfig(t *testing.T) {
	t.Setenv("BILLING_WEBHOOK_SECRET_STRIPE", "whsec_test")

	rc, err := ParseRuntimeConfig([]byte(runtimeDoc))
	require.NoError(t, err)

	assert.Equal(t, int64(4500), rc.Rates.BaseFareCents)
	require.Len(t, rc.Providers, 2)

	acme := rc.Providers[0]
	assert.Equal(t, "s3cret", acme.Secret)
	assert.Equal(t, 300*time.Second, acme.ClockSkew)
	assert.Equal(t, time.Second, acme.Retry.InitialDelay)
	assert.Equal(t, 5*time.Minute, acme.Retry.MaxDelay)

	stripe := rc.Providers[1]
	assert.Equal(t, "whsec_test", stripe.Secret)
	assert.Equal(t, 120*time.Second, stripe.ClockSkew)

	require.Len(t, rc.Consumers, 1)
	assert.Equal(t, []string{"payment.succeeded"}, rc.Consumers[0].Events)
}

func TestParseRuntimeConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing currency", "rates: {base_fare_cents: 1}", "currency"},
		{"missing secret", "rates: {currency: USD}\nproviders: [{name: p}]", "no signing secret"},
		{"duplicate provider", "rates: {currency: USD}\nproviders: [{name: p, secret: a}, {name: p, secret: b}]", "duplicate provider"},
		{"bad yaml", "rates: [", "failed to parse"},
		{"jitter outgrows backoff", "rates: {currency: USD}\nproviders: [{name: p, secret: a, retry: {backoff_multiplier: 1.2, jitter: 0.5}}]", "exceeds backoff multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRuntimeConfig([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRuntime_ReloadKeepsPreviousOnError(t *testing.T) {
	t.Setenv("BILLING_WEBHOOK_SECRET_STRIPE", "whsec_test")
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(runtimeDoc), 0o600))

	rt, err := LoadRuntime(path)
	require.NoError(t, err)

	var reloaded []*RuntimeConfig
	rt.OnReload(func(rc *RuntimeConfig) { reloaded = append(reloaded, rc) })

	require.NoError(t, os.WriteFile(path, []byte("rates: ["), 0o600))
	require.Error(t, rt.Reload())
	assert.Equal(t, int64(4500), rt.Current().Rates.BaseFareCents)
	assert.Empty(t, reloaded)

	updated := []byte("rates: {currency: EUR, base_fare_cents: 100}\n")
	require.NoError(t, os.WriteFile(path, updated, 0o600))
	require.NoError(t, rt.Reload())
	assert.Equal(t, "EUR", rt.Current().Rates.Currency)
	require.Len(t, reloaded, 1)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	t.Setenv("BILLING_WEBHOOK_SECRET_STRIPE", "whsec_test")
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(runtimeDoc), 0o600))

	rt, err := LoadRuntime(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, Watch(ctx, rt, observability.NewNopLogger()))

	require.NoError(t, os.WriteFile(path, []byte("rates: {currency: GBP}\n"), 0o600))

	assert.Eventually(t, func() bool {
		return rt.Current().Rates.Currency == "GBP"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStaticRuntime(t *testing.T) {
	rc := &RuntimeConfig{Rates: RatesConfig{Currency: "USD"}}
	rt := NewStaticRuntime(rc)
	assert.NoError(t, rt.Reload())
	assert.Same(t, rc, rt.Current())
	assert.Equal(t, "", rt.Path())
}
