package webhooks_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

func TestAdapterFor(t *testing.T) {
	a, ok := webhooks.AdapterFor("")
	require.True(t, ok)
	assert.Equal(t, "generic", a.Name())

	a, ok = webhooks.AdapterFor("stripe")
	require.True(t, ok)
	assert.Equal(t, "stripe", a.Name())

	_, ok = webhooks.AdapterFor("paypal")
	assert.False(t, ok)
}

func TestGenericAdapter_Verify(t *testing.T) {
	adapter, _ := webhooks.AdapterFor("generic")
	payload := []byte(`{"id":"evt_1","type":"payment.succeeded"}`)
	cfg := webhooks.SecurityConfig{Secret: "s3cret"}

	hexSig := func(timestamp string) string {
		signed := httputil.Sign([]byte(timestamp+"."+string(payload)), "s3cret")
		return strings.TrimPrefix(signed, httputil.SignaturePrefix)
	}
	unixSig := hexSig("1733000000")

	tests := []struct {
		name    string
		cfg     webhooks.SecurityConfig
		headers map[string]string
		want    time.Time
		wantErr error
	}{
		{
			name:    "prefixed signature and unix timestamp",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Signature": "sha256=" + unixSig, "X-Webhook-Timestamp": "1733000000"},
			want:    time.Unix(1733000000, 0).UTC(),
		},
		{
			name:    "bare hex signature and RFC3339 timestamp",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Signature": hexSig("2024-12-01T10:00:00Z"), "X-Webhook-Timestamp": "2024-12-01T10:00:00Z"},
			want:    time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:    "custom header names",
			cfg:     webhooks.SecurityConfig{Secret: "s3cret", SignatureHeader: "X-Sig", TimestampHeader: "X-Sent-At"},
			headers: map[string]string{"X-Sig": unixSig, "X-Sent-At": "1733000000"},
			want:    time.Unix(1733000000, 0).UTC(),
		},
		{
			name:    "missing signature",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Timestamp": "1733000000"},
			wantErr: webhooks.ErrInvalidSignature,
		},
		{
			name:    "wrong secret",
			cfg:     webhooks.SecurityConfig{Secret: "other"},
			headers: map[string]string{"X-Webhook-Signature": unixSig, "X-Webhook-Timestamp": "1733000000"},
			wantErr: webhooks.ErrInvalidSignature,
		},
		{
			name:    "not hex",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Signature": "zzz", "X-Webhook-Timestamp": "1733000000"},
			wantErr: webhooks.ErrInvalidSignature,
		},
		{
			name:    "body-only signature",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Signature": httputil.Sign(payload, "s3cret"), "X-Webhook-Timestamp": "1733000000"},
			wantErr: webhooks.ErrInvalidSignature,
		},
		{
			name:    "replayed under a fresh timestamp",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Signature": unixSig, "X-Webhook-Timestamp": "1733086400"},
			wantErr: webhooks.ErrInvalidSignature,
		},
		{
			name:    "missing timestamp",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Signature": unixSig},
			wantErr: webhooks.ErrStaleOrFutureEvent,
		},
		{
			name:    "garbage timestamp",
			cfg:     cfg,
			headers: map[string]string{"X-Webhook-Signature": unixSig, "X-Webhook-Timestamp": "yesterday"},
			wantErr: webhooks.ErrStaleOrFutureEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}
			got, err := adapter.Verify(payload, headers, tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestGenericAdapter_Parse(t *testing.T) {
	adapter, _ := webhooks.AdapterFor("generic")

	ev, err := adapter.Parse([]byte(`{
		"id": "evt_1",
		"type": "payment.failed",
		"created_at": "2024-12-01T10:00:00Z",
		"data": {
			"attempt_id": "att-1",
			"idempotency_key": "key-1",
			"provider_ref": "ch_1",
			"amount_cents": 275000,
			"currency": "usd",
			"failure_code": "card_declined",
			"failure_message": "Your card was declined",
			"retryable": false
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, webhooks.EventPaymentFailed, ev.Type)
	assert.Equal(t, "payment.failed", ev.ProviderType)
	assert.Equal(t, "att-1", ev.AttemptID)
	assert.Equal(t, "key-1", ev.IdempotencyKey)
	assert.Equal(t, "ch_1", ev.ProviderRef)
	assert.Equal(t, int64(275000), ev.AmountCents)
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, "card_declined", ev.FailureCode)
	assert.False(t, ev.Retryable)
	assert.True(t, ev.Settles())

	for _, body := range []string{`not json`, `{"type":"payment.failed"}`, `{"id":"evt_1"}`} {
		_, err := adapter.Parse([]byte(body))
		assert.ErrorIs(t, err, webhooks.ErrMalformedPayload, body)
	}
}

func stripeHeader(ts string, payload []byte, secret string) string {
	signed := append([]byte(ts+"."), payload...)
	return "t=" + ts + ",v1=" + strings.TrimPrefix(httputil.Sign(signed, secret), httputil.SignaturePrefix)
}

func TestStripeAdapter_Verify(t *testing.T) {
	adapter, _ := webhooks.AdapterFor("stripe")
	payload := []byte(`{"id":"evt_1"}`)
	cfg := webhooks.SecurityConfig{Secret: "whsec_stripe"}

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{name: "valid", header: stripeHeader("1733000000", payload, "whsec_stripe")},
		{name: "rotated secret alongside", header: stripeHeader("1733000000", payload, "whsec_old") + ",v1=" + strings.TrimPrefix(stripeHeader("1733000000", payload, "whsec_stripe"), "t=1733000000,v1=")},
		{name: "wrong secret", header: stripeHeader("1733000000", payload, "whsec_old"), wantErr: webhooks.ErrInvalidSignature},
		{name: "timestamp not signed", header: "t=1733000001," + strings.TrimPrefix(stripeHeader("1733000000", payload, "whsec_stripe"), "t=1733000000,"), wantErr: webhooks.ErrInvalidSignature},
		{name: "missing timestamp", header: "v1=abcd", wantErr: webhooks.ErrInvalidSignature},
		{name: "empty", header: "", wantErr: webhooks.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.header != "" {
				headers.Set("Stripe-Signature", tt.header)
			}
			got, err := adapter.Verify(payload, headers, cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, time.Unix(1733000000, 0).UTC(), got)
		})
	}
}

func TestStripeAdapter_Parse(t *testing.T) {
	adapter, _ := webhooks.AdapterFor("stripe")

	tests := []struct {
		name          string
		body          string
		wantType      webhooks.EventType
		wantCode      string
		wantRetryable bool
	}{
		{
			name:     "succeeded",
			body:     `{"id":"evt_1","type":"payment_intent.succeeded","created":1733000000,"data":{"object":{"id":"pi_1","amount":275000,"currency":"usd","metadata":{"attempt_id":"att-1","idempotency_key":"key-1"}}}}`,
			wantType: webhooks.EventPaymentSucceeded,
		},
		{
			name:          "soft decline",
			body:          `{"id":"evt_2","type":"payment_intent.payment_failed","created":1733000000,"data":{"object":{"id":"pi_1","amount":275000,"currency":"usd","metadata":{"attempt_id":"att-1"},"last_payment_error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Insufficient funds"}}}}`,
			wantType:      webhooks.EventPaymentFailed,
			wantCode:      "insufficient_funds",
			wantRetryable: true,
		},
		{
			name:     "hard decline",
			body:     `{"id":"evt_3","type":"payment_intent.payment_failed","created":1733000000,"data":{"object":{"id":"pi_1","amount":275000,"currency":"usd","metadata":{"attempt_id":"att-1"},"last_payment_error":{"code":"card_declined","decline_code":"stolen_card"}}}}`,
			wantType: webhooks.EventPaymentFailed,
			wantCode: "stolen_card",
		},
		{
			name:          "code without decline code",
			body:          `{"id":"evt_4","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_1","last_payment_error":{"code":"processing_error"}}}}`,
			wantType:      webhooks.EventPaymentFailed,
			wantCode:      "processing_error",
			wantRetryable: true,
		},
		{
			name:     "unmapped type passes through",
			body:     `{"id":"evt_5","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`,
			wantType: webhooks.EventType("charge.refunded"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := adapter.Parse([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantCode, ev.FailureCode)
			assert.Equal(t, tt.wantRetryable, ev.Retryable)
		})
	}

	ev, err := adapter.Parse([]byte(tests[0].body))
	require.NoError(t, err)
	assert.Equal(t, "pi_1", ev.ProviderRef)
	assert.Equal(t, "att-1", ev.AttemptID)
	assert.Equal(t, "key-1", ev.IdempotencyKey)
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, int64(275000), ev.AmountCents)
	assert.Equal(t, time.Unix(1733000000, 0).UTC(), ev.OccurredAt)
	assert.Equal(t, "payment_intent.succeeded", ev.ProviderType)

	refunded, err := adapter.Parse([]byte(tests[4].body))
	require.NoError(t, err)
	assert.False(t, refunded.Settles())
	assert.True(t, refunded.OccurredAt.IsZero())

	_, err = adapter.Parse([]byte(`{"type":"payment_intent.succeeded"}`))
	assert.ErrorIs(t, err, webhooks.ErrMalformedPayload)
}
