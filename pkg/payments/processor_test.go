package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

func TestHTTPProcessor_Charge(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantStatus    payments.ChargeStatus
		wantErr       bool
		wantRetryable bool
	}{
		{
			name:       "succeeded",
			status:     http.StatusOK,
			body:       `{"status":"succeeded","id":"ch_1"}`,
			wantStatus: payments.ChargeSucceeded,
		},
		{
			name:       "accepted",
			status:     http.StatusAccepted,
			body:       `{"status":"pending","id":"ch_1"}`,
			wantStatus: payments.ChargePending,
		},
		{
			name:       "declined",
			status:     http.StatusPaymentRequired,
			body:       `{"id":"ch_1","decline_code":"insufficient_funds","retryable":true}`,
			wantStatus: payments.ChargeDeclined,
		},
		{
			name:          "server error",
			status:        http.StatusServiceUnavailable,
			body:          "upstream down",
			wantErr:       true,
			wantRetryable: true,
		},
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          "slow down",
			wantErr:       true,
			wantRetryable: true,
		},
		{
			name:    "bad request",
			status:  http.StatusBadRequest,
			body:    "amount must be positive",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			type captured struct {
				method, path string
				header       http.Header
				body         payments.ChargeRequest
			}
			requests := make(chan captured, 1)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c := captured{method: r.Method, path: r.URL.Path, header: r.Header.Clone()}
				_ = json.NewDecoder(r.Body).Decode(&c.body)
				requests <- c
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			processor := payments.NewHTTPProcessor(payments.HTTPProcessorConfig{Name: "acme", BaseURL: server.URL + "/", APIKey: "sk_test"})
			result, err := processor.Charge(context.Background(), payments.ChargeRequest{
				IdempotencyKey: "key-1",
				AttemptID:      "att-1",
				InvoiceID:      "inv-1",
				AmountCents:    275000,
				Currency:       "USD",
			})

			got := <-requests
			assert.Equal(t, http.MethodPost, got.method)
			assert.Equal(t, "/charges", got.path)
			assert.Equal(t, "key-1", got.header.Get("Idempotency-Key"))
			assert.Equal(t, "Bearer sk_test", got.header.Get("Authorization"))
			assert.Equal(t, int64(275000), got.body.AmountCents)

			if tt.wantErr {
				require.Error(t, err)
				var perr *payments.ProcessorError
				require.True(t, errors.As(err, &perr))
				assert.Equal(t, tt.status, perr.StatusCode)
				assert.Equal(t, tt.wantRetryable, payments.IsRetryable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, "ch_1", result.ProviderRef)
			assert.JSONEq(t, tt.body, string(result.Raw))
		})
	}
}

func TestHTTPProcessor_Lookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/charges" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Query().Get("idempotency_key") {
		case "key 1":
			fmt.Fprint(w, `{"status":"succeeded","id":"ch_1"}`)
		case "boom":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	processor := payments.NewHTTPProcessor(payments.HTTPProcessorConfig{Name: "acme", BaseURL: server.URL})
	ctx := context.Background()

	result, err := processor.Lookup(ctx, "key 1")
	require.NoError(t, err)
	assert.Equal(t, payments.ChargeSucceeded, result.Status)

	_, err = processor.Lookup(ctx, "key-2")
	assert.ErrorIs(t, err, payments.ErrChargeNotFound)

	_, err = processor.Lookup(ctx, "boom")
	require.Error(t, err)
	assert.True(t, payments.IsRetryable(err))
}

func TestHTTPProcessor_InvalidBodyIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>gateway</html>")
	}))
	defer server.Close()

	processor := payments.NewHTTPProcessor(payments.HTTPProcessorConfig{Name: "acme", BaseURL: server.URL})
	_, err := processor.Charge(context.Background(), payments.ChargeRequest{IdempotencyKey: "key-1"})
	require.Error(t, err)
	assert.True(t, payments.IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "retryable processor error", err: &payments.ProcessorError{StatusCode: 503, Retryable: true, Err: errors.New("down")}, want: true},
		{name: "rejected request", err: &payments.ProcessorError{StatusCode: 400, Err: errors.New("bad")}, want: false},
		{name: "wrapped processor error", err: fmt.Errorf("charge: %w", &payments.ProcessorError{Err: errors.New("bad")}), want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "unknown", err: errors.New("connection reset"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, payments.IsRetryable(tt.err))
		})
	}
}
