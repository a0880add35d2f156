package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ChargeStatus is the processor's answer to a charge request
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	// ChargePending means the processor accepted the request and will
	// report the final result through a webhook
	ChargePending  ChargeStatus = "pending"
	ChargeDeclined ChargeStatus = "declined"
)

// ChargeRequest asks a processor to collect an amount
type ChargeRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	AttemptID      string `json:"attempt_id"`
	InvoiceID      string `json:"invoice_id"`
	AccountID      string `json:"account_id"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

// ChargeResult is a processor response
type ChargeResult struct {
	Status      ChargeStatus    `json:"status"`
	ProviderRef string          `json:"id"`
	DeclineCode string          `json:"decline_code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Retryable   bool            `json:"retryable"`
	Raw         json.RawMessage `json:"-"`
}

// Processor is the provider-agnostic contract a payment integration meets.
// Charge must be idempotent on IdempotencyKey.
type Processor interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// Lookup returns the processor's record for an idempotency key or
	// ErrChargeNotFound
	Lookup(ctx context.Context, idempotencyKey string) (*ChargeResult, error)
}

// ProcessorError is a failed processor call. Retryable marks timeouts,
// connection failures and 5xx responses.
type ProcessorError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProcessorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("processor returned %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("processor call failed: %v", e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

// IsRetryable classifies a processor call error. Unknown errors are treated
// as retryable; a timeout says nothing about whether money moved, and the
// next attempt carries a new key only after this one is settled as failed.
func IsRetryable(err error) bool {
	var perr *ProcessorError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return !errors.Is(err, context.Canceled)
}

// HTTPProcessorConfig configures HTTPProcessor
type HTTPProcessorConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProcessor talks to a processor exposing a small JSON charge API:
// POST /charges and GET /charges?idempotency_key=.
type HTTPProcessor struct {
	config HTTPProcessorConfig
	client *http.Client
}

// NewHTTPProcessor creates a new HTTP processor client
func NewHTTPProcessor(config HTTPProcessorConfig) *HTTPProcessor {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &HTTPProcessor{
		config: config,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Name implements Processor
func (p *HTTPProcessor) Name() string {
	return p.config.Name
}

// Charge implements Processor
func (p *HTTPProcessor) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.config.BaseURL, "/")+"/charges", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	return p.do(httpReq)
}

// Lookup implements Processor
func (p *HTTPProcessor) Lookup(ctx context.Context, idempotencyKey string) (*ChargeResult, error) {
	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/charges?idempotency_key=" + url.QueryEscape(idempotencyKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	result, err := p.do(httpReq)
	var perr *ProcessorError
	if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
		return nil, ErrChargeNotFound
	}
	return result, err
}

func (p *HTTPProcessor) do(req *http.Request) (*ChargeResult, error) {
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &ProcessorError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusConflict:
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Retryable: true, Err: errors.New(strings.TrimSpace(string(body)))}
	case resp.StatusCode == http.StatusPaymentRequired:
		// 402 carries a decline body
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	var result ChargeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProcessorError{StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("invalid response body: %w", err)}
	}
	if resp.StatusCode == http.StatusPaymentRequired && result.Status == "" {
		result.Status = ChargeDeclined
	}
	result.Raw = body
	return &result, nil
}
