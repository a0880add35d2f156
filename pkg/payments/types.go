package payments

import (
	"encoding/json"
	"errors"
	"time"
)

// AttemptStatus is the state of one payment attempt
type AttemptStatus string

const (
	AttemptStatusPending    AttemptStatus = "pending"
	AttemptStatusProcessing AttemptStatus = "processing"
	AttemptStatusSucceeded  AttemptStatus = "succeeded"
	AttemptStatusFailed     AttemptStatus = "failed"
	AttemptStatusCancelled  AttemptStatus = "cancelled"
)

// Active reports whether the attempt may still move money
func (s AttemptStatus) Active() bool {
	return s == AttemptStatusPending || s == AttemptStatusProcessing
}

// PaymentAttempt is one try at collecting an invoice through a processor.
// Each attempt carries its own idempotency key; retries are new attempts.
type PaymentAttempt struct {
	ID             string          `json:"id"`
	InvoiceID      string          `json:"invoice_id"`
	AccountID      string          `json:"account_id"`
	AmountCents    int64           `json:"amount_cents"`
	Currency       string          `json:"currency"`
	Processor      string          `json:"processor"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         AttemptStatus   `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	RawResponse    json.RawMessage `json:"raw_response,omitempty"`
	FailureCode    string          `json:"failure_code,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Source identifies who reported an outcome
type Source string

const (
	SourceProcessor  Source = "processor"
	SourceWebhook    Source = "webhook"
	SourceReconciler Source = "reconciler"
)

// Outcome is a terminal result for an attempt, reported by the synchronous
// processor call, a webhook or the reconciler.
type Outcome struct {
	Status         AttemptStatus   `json:"status"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	FailureCode    string          `json:"failure_code,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	Retryable      bool            `json:"retryable"`
	Source         Source          `json:"source"`
	// AmountCents and Currency, when reported, must match the attempt
	AmountCents int64  `json:"amount_cents,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// AttemptRef locates an attempt by any identifier a provider might echo
// back. The first non-empty field that matches wins.
type AttemptRef struct {
	AttemptID      string
	IdempotencyKey string
	ProviderRef    string
}

// Action describes what applying an outcome did
type Action string

const (
	ActionPaid           Action = "paid"
	ActionRetryScheduled Action = "retry_scheduled"
	ActionOverdue        Action = "overdue"
	ActionFailed         Action = "failed"
	ActionCancelled      Action = "cancelled"
	ActionRefundRequired Action = "refund_required"
	ActionNoop           Action = "noop"
)

// Settlement is the result of applying an outcome
type Settlement struct {
	Attempt *PaymentAttempt `json:"attempt"`
	Retry   *PaymentAttempt `json:"retry,omitempty"`
	Action  Action          `json:"action"`
}

var (
	// ErrInvoiceNotPayable is returned when an invoice is not pending or
	// overdue, or already has a succeeded attempt
	ErrInvoiceNotPayable = errors.New("invoice not payable")
	// ErrInvoiceNotCancellable is returned when voiding a paid invoice
	ErrInvoiceNotCancellable = errors.New("invoice cannot be cancelled")
	ErrAttemptNotFound       = errors.New("payment attempt not found")
	ErrAttemptNotPending     = errors.New("payment attempt not pending")
	// ErrChargeNotFound is returned by a processor lookup for an unknown key
	ErrChargeNotFound = errors.New("charge not found at processor")
)
