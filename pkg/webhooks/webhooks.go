package webhooks

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// EventType is the normalized type of a payment event
type EventType string

const (
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentProcessing EventType = "payment.processing"
)

var (
	// ErrUnknownProvider is returned for a provider tag with no configuration
	ErrUnknownProvider = errors.New("unknown webhook provider")
	// ErrInvalidSignature is returned when the HMAC does not match
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrStaleOrFutureEvent is returned when the declared timestamp is
	// missing or outside the provider's clock skew window
	ErrStaleOrFutureEvent = errors.New("webhook timestamp outside tolerance")
	// ErrMalformedPayload is returned when a signed payload cannot be parsed
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Event is one inbound delivery as received. The first copy of each
// (provider, event id) is kept; later deliveries only bump the dedup record.
type Event struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	Signature       string          `json:"signature"`
	Timestamp       time.Time       `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
	SourceIP        string          `json:"source_ip,omitempty"`
	Processed       bool            `json:"processed"`
	ProcessingError string          `json:"processing_error,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// DedupState is where an event is in its single application
type DedupState string

const (
	// DedupProcessing means a receiver holds the lease and is applying it
	DedupProcessing DedupState = "processing"
	// DedupProcessed means the event was applied
	DedupProcessed DedupState = "processed"
	// DedupRetrying means a WebhookRetry row owns the application
	DedupRetrying DedupState = "retrying"
	// DedupFailed means application failed permanently; a redelivery may
	// acquire it again
	DedupFailed DedupState = "failed"
)

// DedupRecord is the authority for whether an event was already applied
type DedupRecord struct {
	Provider        string     `json:"provider"`
	EventID         string     `json:"event_id"`
	State           DedupState `json:"state"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	OccurrenceCount int        `json:"occurrence_count"`
	LeaseUntil      *time.Time `json:"lease_until,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

// RetryStatus is the lifecycle of a redelivery obligation
type RetryStatus string

const (
	RetryStatusPending   RetryStatus = "pending"
	RetryStatusInFlight  RetryStatus = "in_flight"
	RetryStatusSucceeded RetryStatus = "succeeded"
	RetryStatusExhausted RetryStatus = "exhausted"
	RetryStatusAbandoned RetryStatus = "abandoned"
)

// TargetApply re-applies an event whose application failed transiently.
// Relay rows use ConsumerTarget.
const TargetApply = "apply"

const consumerTargetPrefix = "consumer:"

// ConsumerTarget is the retry target for relaying to an internal consumer
func ConsumerTarget(name string) string {
	return consumerTargetPrefix + name
}

// Retry is a durable redelivery obligation: either re-applying an event
// to internal state or relaying it to an internal consumer
type Retry struct {
	ID             string          `json:"id"`
	Target         string          `json:"target"`
	Provider       string          `json:"provider"`
	EventID        string          `json:"event_id"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts"`
	CurrentAttempt int             `json:"current_attempt"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Status         RetryStatus     `json:"status"`
	LeaseUntil     *time.Time      `json:"lease_until,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Consumer returns the consumer name for relay rows
func (r *Retry) Consumer() (string, bool) {
	name, ok := strings.CutPrefix(r.Target, consumerTargetPrefix)
	return name, ok && name != ""
}

// RetryFilter narrows ListRetries
type RetryFilter struct {
	Provider string
	EventID  string
	Statuses []RetryStatus
	Limit    int
}

// NormalizedEvent is a provider payload mapped onto the billing core's
// vocabulary. It is also the body relayed to internal consumers.
type NormalizedEvent struct {
	Provider       string    `json:"provider"`
	EventID        string    `json:"event_id"`
	Type           EventType `json:"type"`
	ProviderType   string    `json:"provider_type"`
	OccurredAt     time.Time `json:"occurred_at,omitempty"`
	AttemptID      string    `json:"attempt_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	ProviderRef    string    `json:"provider_ref,omitempty"`
	AmountCents    int64     `json:"amount_cents,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	FailureCode    string    `json:"failure_code,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`
	Retryable      bool      `json:"retryable,omitempty"`
}

// Settles reports whether the event carries a payment outcome
func (e *NormalizedEvent) Settles() bool {
	return e.Type == EventPaymentSucceeded || e.Type == EventPaymentFailed
}
