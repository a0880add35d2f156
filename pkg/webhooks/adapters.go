package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
)

// Adapter verifies and parses the webhooks of one provider family. The set
// of adapters is closed; providers pick one by name in the runtime config.
type Adapter interface {
	Name() string
	// Verify checks the signature over the raw payload and returns the
	// timestamp the provider declared for the delivery
	Verify(payload []byte, headers http.Header, cfg SecurityConfig) (time.Time, error)
	// Parse maps a verified payload onto a NormalizedEvent
	Parse(payload []byte) (*NormalizedEvent, error)
}

var adapters = map[string]Adapter{
	"generic": genericAdapter{},
	"stripe":  stripeAdapter{},
}

// AdapterFor returns the adapter registered under name
func AdapterFor(name string) (Adapter, bool) {
	if name == "" {
		name = "generic"
	}
	a, ok := adapters[name]
	return a, ok
}

// parseTimestamp accepts unix seconds or RFC3339
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrStaleOrFutureEvent)
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrStaleOrFutureEvent, value)
	}
	return t.UTC(), nil
}

// timestampedPayload returns "<timestamp>.<payload>"
func timestampedPayload(timestamp string, payload []byte) []byte {
	out := make([]byte, 0, len(timestamp)+1+len(payload))
	out = append(out, timestamp...)
	out = append(out, '.')
	return append(out, payload...)
}

// genericAdapter handles providers that send a hex HMAC-SHA256 of
// "<timestamp>.<payload>" with the timestamp in a separate header. The
// timestamp is inside the signed bytes so a captured delivery cannot be
// replayed under a fresh timestamp header.
type genericAdapter struct{}

const (
	defaultSignatureHeader = "X-Webhook-Signature"
	defaultTimestampHeader = "X-Webhook-Timestamp"
)

func (genericAdapter) Name() string { return "generic" }

func (genericAdapter) Verify(payload []byte, headers http.Header, cfg SecurityConfig) (time.Time, error) {
	sigHeader := cfg.SignatureHeader
	if sigHeader == "" {
		sigHeader = defaultSignatureHeader
	}
	tsHeader := cfg.TimestampHeader
	if tsHeader == "" {
		tsHeader = defaultTimestampHeader
	}

	signature := headers.Get(sigHeader)
	if signature == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, sigHeader)
	}
	timestamp := strings.TrimSpace(headers.Get(tsHeader))
	sentAt, err := parseTimestamp(timestamp)
	if err != nil {
		return time.Time{}, err
	}
	if !httputil.VerifySignature(timestampedPayload(timestamp, payload), signature, cfg.Secret) {
		return time.Time{}, ErrInvalidSignature
	}
	return sentAt, nil
}

type genericPayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		AttemptID      string `json:"attempt_id"`
		IdempotencyKey string `json:"idempotency_key"`
		ProviderRef    string `json:"provider_ref"`
		AmountCents    int64  `json:"amount_cents"`
		Currency       string `json:"currency"`
		FailureCode    string `json:"failure_code"`
		FailureMessage string `json:"failure_message"`
		Retryable      bool   `json:"retryable"`
	} `json:"data"`
}

func (genericAdapter) Parse(payload []byte) (*NormalizedEvent, error) {
	var p genericPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	return &NormalizedEvent{
		EventID:        p.ID,
		Type:           EventType(p.Type),
		ProviderType:   p.Type,
		OccurredAt:     p.CreatedAt.UTC(),
		AttemptID:      p.Data.AttemptID,
		IdempotencyKey: p.Data.IdempotencyKey,
		ProviderRef:    p.Data.ProviderRef,
		AmountCents:    p.Data.AmountCents,
		Currency:       strings.ToUpper(p.Data.Currency),
		FailureCode:    p.Data.FailureCode,
		FailureMessage: p.Data.FailureMessage,
		Retryable:      p.Data.Retryable,
	}, nil
}

// stripeAdapter handles Stripe-style "t=<unix>,v1=<hex>" signatures computed
// over "<t>.<payload>".
type stripeAdapter struct{}

const defaultStripeSignatureHeader = "Stripe-Signature"

// softDeclines are decline codes worth retrying with a new attempt
var softDeclines = map[string]bool{
	"insufficient_funds":   true,
	"processing_error":     true,
	"try_again_later":      true,
	"issuer_not_available": true,
	"reenter_transaction":  true,
	"approve_with_id":      true,
}

var stripeTypes = map[string]EventType{
	"payment_intent.succeeded":      EventPaymentSucceeded,
	"payment_intent.payment_failed": EventPaymentFailed,
	"payment_intent.processing":     EventPaymentProcessing,
}

func (stripeAdapter) Name() string { return "stripe" }

func (stripeAdapter) Verify(payload []byte, headers http.Header, cfg SecurityConfig) (time.Time, error) {
	sigHeader := cfg.SignatureHeader
	if sigHeader == "" {
		sigHeader = defaultStripeSignatureHeader
	}
	header := headers.Get(sigHeader)
	if header == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, sigHeader)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return time.Time{}, fmt.Errorf("%w: incomplete signature header", ErrInvalidSignature)
	}

	signed := timestampedPayload(timestamp, payload)
	for _, sig := range signatures {
		if httputil.VerifySignature(signed, sig, cfg.Secret) {
			return parseTimestamp(timestamp)
		}
	}
	return time.Time{}, ErrInvalidSignature
}

type stripePayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID               string            `json:"id"`
			Amount           int64             `json:"amount"`
			Currency         string            `json:"currency"`
			Metadata         map[string]string `json:"metadata"`
			LastPaymentError *struct {
				Code        string `json:"code"`
				DeclineCode string `json:"decline_code"`
				Message     string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func (stripeAdapter) Parse(payload []byte) (*NormalizedEvent, error) {
	var p stripePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedPayload)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}

	obj := p.Data.Object
	ev := &NormalizedEvent{
		EventID:        p.ID,
		Type:           EventType(p.Type),
		ProviderType:   p.Type,
		AttemptID:      obj.Metadata["attempt_id"],
		IdempotencyKey: obj.Metadata["idempotency_key"],
		ProviderRef:    obj.ID,
		AmountCents:    obj.Amount,
		Currency:       strings.ToUpper(obj.Currency),
	}
	if t, ok := stripeTypes[p.Type]; ok {
		ev.Type = t
	}
	if p.Created > 0 {
		ev.OccurredAt = time.Unix(p.Created, 0).UTC()
	}
	if e := obj.LastPaymentError; e != nil {
		ev.FailureCode = e.DeclineCode
		if ev.FailureCode == "" {
			ev.FailureCode = e.Code
		}
		ev.FailureMessage = e.Message
		ev.Retryable = softDeclines[ev.FailureCode]
	}
	return ev, nil
}
