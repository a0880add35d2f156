package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/config"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// Relay headers sent to internal consumers
const (
	HeaderEvent     = "X-Billing-Event"
	HeaderEventID   = "X-Billing-Event-ID"
	HeaderDelivery  = "X-Billing-Delivery"
	HeaderTimestamp = "X-Billing-Timestamp"
	HeaderSignature = "X-Billing-Signature"
)

// Relay forwards applied events to internal consumers. Bodies are signed
// with the consumer's secret over "<timestamp>.<body>".
type Relay struct {
	client     *http.Client
	limiter    *RateLimiter
	deliveries *DeliveryLogStore
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewRelay creates a relay. A nil client gets an instrumented default with
// the given timeout.
func NewRelay(client *http.Client, timeout time.Duration, limiter *RateLimiter, deliveries *DeliveryLogStore, metrics *observability.Metrics) *Relay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Relay{
		client:     client,
		limiter:    limiter,
		deliveries: deliveries,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Deliveries returns the in-memory delivery log
func (rl *Relay) Deliveries() *DeliveryLogStore {
	return rl.deliveries
}

// Deliver posts a relay row's payload to the consumer. Any non-2xx answer
// is an error.
func (rl *Relay) Deliver(ctx context.Context, consumer config.ConsumerConfig, r *Retry) error {
	start := rl.now()
	log := &DeliveryLog{
		ID:        r.ID + "-" + strconv.Itoa(r.CurrentAttempt),
		RetryID:   r.ID,
		Consumer:  consumer.Name,
		Provider:  r.Provider,
		EventID:   r.EventID,
		EventType: eventTypeOf(r.Payload),
		URL:       consumer.URL,
		Attempt:   r.CurrentAttempt,
		CreatedAt: start.UTC(),
	}

	err := rl.send(ctx, consumer, r, log)
	log.Duration = rl.now().Sub(start)
	switch {
	case err == nil:
		log.Status = DeliveryStatusSuccess
	case log.Status == "":
		log.Status = DeliveryStatusFailed
		log.ErrorMessage = err.Error()
	default:
		log.ErrorMessage = err.Error()
	}

	if rl.deliveries != nil {
		rl.deliveries.Add(log)
	}
	rl.metrics.IncRelay(consumer.Name, string(log.Status))
	return err
}

func (rl *Relay) send(ctx context.Context, consumer config.ConsumerConfig, r *Retry, log *DeliveryLog) error {
	if rl.limiter != nil && !rl.limiter.Allow(consumer.Name) {
		log.Status = DeliveryStatusRateLimited
		return fmt.Errorf("rate limit exceeded for consumer %s", consumer.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, consumer.URL, bytes.NewReader(r.Payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	timestamp := strconv.FormatInt(rl.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(log.EventType))
	req.Header.Set(HeaderEventID, r.EventID)
	req.Header.Set(HeaderDelivery, log.ID)
	req.Header.Set(HeaderTimestamp, timestamp)
	if consumer.Secret != "" {
		req.Header.Set(HeaderSignature, httputil.Sign(SignedRelayPayload(timestamp, r.Payload), consumer.Secret))
	}

	log.RequestHeaders = make(map[string]string)
	for key, values := range req.Header {
		if len(values) > 0 && key != HeaderSignature {
			log.RequestHeaders[key] = values[0]
		}
	}

	resp, err := rl.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to relay event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	log.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("consumer %s returned non-2xx status: %d", consumer.Name, resp.StatusCode)
	}
	return nil
}

// SignedRelayPayload is what a consumer must HMAC to check
// X-Billing-Signature
func SignedRelayPayload(timestamp string, body []byte) []byte {
	return timestampedPayload(timestamp, body)
}

func eventTypeOf(payload []byte) EventType {
	var ev struct {
		Type EventType `json:"type"`
	}
	_ = json.Unmarshal(payload, &ev)
	return ev.Type
}
