package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/audit"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/retry"
)

// Settler applies payment outcomes. *payments.Service implements it.
type Settler interface {
	ApplyOutcome(ctx context.Context, ref payments.AttemptRef, outcome payments.Outcome, within ...func(ctx context.Context, settlement *payments.Settlement) error) (*payments.Settlement, error)
}

// PipelineConfig configures ingestion
type PipelineConfig struct {
	// InFlightLease is how long a receiver owns an event before another
	// delivery may take it over
	InFlightLease time.Duration
	// DedupTTL is how long settled dedup records are kept
	DedupTTL time.Duration
}

// Pipeline authenticates, deduplicates and applies inbound webhooks
type Pipeline struct {
	store    Store
	registry *Registry
	settler  Settler
	log      audit.Log
	config   PipelineConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	alerter  observability.Alerter
	now      func() time.Time
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(store Store, registry *Registry, settler Settler, log audit.Log, config PipelineConfig, logger *observability.Logger, metrics *observability.Metrics, alerter observability.Alerter) *Pipeline {
	if config.InFlightLease <= 0 {
		config.InFlightLease = 2 * time.Minute
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = 30 * 24 * time.Hour
	}
	return &Pipeline{
		store:    store,
		registry: registry,
		settler:  settler,
		log:      log,
		config:   config,
		logger:   logger.WithField("component", "webhook_pipeline"),
		metrics:  metrics,
		alerter:  alerter,
		now:      time.Now,
	}
}

// Request is one inbound delivery
type Request struct {
	Provider  string
	Payload   []byte
	Headers   http.Header
	SourceIP  string
	UserAgent string
	RequestID string
}

// Result is what the receiver answers the provider
type Result struct {
	Status  int           `json:"-"`
	Outcome audit.Outcome `json:"outcome"`
	EventID string        `json:"event_id,omitempty"`
	Action  string        `json:"action,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Ingest runs one delivery through the pipeline. Every delivery, accepted
// or not, is written to the security log before the result is returned;
// if that write fails the provider gets a 500 and will redeliver.
//
// Status codes:
//
//	200  applied, ignored or duplicate
//	202  application failed transiently and a retry is scheduled
//	400  stale timestamp or malformed payload
//	401  bad signature
//	404  unknown provider
//	500  integrity violation, storage failure or security log failure
func (p *Pipeline) Ingest(ctx context.Context, req Request) Result {
	start := p.now()
	ctx, span := observability.Tracer("webhooks").Start(ctx, "webhooks.ingest")
	defer span.End()
	span.SetAttributes(attribute.String("provider", req.Provider))

	rec := &audit.Record{
		Category:  audit.CategoryWebhook,
		Action:    "webhook.receive",
		Provider:  req.Provider,
		SourceIP:  req.SourceIP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
		Metadata:  map[string]interface{}{},
	}

	res := p.ingest(ctx, req, rec)

	rec.Outcome = res.Outcome
	rec.Message = res.Message
	rec.Metadata["status"] = res.Status
	if res.Action != "" {
		rec.Metadata["action"] = res.Action
	}
	if _, err := p.log.Append(ctx, rec); err != nil {
		p.metrics.IncSecurityLogAppend("error")
		p.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertSecurityLogWriteFail,
			Message: "Failed to write webhook security log record",
			Fields: map[string]interface{}{
				"provider": req.Provider,
				"event_id": rec.EventID,
				"outcome":  string(res.Outcome),
				"error":    err.Error(),
			},
		})
		res.Status = http.StatusInternalServerError
		res.Message = "security log unavailable"
	} else {
		p.metrics.IncSecurityLogAppend("ok")
	}

	span.SetAttributes(
		attribute.String("event_id", res.EventID),
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("status", res.Status),
	)
	p.metrics.ObserveWebhook(req.Provider, string(res.Outcome), time.Since(start))

	logger := p.logger.WithFields(map[string]interface{}{
		"provider":   req.Provider,
		"event_id":   res.EventID,
		"outcome":    string(res.Outcome),
		"status":     res.Status,
		"request_id": req.RequestID,
	})
	if res.Status >= 500 {
		logger.WithField("error", res.Message).Error("Webhook processing failed")
	} else if res.Status >= 400 {
		logger.WithField("reason", res.Message).Warn("Webhook rejected")
	} else {
		logger.WithField("action", res.Action).Info("Webhook processed")
	}
	return res
}

func (p *Pipeline) ingest(ctx context.Context, req Request, rec *audit.Record) Result {
	provider, ok := p.registry.Lookup(req.Provider)
	if !ok {
		return Result{Status: http.StatusNotFound, Outcome: audit.OutcomeInvalidSignature, Message: ErrUnknownProvider.Error()}
	}

	declared, err := provider.Adapter.Verify(req.Payload, req.Headers, provider.Config)
	if err != nil {
		if errors.Is(err, ErrStaleOrFutureEvent) {
			return Result{Status: http.StatusBadRequest, Outcome: audit.OutcomeInvalidTimestamp, Message: err.Error()}
		}
		return Result{Status: http.StatusUnauthorized, Outcome: audit.OutcomeInvalidSignature, Message: err.Error()}
	}

	now := p.now().UTC()
	rec.Metadata["declared_at"] = declared.Format(time.RFC3339)
	if !provider.WithinSkew(declared, now) {
		return Result{
			Status:  http.StatusBadRequest,
			Outcome: audit.OutcomeInvalidTimestamp,
			Message: fmt.Sprintf("%v: declared %s, allowed skew %s", ErrStaleOrFutureEvent, declared.Format(time.RFC3339), provider.Config.ClockSkew),
		}
	}

	ev, err := provider.Adapter.Parse(req.Payload)
	if err != nil {
		return Result{Status: http.StatusBadRequest, Outcome: audit.OutcomeError, Message: err.Error()}
	}
	ev.Provider = req.Provider
	rec.EventID = ev.EventID
	rec.EventType = ev.ProviderType

	if _, err := p.store.SaveEvent(ctx, &Event{
		ID:         uuid.NewString(),
		Provider:   ev.Provider,
		EventID:    ev.EventID,
		EventType:  ev.ProviderType,
		Signature:  req.Headers.Get(signatureHeaderName(provider)),
		Timestamp:  declared,
		Payload:    json.RawMessage(req.Payload),
		SourceIP:   req.SourceIP,
		ReceivedAt: now,
	}); err != nil {
		return Result{Status: http.StatusInternalServerError, Outcome: audit.OutcomeError, EventID: ev.EventID, Message: fmt.Sprintf("failed to store event: %v", err)}
	}

	dedup, acquired, err := p.store.AcquireEvent(ctx, ev.Provider, ev.EventID, now, p.config.InFlightLease, p.config.DedupTTL)
	if err != nil {
		return Result{Status: http.StatusInternalServerError, Outcome: audit.OutcomeError, EventID: ev.EventID, Message: fmt.Sprintf("failed to acquire event: %v", err)}
	}
	if !acquired {
		rec.Metadata["dedup_state"] = string(dedup.State)
		rec.Metadata["occurrences"] = dedup.OccurrenceCount
		return Result{Status: http.StatusOK, Outcome: audit.OutcomeDuplicate, EventID: ev.EventID, Message: "already " + string(dedup.State)}
	}

	action, err := p.apply(ctx, ev)
	if err == nil {
		return Result{Status: http.StatusOK, Outcome: audit.OutcomeValid, EventID: ev.EventID, Action: action}
	}

	if billing.IsTransient(err) {
		derr := p.deferApplication(ctx, ev, provider.Policy, err)
		if derr == nil {
			rec.Metadata["retry_scheduled"] = true
			return Result{Status: http.StatusAccepted, Outcome: audit.OutcomeError, EventID: ev.EventID, Action: "retry_scheduled", Message: err.Error()}
		}
		p.logger.WithError(derr).WithField("event_id", ev.EventID).Error("Failed to schedule webhook retry")
	}

	p.markFailed(ctx, ev, err)
	return Result{Status: http.StatusInternalServerError, Outcome: audit.OutcomeError, EventID: ev.EventID, Message: err.Error()}
}

func signatureHeaderName(p *Provider) string {
	if p.Config.SignatureHeader != "" {
		return p.Config.SignatureHeader
	}
	if p.Adapter.Name() == "stripe" {
		return defaultStripeSignatureHeader
	}
	return defaultSignatureHeader
}

// apply moves the event into payment state. The event row, the dedup record
// and the relay outbox are updated in the same transaction as the attempt,
// so either all of them change or none does.
func (p *Pipeline) apply(ctx context.Context, ev *NormalizedEvent) (string, error) {
	now := p.now().UTC()
	finish := func(ctx context.Context) error {
		if err := p.store.MarkEventProcessed(ctx, ev.Provider, ev.EventID, now, ""); err != nil {
			return fmt.Errorf("failed to mark event processed: %w", err)
		}
		if err := p.store.SetDedupState(ctx, ev.Provider, ev.EventID, DedupProcessed, now); err != nil {
			return fmt.Errorf("failed to settle dedup record: %w", err)
		}
		return p.enqueueRelays(ctx, ev, now)
	}

	if !ev.Settles() {
		if err := p.store.WithinTx(ctx, finish); err != nil {
			return "", err
		}
		return "ignored", nil
	}

	status := payments.AttemptStatusSucceeded
	if ev.Type == EventPaymentFailed {
		status = payments.AttemptStatusFailed
	}
	settlement, err := p.settler.ApplyOutcome(ctx,
		payments.AttemptRef{
			AttemptID:      ev.AttemptID,
			IdempotencyKey: ev.IdempotencyKey,
			ProviderRef:    ev.ProviderRef,
		},
		payments.Outcome{
			Status:         status,
			ProviderRef:    ev.ProviderRef,
			FailureCode:    ev.FailureCode,
			FailureMessage: ev.FailureMessage,
			Retryable:      ev.Retryable,
			Source:         payments.SourceWebhook,
			AmountCents:    ev.AmountCents,
			Currency:       ev.Currency,
		},
		func(ctx context.Context, _ *payments.Settlement) error {
			return finish(ctx)
		},
	)
	if errors.Is(err, payments.ErrAttemptNotFound) {
		p.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertInvoiceInconsistent,
			Message: "Webhook references an unknown payment attempt",
			Fields: map[string]interface{}{
				"provider":        ev.Provider,
				"event_id":        ev.EventID,
				"attempt_id":      ev.AttemptID,
				"idempotency_key": ev.IdempotencyKey,
				"provider_ref":    ev.ProviderRef,
			},
		})
		return "", fmt.Errorf("%w: %v", billing.ErrIntegrityViolation, err)
	}
	if err != nil {
		return "", err
	}
	return string(settlement.Action), nil
}

// enqueueRelays writes one outbox row per subscribed consumer
func (p *Pipeline) enqueueRelays(ctx context.Context, ev *NormalizedEvent, now time.Time) error {
	consumers := p.registry.Subscribers(ev)
	if len(consumers) == 0 {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode relay payload: %w", err)
	}
	policy := p.registry.policyFor(ev.Provider)

	for _, c := range consumers {
		err := p.store.InsertRetry(ctx, &Retry{
			ID:          uuid.NewString(),
			Target:      ConsumerTarget(c.Name),
			Provider:    ev.Provider,
			EventID:     ev.EventID,
			Payload:     body,
			MaxAttempts: policy.MaxAttempts(),
			NextRetryAt: now,
			Status:      RetryStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil && !errors.Is(err, billing.ErrConflict) {
			return fmt.Errorf("failed to enqueue relay to %s: %w", c.Name, err)
		}
	}
	return nil
}

// deferApplication hands the event to the retry worker. The first
// application counts as attempt 1.
func (p *Pipeline) deferApplication(ctx context.Context, ev *NormalizedEvent, policy *retry.Policy, cause error) error {
	if policy.Exhausted(1) {
		return fmt.Errorf("retry budget is exhausted after the first attempt")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode retry payload: %w", err)
	}

	now := p.now().UTC()
	return p.store.WithinTx(ctx, func(ctx context.Context) error {
		r := &Retry{
			ID:             uuid.NewString(),
			Target:         TargetApply,
			Provider:       ev.Provider,
			EventID:        ev.EventID,
			Payload:        body,
			MaxAttempts:    policy.MaxAttempts(),
			CurrentAttempt: 1,
			NextRetryAt:    policy.NextRetryTime(now, 0),
			FailureReason:  cause.Error(),
			Status:         RetryStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := p.store.InsertRetry(ctx, r)
		if errors.Is(err, billing.ErrConflict) {
			// An earlier cycle gave up on this event; start it over.
			err = p.restartRetry(ctx, r)
		}
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		if err := p.store.SetDedupState(ctx, ev.Provider, ev.EventID, DedupRetrying, now); err != nil {
			return fmt.Errorf("failed to hand dedup record to retry: %w", err)
		}
		return p.store.MarkEventProcessed(ctx, ev.Provider, ev.EventID, now, "deferred: "+cause.Error())
	})
}

func (p *Pipeline) restartRetry(ctx context.Context, fresh *Retry) error {
	existing, err := p.store.ListRetries(ctx, RetryFilter{Provider: fresh.Provider, EventID: fresh.EventID})
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Target != TargetApply {
			continue
		}
		r.Payload = fresh.Payload
		r.MaxAttempts = fresh.MaxAttempts
		r.CurrentAttempt = fresh.CurrentAttempt
		r.NextRetryAt = fresh.NextRetryAt
		r.FailureReason = fresh.FailureReason
		r.Status = RetryStatusPending
		r.LeaseUntil = nil
		r.CompletedAt = nil
		r.UpdatedAt = fresh.UpdatedAt
		return p.store.UpdateRetry(ctx, r)
	}
	return billing.ErrConflict
}

// markFailed releases the event so a later redelivery may try again
func (p *Pipeline) markFailed(ctx context.Context, ev *NormalizedEvent, cause error) {
	now := p.now().UTC()
	err := p.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := p.store.SetDedupState(ctx, ev.Provider, ev.EventID, DedupFailed, now); err != nil {
			return err
		}
		return p.store.MarkEventProcessed(ctx, ev.Provider, ev.EventID, now, cause.Error())
	})
	if err != nil {
		p.logger.WithError(err).WithField("event_id", ev.EventID).Error("Failed to release webhook event")
	}
}
