package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/async"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/audit"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// errConsumerRemoved abandons relay rows whose consumer left the config
var errConsumerRemoved = errors.New("relay consumer no longer configured")

// RetryWorkerConfig configures the retry worker
type RetryWorkerConfig struct {
	Interval  time.Duration
	Lease     time.Duration
	BatchSize int
	Workers   int
}

// RetryWorker works off durable retry rows: re-applying events whose
// application failed transiently and relaying applied events to internal
// consumers. Rows are claimed with a lease, so several workers may share
// one database.
type RetryWorker struct {
	store    Store
	pipeline *Pipeline
	relay    *Relay
	config   RetryWorkerConfig
	logger   *observability.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(store Store, pipeline *Pipeline, relay *Relay, config RetryWorkerConfig, logger *observability.Logger) *RetryWorker {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Lease <= 0 {
		config.Lease = 2 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	return &RetryWorker{
		store:    store,
		pipeline: pipeline,
		relay:    relay,
		config:   config,
		logger:   logger.WithField("component", "webhook_retry_worker"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the retry worker
func (w *RetryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)

	go func() {
		defer close(w.doneCh)
		defer ticker.Stop()
		defer observability.RecoverPanic(w.logger, "webhook retry worker")

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					w.logger.WithError(err).Error("Webhook retry cycle failed")
				}
			}
		}
	}()
}

// Stop stops the retry worker and waits for the current cycle
func (w *RetryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}

// RunOnce claims due rows and processes them. It returns how many rows
// were claimed.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	now := w.pipeline.now().UTC()

	if purged, err := w.store.PurgeExpiredDedup(ctx, now); err != nil {
		w.logger.WithError(err).Warn("Failed to purge expired dedup records")
	} else if purged > 0 {
		w.logger.WithField("purged", purged).Debug("Purged expired dedup records")
	}

	claimed, err := w.store.ClaimDueRetries(ctx, now, w.config.Lease, w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim retries: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	errs := async.Batch(ctx, claimed, w.config.Workers, "webhook retry", w.config.Lease, w.process)
	for _, err := range errs {
		w.logger.WithError(err).Warn("Webhook retry row not updated")
	}
	return len(claimed), nil
}

// process runs one claimed row and writes back its new state. The
// returned error is only for failures to persist that state.
func (w *RetryWorker) process(ctx context.Context, r *Retry) error {
	r.CurrentAttempt++
	logger := w.logger.WithFields(map[string]interface{}{
		"retry_id": r.ID,
		"target":   r.Target,
		"provider": r.Provider,
		"event_id": r.EventID,
		"attempt":  r.CurrentAttempt,
	})

	var runErr error
	if r.Target == TargetApply {
		runErr = w.reapply(ctx, r)
	} else if name, ok := r.Consumer(); ok {
		consumer, found := w.pipeline.registry.Consumer(name)
		if !found {
			runErr = errConsumerRemoved
		} else {
			runErr = w.relay.Deliver(ctx, consumer, r)
		}
	} else {
		runErr = fmt.Errorf("unknown retry target %q", r.Target)
	}

	now := w.pipeline.now().UTC()
	r.UpdatedAt = now
	r.LeaseUntil = nil

	switch {
	case runErr == nil:
		r.Status = RetryStatusSucceeded
		r.FailureReason = ""
		r.CompletedAt = &now
		logger.Info("Webhook retry succeeded")

	case w.permanent(r, runErr):
		r.Status = RetryStatusAbandoned
		r.FailureReason = runErr.Error()
		r.CompletedAt = &now
		logger.WithError(runErr).Warn("Webhook retry abandoned")
		if r.Target == TargetApply {
			w.release(ctx, r, now)
		}

	case r.CurrentAttempt >= r.MaxAttempts:
		r.Status = RetryStatusExhausted
		r.FailureReason = runErr.Error()
		r.CompletedAt = &now
		w.pipeline.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertRetriesExhausted,
			Message: "Webhook retries exhausted",
			Fields: map[string]interface{}{
				"retry_id": r.ID,
				"target":   r.Target,
				"provider": r.Provider,
				"event_id": r.EventID,
				"attempts": r.CurrentAttempt,
				"error":    runErr.Error(),
			},
		})
		if r.Target == TargetApply {
			w.release(ctx, r, now)
		}

	default:
		policy := w.pipeline.registry.policyFor(r.Provider)
		r.Status = RetryStatusPending
		r.FailureReason = runErr.Error()
		r.NextRetryAt = policy.NextRetryTime(now, r.CurrentAttempt-1)
		logger.WithError(runErr).WithField("next_retry_at", r.NextRetryAt).Warn("Webhook retry failed, rescheduled")
	}

	w.pipeline.metrics.IncWebhookRetry(retryKind(r), string(r.Status))
	if err := w.store.UpdateRetry(ctx, r); err != nil {
		return fmt.Errorf("failed to update retry %s: %w", r.ID, err)
	}
	return nil
}

// permanent reports whether runErr rules out another try. Relay failures
// are always retried up to the cap; applications only on transient errors.
func (w *RetryWorker) permanent(r *Retry, runErr error) bool {
	if errors.Is(runErr, errConsumerRemoved) {
		return true
	}
	if r.Target == TargetApply {
		return !billing.IsTransient(runErr)
	}
	return false
}

func (w *RetryWorker) reapply(ctx context.Context, r *Retry) error {
	var ev NormalizedEvent
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return fmt.Errorf("failed to decode retry payload: %w", err)
	}

	action, err := w.pipeline.apply(ctx, &ev)

	rec := &audit.Record{
		Category:  audit.CategoryWebhook,
		Action:    "webhook.reapply",
		Provider:  ev.Provider,
		EventID:   ev.EventID,
		EventType: ev.ProviderType,
		Actor:     "retry-worker",
		Outcome:   audit.OutcomeValid,
		Metadata: map[string]interface{}{
			"retry_id": r.ID,
			"attempt":  r.CurrentAttempt,
		},
	}
	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Message = err.Error()
	} else {
		rec.Metadata["action"] = action
	}
	if _, aerr := w.pipeline.log.Append(ctx, rec); aerr != nil {
		w.pipeline.metrics.IncSecurityLogAppend("error")
		w.pipeline.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertSecurityLogWriteFail,
			Message: "Failed to write webhook reapply security log record",
			Fields:  map[string]interface{}{"event_id": ev.EventID, "error": aerr.Error()},
		})
	} else {
		w.pipeline.metrics.IncSecurityLogAppend("ok")
	}
	return err
}

// release marks an event that will not be applied by this row as failed,
// so a provider redelivery can acquire it again
func (w *RetryWorker) release(ctx context.Context, r *Retry, now time.Time) {
	err := w.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := w.store.SetDedupState(ctx, r.Provider, r.EventID, DedupFailed, now); err != nil {
			return err
		}
		return w.store.MarkEventProcessed(ctx, r.Provider, r.EventID, now, r.FailureReason)
	})
	if err != nil {
		w.logger.WithError(err).WithField("event_id", r.EventID).Error("Failed to release webhook event")
	}
}

func retryKind(r *Retry) string {
	if r.Target == TargetApply {
		return TargetApply
	}
	return "relay"
}
