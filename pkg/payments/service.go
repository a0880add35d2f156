package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/async"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/locks"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/retry"
)

// Config configures the payment service
type Config struct {
	Retry          retry.Config
	ClaimBatchSize int
	Workers        int
	// ProcessingLease is how long an attempt may sit in processing before
	// the reconciler asks the processor about it
	ProcessingLease time.Duration
}

// Service drives invoices toward settlement
type Service struct {
	store     Store
	processor Processor
	locker    locks.Locker
	policy    *retry.Policy
	config    Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	alerter   observability.Alerter
	now       func() time.Time
}

// NewService creates a new payment service
func NewService(store Store, processor Processor, locker locks.Locker, config Config, logger *observability.Logger, metrics *observability.Metrics, alerter observability.Alerter) *Service {
	if config.ClaimBatchSize <= 0 {
		config.ClaimBatchSize = 50
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.ProcessingLease <= 0 {
		config.ProcessingLease = 15 * time.Minute
	}
	return &Service{
		store:     store,
		processor: processor,
		locker:    locker,
		policy:    retry.NewPolicy(config.Retry),
		config:    config,
		logger:    logger,
		metrics:   metrics,
		alerter:   alerter,
		now:       time.Now,
	}
}

// Policy returns the retry policy in use
func (s *Service) Policy() *retry.Policy {
	return s.policy
}

// lockInvoice serializes work on one invoice across processes. A lock
// timeout is reported as transient so callers retry later.
func (s *Service) lockInvoice(ctx context.Context, invoiceID string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, "invoice:"+invoiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrTransient, err)
	}
	return unlock, nil
}

// CreateAttempt opens a new payment attempt for an invoice with a fresh
// idempotency key. If the invoice already has an active attempt, that
// attempt is returned instead.
func (s *Service) CreateAttempt(ctx context.Context, invoiceID string) (*PaymentAttempt, error) {
	unlock, err := s.lockInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var attempt *PaymentAttempt
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.store.LockInvoice(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("failed to lock invoice %s: %w", invoiceID, err)
		}
		if !inv.Status.Payable() {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotPayable, invoiceID, inv.Status)
		}
		if inv.TotalCents <= 0 {
			return fmt.Errorf("%w: invoice %s has nothing due (total %d)", ErrInvoiceNotPayable, invoiceID, inv.TotalCents)
		}

		attempts, err := s.store.ListAttempts(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}
		for _, a := range attempts {
			if a.Status == AttemptStatusSucceeded {
				return fmt.Errorf("%w: invoice %s already has succeeded attempt %s", ErrInvoiceNotPayable, invoiceID, a.ID)
			}
			if a.Status.Active() {
				attempt = a
				return nil
			}
		}

		now := s.now().UTC()
		attempt = &PaymentAttempt{
			ID:             uuid.NewString(),
			InvoiceID:      inv.ID,
			AccountID:      inv.AccountID,
			AmountCents:    inv.TotalCents,
			Currency:       inv.Currency,
			Processor:      s.processor.Name(),
			IdempotencyKey: uuid.NewString(),
			Status:         AttemptStatusPending,
			NextRetryAt:    &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.store.InsertAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncPaymentAttempt(s.processor.Name(), string(attempt.Status))
	return attempt, nil
}

// Submit claims a pending attempt and sends it to the processor
func (s *Service) Submit(ctx context.Context, attemptID string) (*Settlement, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt %s: %w", attemptID, err)
	}
	if attempt.Status != AttemptStatusPending {
		return nil, fmt.Errorf("%w: attempt %s is %s", ErrAttemptNotPending, attemptID, attempt.Status)
	}

	attempt.Status = AttemptStatusProcessing
	attempt.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAttempt(ctx, attempt, AttemptStatusPending); err != nil {
		if errors.Is(err, billing.ErrConflict) {
			return nil, fmt.Errorf("%w: attempt %s was claimed concurrently", ErrAttemptNotPending, attemptID)
		}
		return nil, fmt.Errorf("failed to claim attempt: %w", err)
	}
	return s.execute(ctx, attempt)
}

// execute calls the processor for an attempt already in processing
func (s *Service) execute(ctx context.Context, attempt *PaymentAttempt) (*Settlement, error) {
	ctx, span := observability.Tracer("payments").Start(ctx, "payments.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("attempt_id", attempt.ID),
		attribute.String("invoice_id", attempt.InvoiceID),
	)

	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"attempt_id": attempt.ID,
		"invoice_id": attempt.InvoiceID,
	})

	// Voiding is cooperative: check the invoice before moving money.
	inv, err := s.store.GetInvoice(ctx, attempt.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if !inv.Status.Payable() {
		logger.WithField("invoice_status", string(inv.Status)).Info("Invoice no longer payable, cancelling attempt")
		return s.cancelAttempt(ctx, attempt.ID, fmt.Sprintf("invoice %s", inv.Status))
	}

	start := s.now()
	result, err := s.processor.Charge(ctx, ChargeRequest{
		IdempotencyKey: attempt.IdempotencyKey,
		AttemptID:      attempt.ID,
		InvoiceID:      attempt.InvoiceID,
		AccountID:      attempt.AccountID,
		AmountCents:    attempt.AmountCents,
		Currency:       attempt.Currency,
	})
	s.metrics.ObserveProcessorCall(s.processor.Name(), "charge", time.Since(start))

	ref := AttemptRef{AttemptID: attempt.ID}
	if err != nil {
		logger.WithError(err).Warn("Processor charge failed")
		return s.ApplyOutcome(ctx, ref, Outcome{
			Status:         AttemptStatusFailed,
			FailureCode:    "processor_error",
			FailureMessage: err.Error(),
			Retryable:      IsRetryable(err),
			Source:         SourceProcessor,
		})
	}

	switch result.Status {
	case ChargeSucceeded:
		return s.ApplyOutcome(ctx, ref, Outcome{
			Status:      AttemptStatusSucceeded,
			ProviderRef: result.ProviderRef,
			Raw:         result.Raw,
			Source:      SourceProcessor,
		})
	case ChargeDeclined:
		return s.ApplyOutcome(ctx, ref, Outcome{
			Status:         AttemptStatusFailed,
			ProviderRef:    result.ProviderRef,
			Raw:            result.Raw,
			FailureCode:    result.DeclineCode,
			FailureMessage: result.Message,
			Retryable:      result.Retryable,
			Source:         SourceProcessor,
		})
	default:
		// Accepted; the webhook will settle it.
		return s.recordAccepted(ctx, attempt.ID, result)
	}
}

func (s *Service) recordAccepted(ctx context.Context, attemptID string, result *ChargeResult) (*Settlement, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if attempt.Status != AttemptStatusProcessing {
		// A webhook settled it while we were waiting.
		return &Settlement{Attempt: attempt, Action: ActionNoop}, nil
	}
	attempt.ProviderRef = result.ProviderRef
	attempt.RawResponse = result.Raw
	attempt.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAttempt(ctx, attempt, AttemptStatusProcessing); err != nil && !errors.Is(err, billing.ErrConflict) {
		return nil, fmt.Errorf("failed to record provider reference: %w", err)
	}
	return &Settlement{Attempt: attempt, Action: ActionNoop}, nil
}

func (s *Service) cancelAttempt(ctx context.Context, attemptID, reason string) (*Settlement, error) {
	attempt, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if !attempt.Status.Active() {
		return &Settlement{Attempt: attempt, Action: ActionNoop}, nil
	}
	now := s.now().UTC()
	attempt.Status = AttemptStatusCancelled
	attempt.FailureMessage = reason
	attempt.UpdatedAt = now
	attempt.CompletedAt = &now
	if err := s.store.UpdateAttempt(ctx, attempt, AttemptStatusPending, AttemptStatusProcessing); err != nil {
		return nil, fmt.Errorf("failed to cancel attempt: %w", err)
	}
	s.metrics.IncPaymentAttempt(attempt.Processor, string(AttemptStatusCancelled))
	return &Settlement{Attempt: attempt, Action: ActionCancelled}, nil
}

// ResolveAttempt finds an attempt by any of the identifiers in ref
func (s *Service) ResolveAttempt(ctx context.Context, ref AttemptRef) (*PaymentAttempt, error) {
	lookups := []struct {
		value string
		find  func(context.Context, string) (*PaymentAttempt, error)
	}{
		{ref.AttemptID, s.store.GetAttempt},
		{ref.IdempotencyKey, s.store.FindAttemptByKey},
		{ref.ProviderRef, s.store.FindAttemptByProviderRef},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		attempt, err := l.find(ctx, l.value)
		if err == nil {
			return attempt, nil
		}
		if !errors.Is(err, billing.ErrNotFound) {
			return nil, fmt.Errorf("failed to find attempt: %w", err)
		}
	}
	return nil, ErrAttemptNotFound
}

// ApplyOutcome settles an attempt. It is the single place where attempts
// reach a terminal state, whatever reported the outcome:
//
//   - a success is authoritative and wins over an earlier failure
//   - a success never reopens a cancelled invoice; the money is flagged
//     for refund instead
//   - a second success on one invoice is an integrity violation
//   - a failure never overwrites a success, and repeating a failure is a no-op
//   - a retryable failure below the cap schedules a new pending attempt;
//     anything else moves the invoice to overdue
//
// Each within func runs inside the same transaction after the outcome is
// applied; an error from one rolls the whole settlement back.
func (s *Service) ApplyOutcome(ctx context.Context, ref AttemptRef, outcome Outcome, within ...func(ctx context.Context, settlement *Settlement) error) (*Settlement, error) {
	found, err := s.ResolveAttempt(ctx, ref)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockInvoice(ctx, found.InvoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var settlement *Settlement
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		attempt, err := s.store.LockAttempt(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("failed to lock attempt: %w", err)
		}
		inv, err := s.store.LockInvoice(ctx, attempt.InvoiceID)
		if err != nil {
			return fmt.Errorf("failed to lock invoice: %w", err)
		}
		if err := s.checkAmount(ctx, attempt, outcome); err != nil {
			return err
		}

		switch outcome.Status {
		case AttemptStatusSucceeded:
			settlement, err = s.applySuccess(ctx, attempt, inv, outcome)
		case AttemptStatusFailed:
			settlement, err = s.applyFailure(ctx, attempt, inv, outcome)
		default:
			return fmt.Errorf("unsupported outcome status %q", outcome.Status)
		}
		if err != nil {
			return err
		}

		for _, fn := range within {
			if err := fn(ctx, settlement); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logOutcome(ctx, settlement, outcome)
	return settlement, nil
}

// checkAmount rejects an outcome that reports a different amount or
// currency than the attempt was opened for.
func (s *Service) checkAmount(ctx context.Context, attempt *PaymentAttempt, outcome Outcome) error {
	if outcome.AmountCents == 0 && outcome.Currency == "" {
		return nil
	}
	amountOK := outcome.AmountCents == 0 || outcome.AmountCents == attempt.AmountCents
	currencyOK := outcome.Currency == "" || strings.EqualFold(outcome.Currency, attempt.Currency)
	if amountOK && currencyOK {
		return nil
	}

	s.alerter.Raise(ctx, observability.Alert{
		Kind:    observability.AlertInvoiceInconsistent,
		Message: "Payment outcome amount does not match attempt",
		Fields: map[string]interface{}{
			"attempt_id":        attempt.ID,
			"invoice_id":        attempt.InvoiceID,
			"attempt_amount":    attempt.AmountCents,
			"attempt_currency":  attempt.Currency,
			"reported_amount":   outcome.AmountCents,
			"reported_currency": outcome.Currency,
		},
	})
	return fmt.Errorf("%w: attempt %s amount mismatch", billing.ErrIntegrityViolation, attempt.ID)
}

func (s *Service) applySuccess(ctx context.Context, attempt *PaymentAttempt, inv *billing.Invoice, outcome Outcome) (*Settlement, error) {
	if attempt.Status == AttemptStatusSucceeded {
		return &Settlement{Attempt: attempt, Action: ActionNoop}, nil
	}
	now := s.now().UTC()

	if inv.Status == billing.InvoiceStatusCancelled {
		prev := attempt.Status
		attempt.Status = AttemptStatusCancelled
		attempt.ProviderRef = firstNonEmpty(outcome.ProviderRef, attempt.ProviderRef)
		attempt.RawResponse = outcome.Raw
		attempt.FailureCode = "invoice_cancelled"
		attempt.FailureMessage = "captured after invoice was cancelled"
		attempt.UpdatedAt = now
		attempt.CompletedAt = &now
		if err := s.store.UpdateAttempt(ctx, attempt, prev); err != nil {
			return nil, fmt.Errorf("failed to cancel attempt: %w", err)
		}
		s.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertRefundRequired,
			Message: "Payment captured for a cancelled invoice",
			Fields: map[string]interface{}{
				"invoice_id":   inv.ID,
				"attempt_id":   attempt.ID,
				"provider_ref": attempt.ProviderRef,
				"amount_cents": attempt.AmountCents,
				"source":       string(outcome.Source),
			},
		})
		return &Settlement{Attempt: attempt, Action: ActionRefundRequired}, nil
	}

	siblings, err := s.store.ListAttempts(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	for _, other := range siblings {
		if other.ID != attempt.ID && other.Status == AttemptStatusSucceeded {
			s.alerter.Raise(ctx, observability.Alert{
				Kind:    observability.AlertDoubleCapture,
				Message: "Second successful payment reported for one invoice",
				Fields: map[string]interface{}{
					"invoice_id":        inv.ID,
					"attempt_id":        attempt.ID,
					"succeeded_attempt": other.ID,
					"provider_ref":      outcome.ProviderRef,
					"amount_cents":      attempt.AmountCents,
					"source":            string(outcome.Source),
				},
			})
			return nil, fmt.Errorf("%w: invoice %s already settled by attempt %s", billing.ErrIntegrityViolation, inv.ID, other.ID)
		}
	}
	if inv.Status == billing.InvoiceStatusPaid {
		s.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertInvoiceInconsistent,
			Message: "Paid invoice has no succeeded attempt",
			Fields:  map[string]interface{}{"invoice_id": inv.ID, "attempt_id": attempt.ID},
		})
		return nil, fmt.Errorf("%w: invoice %s is paid without a succeeded attempt", billing.ErrIntegrityViolation, inv.ID)
	}

	prev := attempt.Status
	attempt.Status = AttemptStatusSucceeded
	attempt.ProviderRef = firstNonEmpty(outcome.ProviderRef, attempt.ProviderRef)
	if len(outcome.Raw) > 0 {
		attempt.RawResponse = outcome.Raw
	}
	attempt.FailureCode = ""
	attempt.FailureMessage = ""
	attempt.NextRetryAt = nil
	attempt.UpdatedAt = now
	attempt.CompletedAt = &now
	if err := s.store.UpdateAttempt(ctx, attempt, prev); err != nil {
		return nil, fmt.Errorf("failed to mark attempt succeeded: %w", err)
	}

	if err := s.store.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusPaid, now,
		billing.InvoiceStatusDraft, billing.InvoiceStatusPending, billing.InvoiceStatusOverdue); err != nil {
		return nil, fmt.Errorf("failed to mark invoice paid: %w", err)
	}

	for _, other := range siblings {
		if other.ID == attempt.ID || !other.Status.Active() {
			continue
		}
		other.Status = AttemptStatusCancelled
		other.FailureMessage = "invoice settled by attempt " + attempt.ID
		other.UpdatedAt = now
		other.CompletedAt = &now
		if err := s.store.UpdateAttempt(ctx, other, AttemptStatusPending, AttemptStatusProcessing); err != nil {
			return nil, fmt.Errorf("failed to cancel sibling attempt %s: %w", other.ID, err)
		}
	}

	s.metrics.IncPaymentAttempt(attempt.Processor, string(AttemptStatusSucceeded))
	s.metrics.IncInvoicePaid()
	return &Settlement{Attempt: attempt, Action: ActionPaid}, nil
}

func (s *Service) applyFailure(ctx context.Context, attempt *PaymentAttempt, inv *billing.Invoice, outcome Outcome) (*Settlement, error) {
	switch attempt.Status {
	case AttemptStatusSucceeded:
		observability.FromContext(ctx).WithFields(map[string]interface{}{
			"attempt_id": attempt.ID,
			"source":     string(outcome.Source),
		}).Warn("Ignoring failure reported for a succeeded attempt")
		return &Settlement{Attempt: attempt, Action: ActionNoop}, nil
	case AttemptStatusFailed, AttemptStatusCancelled:
		return &Settlement{Attempt: attempt, Action: ActionNoop}, nil
	}

	now := s.now().UTC()
	prev := attempt.Status
	attempt.Status = AttemptStatusFailed
	attempt.ProviderRef = firstNonEmpty(outcome.ProviderRef, attempt.ProviderRef)
	if len(outcome.Raw) > 0 {
		attempt.RawResponse = outcome.Raw
	}
	attempt.FailureCode = outcome.FailureCode
	attempt.FailureMessage = outcome.FailureMessage
	attempt.UpdatedAt = now
	attempt.CompletedAt = &now
	if err := s.store.UpdateAttempt(ctx, attempt, prev); err != nil {
		return nil, fmt.Errorf("failed to mark attempt failed: %w", err)
	}
	s.metrics.IncPaymentAttempt(attempt.Processor, string(AttemptStatusFailed))

	if !inv.Status.Payable() {
		return &Settlement{Attempt: attempt, Action: ActionFailed}, nil
	}

	if outcome.Retryable && !s.policy.Exhausted(attempt.RetryCount) {
		next := s.policy.NextRetryTime(now, attempt.RetryCount)
		retryAttempt := &PaymentAttempt{
			ID:             uuid.NewString(),
			InvoiceID:      attempt.InvoiceID,
			AccountID:      attempt.AccountID,
			AmountCents:    attempt.AmountCents,
			Currency:       attempt.Currency,
			Processor:      attempt.Processor,
			IdempotencyKey: uuid.NewString(),
			Status:         AttemptStatusPending,
			RetryCount:     attempt.RetryCount + 1,
			NextRetryAt:    &next,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err := s.store.InsertAttempt(ctx, retryAttempt)
		if errors.Is(err, billing.ErrConflict) {
			// Another cycle already has an active attempt for this invoice.
			return &Settlement{Attempt: attempt, Action: ActionFailed}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to schedule retry: %w", err)
		}
		s.metrics.IncPaymentRetry(attempt.Processor)
		return &Settlement{Attempt: attempt, Retry: retryAttempt, Action: ActionRetryScheduled}, nil
	}

	if inv.Status != billing.InvoiceStatusOverdue {
		if err := s.store.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusOverdue, now, billing.InvoiceStatusPending); err != nil {
			return nil, fmt.Errorf("failed to mark invoice overdue: %w", err)
		}
		s.metrics.IncInvoiceOverdue()
	}
	return &Settlement{Attempt: attempt, Action: ActionOverdue}, nil
}

func (s *Service) logOutcome(ctx context.Context, settlement *Settlement, outcome Outcome) {
	fields := map[string]interface{}{
		"attempt_id":  settlement.Attempt.ID,
		"invoice_id":  settlement.Attempt.InvoiceID,
		"action":      string(settlement.Action),
		"source":      string(outcome.Source),
		"retry_count": settlement.Attempt.RetryCount,
	}
	if settlement.Retry != nil {
		fields["next_retry_at"] = settlement.Retry.NextRetryAt
	}
	observability.FromContext(ctx).WithFields(fields).Info("Payment outcome applied")
}

// CancelInvoice voids an invoice. Pending attempts are cancelled at once;
// attempts already at the processor check the flag when their result lands.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID, reason string) (*billing.Invoice, error) {
	unlock, err := s.lockInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var inv *billing.Invoice
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		inv, err = s.store.LockInvoice(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("failed to lock invoice %s: %w", invoiceID, err)
		}
		switch inv.Status {
		case billing.InvoiceStatusCancelled:
			return nil
		case billing.InvoiceStatusPaid:
			return fmt.Errorf("%w: invoice %s is paid", ErrInvoiceNotCancellable, invoiceID)
		}

		now := s.now().UTC()
		if err := s.store.UpdateInvoiceStatus(ctx, invoiceID, billing.InvoiceStatusCancelled, now,
			billing.InvoiceStatusDraft, billing.InvoiceStatusPending, billing.InvoiceStatusOverdue); err != nil {
			return fmt.Errorf("failed to cancel invoice: %w", err)
		}
		inv.Status = billing.InvoiceStatusCancelled
		inv.CancelledAt = &now

		attempts, err := s.store.ListAttempts(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}
		for _, a := range attempts {
			if a.Status != AttemptStatusPending {
				continue
			}
			a.Status = AttemptStatusCancelled
			a.FailureMessage = "invoice cancelled: " + reason
			a.UpdatedAt = now
			a.CompletedAt = &now
			if err := s.store.UpdateAttempt(ctx, a, AttemptStatusPending); err != nil {
				return fmt.Errorf("failed to cancel attempt %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncInvoiceCancelled()
	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"invoice_id": invoiceID,
		"reason":     reason,
	}).Info("Invoice cancelled")
	return inv, nil
}

// ProcessDueRetries claims pending attempts whose time has come and submits
// them. It returns how many attempts were claimed.
func (s *Service) ProcessDueRetries(ctx context.Context) (int, error) {
	claimed, err := s.store.ClaimDueAttempts(ctx, s.now().UTC(), s.config.ClaimBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due attempts: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	errs := async.Batch(ctx, claimed, s.config.Workers, "payment submit", 2*time.Minute, func(ctx context.Context, attempt *PaymentAttempt) error {
		_, err := s.execute(ctx, attempt)
		return err
	})
	for _, err := range errs {
		s.logger.WithError(err).Warn("Payment attempt execution failed")
	}
	return len(claimed), nil
}

// InitiateCharges opens a first attempt for every payable invoice that has
// none yet, such as one generated just before a crash. The new attempts are
// due at once and picked up by ProcessDueRetries. A limit of 0 means no
// limit.
func (s *Service) InitiateCharges(ctx context.Context, limit int) ([]*PaymentAttempt, error) {
	invoices, err := s.store.ListUnchargedInvoices(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list uncharged invoices: %w", err)
	}

	var created []*PaymentAttempt
	for _, inv := range invoices {
		attempt, err := s.CreateAttempt(ctx, inv.ID)
		if err != nil {
			// voided or settled since the listing
			if errors.Is(err, ErrInvoiceNotPayable) {
				continue
			}
			s.logger.WithError(err).WithField("invoice_id", inv.ID).Warn("Failed to open first payment attempt")
			continue
		}
		created = append(created, attempt)
	}
	return created, nil
}

// Reconcile asks the processor about attempts stuck in processing longer
// than the lease. Charges the processor never saw are failed as retryable so
// a new attempt is scheduled.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleProcessing(ctx, s.now().UTC().Add(-s.config.ProcessingLease), s.config.ClaimBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	settled := 0
	for _, attempt := range stale {
		outcome, err := s.lookupOutcome(ctx, attempt)
		if err != nil {
			s.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("Failed to reconcile attempt")
			continue
		}
		if outcome == nil {
			continue
		}
		if _, err := s.ApplyOutcome(ctx, AttemptRef{AttemptID: attempt.ID}, *outcome); err != nil {
			s.logger.WithError(err).WithField("attempt_id", attempt.ID).Warn("Failed to apply reconciled outcome")
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *Service) lookupOutcome(ctx context.Context, attempt *PaymentAttempt) (*Outcome, error) {
	start := s.now()
	result, err := s.processor.Lookup(ctx, attempt.IdempotencyKey)
	s.metrics.ObserveProcessorCall(s.processor.Name(), "lookup", time.Since(start))

	if errors.Is(err, ErrChargeNotFound) {
		return &Outcome{
			Status:         AttemptStatusFailed,
			FailureCode:    "not_found_at_processor",
			FailureMessage: "processor has no record of this charge",
			Retryable:      true,
			Source:         SourceReconciler,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case ChargeSucceeded:
		return &Outcome{Status: AttemptStatusSucceeded, ProviderRef: result.ProviderRef, Raw: result.Raw, Source: SourceReconciler}, nil
	case ChargeDeclined:
		return &Outcome{
			Status:         AttemptStatusFailed,
			ProviderRef:    result.ProviderRef,
			Raw:            result.Raw,
			FailureCode:    result.DeclineCode,
			FailureMessage: result.Message,
			Retryable:      result.Retryable,
			Source:         SourceReconciler,
		}, nil
	default:
		return nil, nil
	}
}

// ListAttempts returns every attempt made for an invoice
func (s *Service) ListAttempts(ctx context.Context, invoiceID string) ([]*PaymentAttempt, error) {
	return s.store.ListAttempts(ctx, invoiceID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
