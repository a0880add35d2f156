package dunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/locks"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// Engine escalates overdue invoices through a fixed ladder of notices
type Engine struct {
	store       Store
	notifier    Notifier
	collections Collections
	locker      locks.Locker
	policy      Policy
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewEngine creates a new dunning engine. The locker must be the one the
// payment service uses so that a notice is never delivered while a payment
// for the same invoice is being settled.
func NewEngine(store Store, notifier Notifier, collections Collections, locker locks.Locker, policy Policy, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	defaults := DefaultPolicy()
	if policy.MaxLevel <= 0 {
		policy.MaxLevel = defaults.MaxLevel
	}
	if policy.Cooldown <= 0 {
		policy.Cooldown = defaults.Cooldown
	}
	if policy.MaxDeliveryAttempts <= 0 {
		policy.MaxDeliveryAttempts = defaults.MaxDeliveryAttempts
	}
	return &Engine{
		store:       store,
		notifier:    notifier,
		collections: collections,
		locker:      locker,
		policy:      policy,
		logger:      logger.WithField("component", "dunning"),
		metrics:     metrics,
		now:         time.Now,
	}
}

// Policy returns the effective policy
func (e *Engine) Policy() Policy {
	return e.policy
}

// MarkOverdue moves pending invoices past their due date to overdue
func (e *Engine) MarkOverdue(ctx context.Context) (int, error) {
	now := e.now().UTC()
	due, err := e.store.ListInvoices(ctx, billing.InvoiceFilter{
		Statuses:  []billing.InvoiceStatus{billing.InvoiceStatusPending},
		DueBefore: &now,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list due invoices: %w", err)
	}

	marked := 0
	for _, inv := range due {
		err := e.store.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusOverdue, now, billing.InvoiceStatusPending)
		if errors.Is(err, billing.ErrConflict) {
			// Paid or voided since the listing.
			continue
		}
		if err != nil {
			return marked, fmt.Errorf("failed to mark invoice %s overdue: %w", inv.ID, err)
		}
		marked++
		e.metrics.IncInvoiceOverdue()
	}
	return marked, nil
}

// RunOnce marks overdue invoices and advances each overdue invoice by at
// most one step. Errors on one invoice are logged and counted; they do not
// stop the run.
func (e *Engine) RunOnce(ctx context.Context) (Summary, error) {
	ctx, span := observability.Tracer("dunning").Start(ctx, "dunning.run")
	defer span.End()

	var summary Summary
	marked, err := e.MarkOverdue(ctx)
	summary.MarkedOverdue = marked
	if err != nil {
		return summary, err
	}

	overdue, err := e.store.ListInvoices(ctx, billing.InvoiceFilter{
		Statuses: []billing.InvoiceStatus{billing.InvoiceStatusOverdue},
	})
	if err != nil {
		return summary, fmt.Errorf("failed to list overdue invoices: %w", err)
	}

	for _, inv := range overdue {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := e.advance(ctx, inv.ID, &summary); err != nil {
			summary.Errors++
			e.logger.WithError(err).WithField("invoice_id", inv.ID).Error("Dunning step failed")
		}
	}

	span.SetAttributes(
		attribute.Int("invoices", len(overdue)),
		attribute.Int("sent", summary.Sent),
		attribute.Int("handed_off", summary.HandedOff),
	)
	e.logger.WithFields(map[string]interface{}{
		"marked_overdue": summary.MarkedOverdue,
		"scheduled":      summary.Scheduled,
		"sent":           summary.Sent,
		"skipped":        summary.Skipped,
		"failed":         summary.Failed,
		"handed_off":     summary.HandedOff,
		"errors":         summary.Errors,
	}).Info("Dunning run complete")
	return summary, nil
}

// advance runs one escalation step for an invoice. The invoice lock is held
// from scheduling through delivery.
func (e *Engine) advance(ctx context.Context, invoiceID string, summary *Summary) error {
	unlock, err := e.locker.Lock(ctx, "invoice:"+invoiceID)
	if err != nil {
		return fmt.Errorf("%w: %v", billing.ErrTransient, err)
	}
	defer unlock()

	var notice *Notice
	var created bool
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := e.store.LockInvoice(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("failed to lock invoice: %w", err)
		}
		if inv.Status != billing.InvoiceStatusOverdue {
			return nil
		}
		notice, created, err = e.nextNotice(ctx, inv)
		return err
	})
	if err != nil || notice == nil {
		return err
	}
	if created {
		summary.Scheduled++
	}

	if notice.Handoff(e.policy.MaxLevel) {
		return e.handoff(ctx, notice, summary)
	}
	return e.deliver(ctx, notice, summary)
}

// nextNotice decides what the invoice needs now: an unfinished notice to
// deliver again, a new notice one level up, or nothing. A notice whose
// delivery attempts ran out gets one more attempt per cooldown and is never
// escalated past.
func (e *Engine) nextNotice(ctx context.Context, inv *billing.Invoice) (*Notice, bool, error) {
	now := e.now().UTC()

	level := 1
	latest, err := e.store.LatestNotice(ctx, inv.ID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
	case err != nil:
		return nil, false, fmt.Errorf("failed to read latest notice: %w", err)
	default:
		if latest.Status == NoticeCollections {
			return nil, false, nil
		}
		if latest.Status == NoticeScheduled {
			return latest, false, nil
		}
		if latest.Status == NoticeFailed && latest.Attempts < e.policy.MaxDeliveryAttempts {
			return latest, false, nil
		}
		last := latest.UpdatedAt
		if latest.SentAt != nil {
			last = *latest.SentAt
		}
		if now.Sub(last) < e.policy.Cooldown {
			return nil, false, nil
		}
		if latest.Status == NoticeFailed {
			// the customer never received this level
			e.logger.WithFields(map[string]interface{}{
				"invoice_id": inv.ID,
				"notice_id":  latest.ID,
				"level":      latest.Level,
				"attempts":   latest.Attempts,
			}).Warn("Dunning notice was never delivered, retrying the same level")
			return latest, false, nil
		}
		level = latest.Level + 1
	}

	if level > e.policy.MaxLevel+1 {
		level = e.policy.MaxLevel + 1
	}
	n := &Notice{
		ID:          uuid.NewString(),
		InvoiceID:   inv.ID,
		AccountID:   inv.AccountID,
		Level:       level,
		DueDate:     inv.DueDate,
		AmountCents: inv.TotalCents,
		Currency:    inv.Currency,
		Status:      NoticeScheduled,
		ScheduledAt: now,
		UpdatedAt:   now,
	}
	if err := e.store.InsertNotice(ctx, n); err != nil {
		return nil, false, fmt.Errorf("failed to schedule level %d notice: %w", level, err)
	}
	return n, true, nil
}

// deliver re-reads the invoice right before sending and skips the notice
// if it is no longer overdue
func (e *Engine) deliver(ctx context.Context, n *Notice, summary *Summary) error {
	logger := e.logger.WithFields(map[string]interface{}{
		"invoice_id": n.InvoiceID,
		"notice_id":  n.ID,
		"level":      n.Level,
	})

	inv, err := e.store.GetInvoice(ctx, n.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to re-read invoice: %w", err)
	}

	now := e.now().UTC()
	if inv.Status != billing.InvoiceStatusOverdue {
		n.Status = NoticeSkipped
		n.FailureReason = "invoice " + string(inv.Status)
		n.UpdatedAt = now
		if err := e.store.UpdateNotice(ctx, n); err != nil {
			return fmt.Errorf("failed to skip notice: %w", err)
		}
		summary.Skipped++
		e.metrics.IncDunningNotice(n.Level, string(n.Status))
		logger.WithField("invoice_status", string(inv.Status)).Info("Dunning notice skipped")
		return nil
	}

	n.Attempts++
	sendErr := e.notifier.Notify(ctx, n, inv)
	now = e.now().UTC()
	n.UpdatedAt = now
	if sendErr != nil {
		n.Status = NoticeFailed
		n.FailureReason = sendErr.Error()
		summary.Failed++
		logger.WithError(sendErr).WithField("attempts", n.Attempts).Warn("Dunning notice delivery failed")
	} else {
		n.Status = NoticeSent
		n.SentAt = &now
		n.FailureReason = ""
		summary.Sent++
		logger.WithField("notifier", e.notifier.Name()).Info("Dunning notice sent")
	}
	e.metrics.IncDunningNotice(n.Level, string(n.Status))

	if err := e.store.UpdateNotice(ctx, n); err != nil {
		return fmt.Errorf("failed to record notice delivery: %w", err)
	}
	return nil
}

func (e *Engine) handoff(ctx context.Context, n *Notice, summary *Summary) error {
	inv, err := e.store.GetInvoice(ctx, n.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to re-read invoice: %w", err)
	}
	if inv.Status != billing.InvoiceStatusOverdue {
		return nil
	}

	n.Attempts++
	now := e.now().UTC()
	n.UpdatedAt = now
	if err := e.collections.Handoff(ctx, inv, n); err != nil {
		n.FailureReason = err.Error()
		if uerr := e.store.UpdateNotice(ctx, n); uerr != nil {
			e.logger.WithError(uerr).WithField("notice_id", n.ID).Warn("Failed to record hand-off failure")
		}
		return fmt.Errorf("failed to hand invoice to collections: %w", err)
	}

	n.Status = NoticeCollections
	n.SentAt = &now
	n.FailureReason = ""
	if err := e.store.UpdateNotice(ctx, n); err != nil {
		return fmt.Errorf("failed to record hand-off: %w", err)
	}
	summary.HandedOff++
	e.metrics.IncDunningNotice(n.Level, string(n.Status))
	e.logger.WithFields(map[string]interface{}{
		"invoice_id": inv.ID,
		"account_id": inv.AccountID,
	}).Warn("Invoice handed to manual collections")
	return nil
}

// History returns an invoice's notices by level
func (e *Engine) History(ctx context.Context, invoiceID string) ([]*Notice, error) {
	return e.store.ListNotices(ctx, invoiceID)
}
