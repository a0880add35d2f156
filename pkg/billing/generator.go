package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/async"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// GeneratorConfig holds invoice numbering and payment terms
type GeneratorConfig struct {
	NumberPrefix string
	NetTermsDays int
}

// Generator turns frozen ledgers into invoices
type Generator struct {
	store   Store
	tax     TaxFunc
	config  GeneratorConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	alerter observability.Alerter
	now     func() time.Time
}

// NewGenerator creates a new invoice generator
func NewGenerator(store Store, tax TaxFunc, config GeneratorConfig, logger *observability.Logger, metrics *observability.Metrics, alerter observability.Alerter) *Generator {
	if config.NumberPrefix == "" {
		config.NumberPrefix = "INV"
	}
	if config.NetTermsDays <= 0 {
		config.NetTermsDays = 30
	}
	return &Generator{
		store:   store,
		tax:     tax,
		config:  config,
		logger:  logger,
		metrics: metrics,
		alerter: alerter,
		now:     time.Now,
	}
}

// Generate creates the invoice for a frozen ledger and flips the ledger to
// invoiced. A second call for the same ledger returns the existing invoice.
func (g *Generator) Generate(ctx context.Context, ledgerID string) (*Invoice, error) {
	ctx, span := observability.Tracer("billing").Start(ctx, "billing.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("ledger_id", ledgerID))

	var (
		invoice *Invoice
		created bool
	)
	err := g.store.WithinTx(ctx, func(ctx context.Context) error {
		ledger, err := g.store.LockLedger(ctx, ledgerID)
		if err != nil {
			return fmt.Errorf("failed to lock ledger %s: %w", ledgerID, err)
		}

		existing, err := g.store.FindInvoiceByLedger(ctx, ledgerID)
		switch {
		case err == nil:
			if ledger.Status != LedgerStatusInvoiced {
				g.alerter.Raise(ctx, observability.Alert{
					Kind:    observability.AlertLedgerReopened,
					Message: "Invoiced ledger is no longer marked invoiced",
					Fields:  map[string]interface{}{"ledger_id": ledgerID, "invoice_id": existing.ID, "status": string(ledger.Status)},
				})
				return fmt.Errorf("%w: ledger %s has invoice %s but status %s", ErrIntegrityViolation, ledgerID, existing.ID, ledger.Status)
			}
			invoice = existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("failed to find invoice for ledger: %w", err)
		}

		switch ledger.Status {
		case LedgerStatusFrozen:
		case LedgerStatusInvoiced:
			g.alerter.Raise(ctx, observability.Alert{
				Kind:    observability.AlertInvoiceInconsistent,
				Message: "Ledger marked invoiced without an invoice",
				Fields:  map[string]interface{}{"ledger_id": ledgerID},
			})
			return fmt.Errorf("%w: ledger %s is invoiced but has no invoice", ErrIntegrityViolation, ledgerID)
		default:
			return fmt.Errorf("%w: ledger %s is %s", ErrLedgerNotFrozen, ledgerID, ledger.Status)
		}

		adjustments, err := g.store.ListAdjustments(ctx, ledgerID)
		if err != nil {
			return fmt.Errorf("failed to list adjustments: %w", err)
		}
		ledger.Adjustments = adjustments

		invoice, err = g.build(ctx, ledger)
		if err != nil {
			return err
		}
		if invoice.TotalCents <= 0 {
			// Nothing is due. A net credit moves to next month's ledger
			// instead of being sent to the processor as a negative charge.
			paidAt := invoice.IssuedAt
			invoice.Status = InvoiceStatusPaid
			invoice.PaidAt = &paidAt
		}
		if err := g.store.InsertInvoice(ctx, invoice); err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
		if invoice.TotalCents < 0 {
			if err := g.carryForward(ctx, ledger, invoice); err != nil {
				return err
			}
		}
		if err := g.store.SetLedgerStatus(ctx, ledgerID, LedgerStatusFrozen, LedgerStatusInvoiced); err != nil {
			return fmt.Errorf("failed to mark ledger invoiced: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		g.metrics.IncInvoiceGenerated()
		g.logger.WithFields(map[string]interface{}{
			"invoice_id":     invoice.ID,
			"invoice_number": invoice.InvoiceNumber,
			"ledger_id":      ledgerID,
			"total_cents":    invoice.TotalCents,
		}).Info("Invoice generated")
	}
	return invoice, nil
}

// carryForward credits the excess of a negative invoice to the account's
// ledger for the following month, opening that ledger if needed.
func (g *Generator) carryForward(ctx context.Context, ledger *UsageLedger, inv *Invoice) error {
	next := ledger.Month.Next()
	target, err := g.store.FindLedger(ctx, ledger.AccountID, next)
	if errors.Is(err, ErrNotFound) {
		target = &UsageLedger{
			ID:             uuid.NewString(),
			AccountID:      ledger.AccountID,
			Month:          next,
			CostComponents: map[string]int64{},
			Currency:       ledger.Currency,
			Status:         LedgerStatusOpen,
			CreatedAt:      inv.IssuedAt,
			UpdatedAt:      inv.IssuedAt,
		}
		err = g.store.InsertLedger(ctx, target)
		if errors.Is(err, ErrConflict) {
			target, err = g.store.FindLedger(ctx, ledger.AccountID, next)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to open ledger for credit carry-forward: %w", err)
	}
	if target, err = g.store.LockLedger(ctx, target.ID); err != nil {
		return fmt.Errorf("failed to lock ledger for credit carry-forward: %w", err)
	}

	if target.Status != LedgerStatusOpen {
		g.alerter.Raise(ctx, observability.Alert{
			Kind:    observability.AlertCreditNotCarried,
			Message: "Net credit could not be carried to a closed ledger",
			Fields: map[string]interface{}{
				"invoice_id":   inv.ID,
				"account_id":   inv.AccountID,
				"ledger_id":    target.ID,
				"credit_cents": -inv.TotalCents,
			},
		})
		return nil
	}

	if err := g.store.InsertAdjustment(ctx, &LedgerAdjustment{
		ID:          uuid.NewString(),
		LedgerID:    target.ID,
		Kind:        AdjustmentCredit,
		AmountCents: -inv.TotalCents,
		Reason:      "Credit carried forward from " + inv.InvoiceNumber,
		Actor:       "billing",
		AppliedAt:   inv.IssuedAt,
	}); err != nil {
		return fmt.Errorf("failed to carry credit forward: %w", err)
	}
	return nil
}

func (g *Generator) build(ctx context.Context, ledger *UsageLedger) (*Invoice, error) {
	items := BuildLineItems(ledger)

	var subtotal int64
	for _, item := range items {
		subtotal += item.AmountCents
	}
	tax, err := g.tax(ctx, ledger.AccountID, subtotal)
	if err != nil {
		return nil, fmt.Errorf("failed to compute tax: %w", err)
	}

	seq, err := g.store.NextInvoiceSequence(ctx, ledger.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate invoice number: %w", err)
	}

	now := g.now().UTC()
	return &Invoice{
		ID:            uuid.NewString(),
		InvoiceNumber: FormatInvoiceNumber(g.config.NumberPrefix, ledger.Month, seq),
		AccountID:     ledger.AccountID,
		LedgerID:      ledger.ID,
		Month:         ledger.Month,
		LineItems:     items,
		SubtotalCents: subtotal,
		TaxCents:      tax,
		TotalCents:    subtotal + tax,
		Currency:      ledger.Currency,
		Status:        InvoiceStatusPending,
		DueDate:       now.AddDate(0, 0, g.config.NetTermsDays),
		IssuedAt:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// BuildLineItems lays out a ledger as invoice rows: cost components ordered
// by name, then adjustments ordered by when they were applied.
func BuildLineItems(ledger *UsageLedger) []LineItem {
	items := make([]LineItem, 0, len(ledger.CostComponents)+len(ledger.Adjustments))
	for _, name := range ledger.ComponentNames() {
		items = append(items, LineItem{
			Kind:        LineItemUsage,
			Code:        name,
			Description: componentDescription(name, ledger),
			AmountCents: ledger.CostComponents[name],
		})
	}

	adjustments := make([]LedgerAdjustment, len(ledger.Adjustments))
	copy(adjustments, ledger.Adjustments)
	sort.SliceStable(adjustments, func(i, j int) bool {
		if adjustments[i].AppliedAt.Equal(adjustments[j].AppliedAt) {
			return adjustments[i].ID < adjustments[j].ID
		}
		return adjustments[i].AppliedAt.Before(adjustments[j].AppliedAt)
	})
	for _, adj := range adjustments {
		items = append(items, LineItem{
			Kind:        LineItemAdjustment,
			Code:        "adjustment." + string(adj.Kind),
			Description: adj.Reason,
			AmountCents: adj.SignedCents(),
		})
	}

	for i := range items {
		items[i].Position = i + 1
	}
	return items
}

func componentDescription(name string, ledger *UsageLedger) string {
	switch name {
	case ComponentBase:
		return fmt.Sprintf("Base fare (%d rides)", ledger.RideCount)
	case ComponentDistance:
		return fmt.Sprintf("Distance fee (%d.%02d km)", ledger.DistanceMeters/1000, (ledger.DistanceMeters%1000)/10)
	case ComponentTime:
		return fmt.Sprintf("Time fee (%d min)", ledger.DurationSeconds/60)
	default:
		return name
	}
}

// FormatInvoiceNumber renders PREFIX-YYYYMM-NNNNNN
func FormatInvoiceNumber(prefix string, month BillingMonth, seq int64) string {
	return fmt.Sprintf("%s-%s-%06d", prefix, month.Compact(), seq)
}

// GenerateAll invoices every frozen ledger of a month
func (g *Generator) GenerateAll(ctx context.Context, month BillingMonth, workers int) ([]*Invoice, []error) {
	ledgers, err := g.store.ListLedgers(ctx, month, LedgerStatusFrozen)
	if err != nil {
		return nil, []error{fmt.Errorf("failed to list frozen ledgers: %w", err)}
	}
	if workers <= 0 {
		workers = 1
	}

	invoices := make([]*Invoice, len(ledgers))
	indexes := make([]int, len(ledgers))
	for i := range ledgers {
		indexes[i] = i
	}
	errs := async.Batch(ctx, indexes, workers, "invoice generation", 5*time.Minute, func(ctx context.Context, i int) error {
		inv, err := g.Generate(ctx, ledgers[i].ID)
		if err != nil {
			return fmt.Errorf("ledger %s: %w", ledgers[i].ID, err)
		}
		invoices[i] = inv
		return nil
	})

	out := invoices[:0]
	for _, inv := range invoices {
		if inv != nil {
			out = append(out, inv)
		}
	}
	return out, errs
}

// IssueCorrection amends an issued invoice with a credit or debit. The
// invoice itself is never modified; the correction carries the signed delta.
func (g *Generator) IssueCorrection(ctx context.Context, invoiceID string, adj LedgerAdjustment) (*InvoiceCorrection, error) {
	if adj.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAdjustment)
	}
	if adj.Kind != AdjustmentCredit && adj.Kind != AdjustmentDebit {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAdjustment, adj.Kind)
	}

	var correction *InvoiceCorrection
	err := g.store.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := g.store.LockInvoice(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("failed to lock invoice %s: %w", invoiceID, err)
		}
		existing, err := g.store.ListCorrections(ctx, invoiceID)
		if err != nil {
			return fmt.Errorf("failed to list corrections: %w", err)
		}

		now := g.now().UTC()
		adj.ID = uuid.NewString()
		adj.LedgerID = inv.LedgerID
		if adj.AppliedAt.IsZero() {
			adj.AppliedAt = now
		}

		delta := adj.SignedCents()
		tax, err := g.tax(ctx, inv.AccountID, delta)
		if err != nil {
			return fmt.Errorf("failed to compute tax: %w", err)
		}

		correction = &InvoiceCorrection{
			ID:               uuid.NewString(),
			CorrectionNumber: fmt.Sprintf("%s-C%d", inv.InvoiceNumber, len(existing)+1),
			InvoiceID:        inv.ID,
			Adjustment:       adj,
			SubtotalCents:    delta,
			TaxCents:         tax,
			TotalCents:       delta + tax,
			Currency:         inv.Currency,
			IssuedAt:         now,
		}
		if err := g.store.InsertCorrection(ctx, correction); err != nil {
			return fmt.Errorf("failed to insert correction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logger.WithFields(map[string]interface{}{
		"invoice_id":        invoiceID,
		"correction_number": correction.CorrectionNumber,
		"total_cents":       correction.TotalCents,
	}).Info("Invoice correction issued")
	return correction, nil
}

// VerifyInvoice checks the stored totals of an invoice against its line
// items and raises an alert if they disagree.
func (g *Generator) VerifyInvoice(ctx context.Context, invoiceID string) error {
	inv, err := g.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("failed to get invoice %s: %w", invoiceID, err)
	}
	if inv.Consistent() {
		return nil
	}
	g.alerter.Raise(ctx, observability.Alert{
		Kind:    observability.AlertInvoiceInconsistent,
		Message: "Invoice totals do not match line items",
		Fields: map[string]interface{}{
			"invoice_id":     inv.ID,
			"subtotal_cents": inv.SubtotalCents,
			"tax_cents":      inv.TaxCents,
			"total_cents":    inv.TotalCents,
			"line_sum_cents": inv.LineItemsTotal(),
		},
	})
	return fmt.Errorf("%w: invoice %s totals inconsistent", ErrIntegrityViolation, inv.ID)
}
