package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

// MonthEndReport summarizes one month-end run
type MonthEndReport struct {
	Month            billing.BillingMonth `json:"month"`
	Closed           int                  `json:"closed"`
	CloseFailures    int                  `json:"close_failures"`
	Invoiced         int                  `json:"invoiced"`
	GenerateFailures int                  `json:"generate_failures"`
	Submitted        int64                `json:"submitted"`
	Paid             int64                `json:"paid"`
	ChargeFailures   int64                `json:"charge_failures"`
}

// RunMonthEnd closes every account's ledger for month, invoices the frozen
// ledgers and submits a first charge for every payable invoice that has no
// attempt yet. That last sweep is not limited to this run's invoices, so an
// invoice left uncharged by an interrupted run is picked up by the next one.
// Per-account failures are counted and logged; the run continues past them.
func (a *App) RunMonthEnd(ctx context.Context, month billing.BillingMonth) (*MonthEndReport, error) {
	workers := a.Config.Billing.BatchWorkers
	report := &MonthEndReport{Month: month}
	log := a.Logger.WithField("month", month.String())

	results, err := a.Aggregator.CloseAll(ctx, month, workers)
	if err != nil {
		return report, fmt.Errorf("failed to close month %s: %w", month, err)
	}
	for _, r := range results {
		if r.Err != nil {
			report.CloseFailures++
			continue
		}
		report.Closed++
	}

	invoices, errs := a.Generator.GenerateAll(ctx, month, workers)
	report.Invoiced = len(invoices)
	report.GenerateFailures = len(errs)
	for _, err := range errs {
		log.WithError(err).Warn("Invoice generation failed")
	}

	attempts, err := a.Payments.InitiateCharges(ctx, 0)
	if err != nil {
		return report, fmt.Errorf("failed to open first charges: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, attempt := range attempts {
		attempt := attempt
		g.Go(func() error {
			settlement, err := a.Payments.Submit(gctx, attempt.ID)
			switch {
			case errors.Is(err, payments.ErrAttemptNotPending):
				// a poller got there first
				return nil
			case err != nil:
				atomic.AddInt64(&report.ChargeFailures, 1)
				log.WithError(err).WithField("invoice_id", attempt.InvoiceID).Warn("Failed to submit first charge")
				return nil
			}
			atomic.AddInt64(&report.Submitted, 1)
			if settlement.Action == payments.ActionPaid {
				atomic.AddInt64(&report.Paid, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	log.WithFields(map[string]interface{}{
		"closed":          report.Closed,
		"close_failures":  report.CloseFailures,
		"invoiced":        report.Invoiced,
		"submitted":       report.Submitted,
		"paid":            report.Paid,
		"charge_failures": report.ChargeFailures,
	}).Info("Month-end run completed")
	return report, ctx.Err()
}

// RunDunning marks overdue invoices and sends the notices that are due
func (a *App) RunDunning(ctx context.Context) (dunning.Summary, error) {
	summary, err := a.Dunning.RunOnce(ctx)
	if err != nil {
		return summary, fmt.Errorf("dunning run failed: %w", err)
	}
	return summary, nil
}

// ErrArchiveDisabled is returned by RunArchive when archival is not configured
var ErrArchiveDisabled = errors.New("security log archival is disabled")

// RunArchive uploads every checkpointed security log segment not yet archived
func (a *App) RunArchive(ctx context.Context) (int, error) {
	if a.Archiver == nil {
		return 0, ErrArchiveDisabled
	}
	n, err := a.Archiver.Run(ctx)
	if err != nil {
		return n, fmt.Errorf("archive run failed: %w", err)
	}
	return n, nil
}
