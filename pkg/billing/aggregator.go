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

// RatesFunc returns the cost rates currently in force
type RatesFunc func() CostRates

// UsageSummary is the raw monthly usage of one account
type UsageSummary struct {
	RideCount       int64
	DistanceMeters  int64
	DurationSeconds int64
}

// Summarize folds stop records into monthly totals. A ride is one trip, so
// multiple stops of the same trip count once.
func Summarize(stops []StopRecord) UsageSummary {
	trips := make(map[string]struct{}, len(stops))
	var s UsageSummary
	for _, stop := range stops {
		trips[stop.TripID] = struct{}{}
		s.DistanceMeters += stop.DistanceMeters
		s.DurationSeconds += stop.DurationSeconds
	}
	s.RideCount = int64(len(trips))
	return s
}

// CostComponents applies the base + distance + time formula. Distance and
// time fees are rounded half-up to the nearest minor unit.
func CostComponents(s UsageSummary, rates CostRates) map[string]int64 {
	return map[string]int64{
		ComponentBase:     s.RideCount * rates.BaseFareCents,
		ComponentDistance: (s.DistanceMeters*rates.PerKmCents + 500) / 1000,
		ComponentTime:     (s.DurationSeconds*rates.PerMinuteCents + 30) / 60,
	}
}

// Aggregator closes monthly usage ledgers
type Aggregator struct {
	store   Store
	usage   UsageSource
	rates   RatesFunc
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewAggregator creates a new ledger aggregator
func NewAggregator(store Store, usage UsageSource, rates RatesFunc, logger *observability.Logger, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{
		store:   store,
		usage:   usage,
		rates:   rates,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// CloseMonth computes and freezes the ledger for (account, month). Closing an
// already frozen or invoiced ledger returns it unchanged.
func (a *Aggregator) CloseMonth(ctx context.Context, accountID string, month BillingMonth) (*UsageLedger, error) {
	ctx, span := observability.Tracer("billing").Start(ctx, "billing.CloseMonth")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.String("month", month.String()),
	)

	existing, err := a.store.FindLedger(ctx, accountID, month)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to find ledger: %w", err)
	}
	if existing != nil && existing.Status != LedgerStatusOpen {
		a.metrics.IncLedgerClosed("existing")
		return existing, nil
	}

	watermark, err := a.usage.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage watermark: %w", err)
	}
	if watermark.Before(month.End()) {
		a.metrics.IncLedgerClosed("incomplete")
		return nil, fmt.Errorf("%w: %s landed up to %s", ErrIncompleteUsageData, month, watermark.UTC().Format(time.RFC3339))
	}

	stops, err := a.usage.CompletedStops(ctx, accountID, month.Start(), month.End())
	if err != nil {
		return nil, fmt.Errorf("failed to read completed stops: %w", err)
	}
	summary := Summarize(stops)
	rates := a.rates()
	components := CostComponents(summary, rates)

	var ledger *UsageLedger
	err = a.store.WithinTx(ctx, func(ctx context.Context) error {
		var txErr error
		ledger, txErr = a.freeze(ctx, accountID, month, summary, components, rates.Currency)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	a.metrics.IncLedgerClosed("closed")
	a.logger.WithFields(map[string]interface{}{
		"ledger_id":  ledger.ID,
		"account_id": accountID,
		"month":      month.String(),
		"rides":      ledger.RideCount,
	}).Info("Usage ledger closed")
	return ledger, nil
}

func (a *Aggregator) freeze(ctx context.Context, accountID string, month BillingMonth, summary UsageSummary, components map[string]int64, currency string) (*UsageLedger, error) {
	now := a.now().UTC()

	current, err := a.store.FindLedger(ctx, accountID, month)
	if errors.Is(err, ErrNotFound) {
		ledger := &UsageLedger{
			ID:              uuid.NewString(),
			AccountID:       accountID,
			Month:           month,
			RideCount:       summary.RideCount,
			DistanceMeters:  summary.DistanceMeters,
			DurationSeconds: summary.DurationSeconds,
			CostComponents:  components,
			Currency:        currency,
			Status:          LedgerStatusFrozen,
			FrozenAt:        &now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		err = a.store.InsertLedger(ctx, ledger)
		if err == nil {
			return ledger, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("failed to insert ledger: %w", err)
		}
		// Lost the race to a concurrent close or adjustment.
		current, err = a.store.FindLedger(ctx, accountID, month)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find ledger: %w", err)
	}

	ledger, err := a.store.LockLedger(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ledger: %w", err)
	}
	if ledger.Status != LedgerStatusOpen {
		return ledger, nil
	}

	adjustments, err := a.store.ListAdjustments(ctx, ledger.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list adjustments: %w", err)
	}

	ledger.RideCount = summary.RideCount
	ledger.DistanceMeters = summary.DistanceMeters
	ledger.DurationSeconds = summary.DurationSeconds
	ledger.CostComponents = components
	ledger.Adjustments = adjustments
	ledger.Currency = currency
	ledger.Status = LedgerStatusFrozen
	ledger.FrozenAt = &now
	ledger.UpdatedAt = now

	if err := a.store.SaveLedger(ctx, ledger); err != nil {
		return nil, fmt.Errorf("failed to save ledger: %w", err)
	}
	return ledger, nil
}

// CloseResult reports the outcome of closing one account
type CloseResult struct {
	AccountID string
	Ledger    *UsageLedger
	Err       error
}

// CloseAll closes the month for every account with usage in it and every
// account holding an open ledger for it, such as one with only adjustments.
// Failures are reported per account; one account never blocks another.
func (a *Aggregator) CloseAll(ctx context.Context, month BillingMonth, workers int) ([]CloseResult, error) {
	active, err := a.usage.ActiveAccounts(ctx, month.Start(), month.End())
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	open, err := a.store.ListLedgers(ctx, month, LedgerStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list open ledgers: %w", err)
	}

	seen := make(map[string]bool, len(active)+len(open))
	accounts := make([]string, 0, len(active)+len(open))
	for _, acct := range active {
		if !seen[acct] {
			seen[acct] = true
			accounts = append(accounts, acct)
		}
	}
	for _, l := range open {
		if !seen[l.AccountID] {
			seen[l.AccountID] = true
			accounts = append(accounts, l.AccountID)
		}
	}
	sort.Strings(accounts)
	if workers <= 0 {
		workers = 1
	}

	results := make([]CloseResult, len(accounts))
	indexes := make([]int, len(accounts))
	for i := range accounts {
		indexes[i] = i
		results[i] = CloseResult{AccountID: accounts[i], Err: context.Canceled}
	}

	async.Batch(ctx, indexes, workers, "ledger close", 5*time.Minute, func(ctx context.Context, i int) error {
		ledger, err := a.CloseMonth(ctx, accounts[i], month)
		results[i] = CloseResult{AccountID: accounts[i], Ledger: ledger, Err: err}
		return err
	})

	for _, r := range results {
		if r.Err != nil {
			a.logger.WithError(r.Err).WithField("account_id", r.AccountID).Warn("Failed to close usage ledger")
		}
	}
	return results, nil
}

// RecordAdjustment appends a manual credit or debit to the account's ledger
// for month, creating an open ledger if none exists yet. Adjustments against
// a frozen or invoiced ledger are rejected with ErrLedgerFrozen.
func (a *Aggregator) RecordAdjustment(ctx context.Context, accountID string, month BillingMonth, adj LedgerAdjustment) (*LedgerAdjustment, error) {
	if adj.AmountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAdjustment)
	}
	if adj.Kind != AdjustmentCredit && adj.Kind != AdjustmentDebit {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAdjustment, adj.Kind)
	}
	if adj.Reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
	}

	now := a.now().UTC()
	err := a.store.WithinTx(ctx, func(ctx context.Context) error {
		ledger, err := a.openLedger(ctx, accountID, month, now)
		if err != nil {
			return err
		}
		if ledger.Status != LedgerStatusOpen {
			return fmt.Errorf("%w: %s", ErrLedgerFrozen, ledger.ID)
		}

		adj.ID = uuid.NewString()
		adj.LedgerID = ledger.ID
		if adj.AppliedAt.IsZero() {
			adj.AppliedAt = now
		}
		if err := a.store.InsertAdjustment(ctx, &adj); err != nil {
			return fmt.Errorf("failed to insert adjustment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &adj, nil
}

// openLedger returns the locked ledger for (account, month), inserting an
// empty open ledger if there is none.
func (a *Aggregator) openLedger(ctx context.Context, accountID string, month BillingMonth, now time.Time) (*UsageLedger, error) {
	current, err := a.store.FindLedger(ctx, accountID, month)
	if errors.Is(err, ErrNotFound) {
		current = &UsageLedger{
			ID:             uuid.NewString(),
			AccountID:      accountID,
			Month:          month,
			CostComponents: map[string]int64{},
			Currency:       a.rates().Currency,
			Status:         LedgerStatusOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = a.store.InsertLedger(ctx, current)
		if errors.Is(err, ErrConflict) {
			current, err = a.store.FindLedger(ctx, accountID, month)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return a.store.LockLedger(ctx, current.ID)
}
