package billing_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/storage/memory"
)

var issuedAt = time.Date(2024, 12, 1, 6, 0, 0, 0, time.UTC)

type generatorFixture struct {
	store     *memory.Store
	agg       *billing.Aggregator
	generator *billing.Generator
	alerter   *observability.RecordingAlerter
}

func newGeneratorFixture(t *testing.T, accounts ...string) *generatorFixture {
	t.Helper()
	f := &generatorFixture{store: memory.New(), alerter: &observability.RecordingAlerter{}}
	for _, acct := range accounts {
		f.store.AddStops(novemberStops(acct)...)
	}
	f.store.SetWatermark(closedAt)
	f.agg = newAggregator(f.store)
	f.generator = billing.NewGenerator(f.store, billing.FlatTax(1000), billing.GeneratorConfig{}, observability.NewNopLogger(), nil, f.alerter)
	f.generator.SetNow(func() time.Time { return issuedAt })
	return f
}

func (f *generatorFixture) close(t *testing.T, accountID string) *billing.UsageLedger {
	t.Helper()
	ledger, err := f.agg.CloseMonth(context.Background(), accountID, november)
	require.NoError(t, err)
	return ledger
}

func TestGenerator_Generate(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ctx := context.Background()
	ledger := f.close(t, "acct-a")

	inv, err := f.generator.Generate(ctx, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-202411-000001", inv.InvoiceNumber)
	assert.Equal(t, int64(250000), inv.SubtotalCents)
	assert.Equal(t, int64(25000), inv.TaxCents)
	assert.Equal(t, int64(275000), inv.TotalCents)
	assert.Equal(t, "USD", inv.Currency)
	assert.Equal(t, billing.InvoiceStatusPending, inv.Status)
	assert.Equal(t, issuedAt, inv.IssuedAt)
	assert.Equal(t, issuedAt.AddDate(0, 0, 30), inv.DueDate)
	assert.Equal(t, november, inv.Month)
	assert.True(t, inv.Consistent())

	want := []billing.LineItem{
		{Position: 1, Kind: billing.LineItemUsage, Code: "base", Description: "Base fare (10 rides)", AmountCents: 45000},
		{Position: 2, Kind: billing.LineItemUsage, Code: "distance", Description: "Distance fee (82.00 km)", AmountCents: 123000},
		{Position: 3, Kind: billing.LineItemUsage, Code: "time", Description: "Time fee (410 min)", AmountCents: 82000},
	}
	assert.Equal(t, want, inv.LineItems)

	stored, err := f.store.GetLedger(ctx, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.LedgerStatusInvoiced, stored.Status)

	// Generating twice returns the same invoice and burns no number.
	again, err := f.generator.Generate(ctx, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, again.ID)
	assert.Equal(t, inv.InvoiceNumber, again.InvoiceNumber)
	assert.Empty(t, f.alerter.Kinds())
}

func TestGenerator_GenerateWithAdjustments(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ctx := context.Background()

	for _, adj := range []billing.LedgerAdjustment{
		{Kind: billing.AdjustmentDebit, AmountCents: 1200, Reason: "Cleaning fee", AppliedAt: november.Start().Add(48 * time.Hour)},
		{Kind: billing.AdjustmentCredit, AmountCents: 6200, Reason: "Late pickup", AppliedAt: november.Start().Add(24 * time.Hour)},
	} {
		_, err := f.agg.RecordAdjustment(ctx, "acct-a", november, adj)
		require.NoError(t, err)
	}
	ledger := f.close(t, "acct-a")

	inv, err := f.generator.Generate(ctx, ledger.ID)
	require.NoError(t, err)
	require.Len(t, inv.LineItems, 5)

	credit, debit := inv.LineItems[3], inv.LineItems[4]
	assert.Equal(t, "adjustment.credit", credit.Code)
	assert.Equal(t, "Late pickup", credit.Description)
	assert.Equal(t, int64(-6200), credit.AmountCents)
	assert.Equal(t, "adjustment.debit", debit.Code)
	assert.Equal(t, int64(1200), debit.AmountCents)
	assert.Equal(t, 5, debit.Position)

	assert.Equal(t, int64(245000), inv.SubtotalCents)
	assert.Equal(t, int64(24500), inv.TaxCents)
	assert.Equal(t, int64(269500), inv.TotalCents)
	assert.True(t, inv.Consistent())
}

func TestGenerator_GenerateRequiresFrozenLedger(t *testing.T) {
	f := newGeneratorFixture(t)
	ctx := context.Background()

	adj, err := f.agg.RecordAdjustment(ctx, "acct-a", november, billing.LedgerAdjustment{Kind: billing.AdjustmentDebit, AmountCents: 100, Reason: "r"})
	require.NoError(t, err)

	_, err = f.generator.Generate(ctx, adj.LedgerID)
	assert.ErrorIs(t, err, billing.ErrLedgerNotFrozen)

	_, err = f.generator.Generate(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestGenerator_GenerateDetectsBrokenLedgers(t *testing.T) {
	t.Run("invoiced without invoice", func(t *testing.T) {
		f := newGeneratorFixture(t, "acct-a")
		ctx := context.Background()
		ledger := f.close(t, "acct-a")
		require.NoError(t, f.store.SetLedgerStatus(ctx, ledger.ID, billing.LedgerStatusFrozen, billing.LedgerStatusInvoiced))

		_, err := f.generator.Generate(ctx, ledger.ID)
		assert.ErrorIs(t, err, billing.ErrIntegrityViolation)
		assert.Equal(t, []string{observability.AlertInvoiceInconsistent}, f.alerter.Kinds())
	})

	t.Run("invoice exists but ledger reopened", func(t *testing.T) {
		f := newGeneratorFixture(t, "acct-a")
		ctx := context.Background()
		ledger := f.close(t, "acct-a")
		_, err := f.generator.Generate(ctx, ledger.ID)
		require.NoError(t, err)
		require.NoError(t, f.store.SetLedgerStatus(ctx, ledger.ID, billing.LedgerStatusInvoiced, billing.LedgerStatusFrozen))

		_, err = f.generator.Generate(ctx, ledger.ID)
		assert.ErrorIs(t, err, billing.ErrIntegrityViolation)
		assert.Equal(t, []string{observability.AlertLedgerReopened}, f.alerter.Kinds())
	})
}

func TestGenerator_GenerateAll(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a", "acct-b", "acct-c")
	ctx := context.Background()
	for _, acct := range []string{"acct-a", "acct-b", "acct-c"} {
		f.close(t, acct)
	}

	invoices, errs := f.generator.GenerateAll(ctx, november, 3)
	require.Empty(t, errs)
	require.Len(t, invoices, 3)

	var numbers []string
	for _, inv := range invoices {
		numbers = append(numbers, inv.InvoiceNumber)
	}
	sort.Strings(numbers)
	assert.Equal(t, []string{"INV-202411-000001", "INV-202411-000002", "INV-202411-000003"}, numbers)

	// Nothing frozen is left.
	invoices, errs = f.generator.GenerateAll(ctx, november, 3)
	assert.Empty(t, errs)
	assert.Empty(t, invoices)
}

func TestGenerator_IssueCorrection(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ctx := context.Background()
	inv, err := f.generator.Generate(ctx, f.close(t, "acct-a").ID)
	require.NoError(t, err)

	first, err := f.generator.IssueCorrection(ctx, inv.ID, billing.LedgerAdjustment{
		Kind:        billing.AdjustmentCredit,
		AmountCents: 10000,
		Reason:      "Disputed ride",
		Actor:       "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-202411-000001-C1", first.CorrectionNumber)
	assert.Equal(t, int64(-10000), first.SubtotalCents)
	assert.Equal(t, int64(-1000), first.TaxCents)
	assert.Equal(t, int64(-11000), first.TotalCents)
	assert.Equal(t, inv.LedgerID, first.Adjustment.LedgerID)
	assert.Equal(t, issuedAt, first.IssuedAt)

	second, err := f.generator.IssueCorrection(ctx, inv.ID, billing.LedgerAdjustment{Kind: billing.AdjustmentDebit, AmountCents: 500, Reason: "Toll"})
	require.NoError(t, err)
	assert.Equal(t, "INV-202411-000001-C2", second.CorrectionNumber)
	assert.Equal(t, int64(550), second.TotalCents)

	// The invoice itself is immutable.
	stored, err := f.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.TotalCents, stored.TotalCents)
	assert.Equal(t, inv.LineItems, stored.LineItems)

	corrections, err := f.store.ListCorrections(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, corrections, 2)

	_, err = f.generator.IssueCorrection(ctx, inv.ID, billing.LedgerAdjustment{Kind: billing.AdjustmentCredit})
	assert.ErrorIs(t, err, billing.ErrInvalidAdjustment)
	_, err = f.generator.IssueCorrection(ctx, "missing", billing.LedgerAdjustment{Kind: billing.AdjustmentCredit, AmountCents: 1})
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestGenerator_VerifyInvoice(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ctx := context.Background()
	inv, err := f.generator.Generate(ctx, f.close(t, "acct-a").ID)
	require.NoError(t, err)
	require.NoError(t, f.generator.VerifyInvoice(ctx, inv.ID))

	require.NoError(t, f.store.InsertInvoice(ctx, &billing.Invoice{
		ID:            "inv-bad",
		InvoiceNumber: "INV-202411-999999",
		LedgerID:      "ledger-x",
		LineItems:     []billing.LineItem{{Position: 1, Code: "base", AmountCents: 100}},
		SubtotalCents: 200,
		TotalCents:    200,
		Status:        billing.InvoiceStatusPending,
	}))
	err = f.generator.VerifyInvoice(ctx, "inv-bad")
	assert.ErrorIs(t, err, billing.ErrIntegrityViolation)
	assert.Equal(t, []string{observability.AlertInvoiceInconsistent}, f.alerter.Kinds())
}

func TestFormatInvoiceNumber(t *testing.T) {
	assert.Equal(t, "INV-202411-000001", billing.FormatInvoiceNumber("INV", november, 1))
	assert.Equal(t, "DWT-202401-123456", billing.FormatInvoiceNumber("DWT", billing.BillingMonth{Year: 2024, Month: time.January}, 123456))
}

func TestFlatTax(t *testing.T) {
	tax := billing.FlatTax(1000)
	tests := []struct {
		subtotal int64
		want     int64
	}{
		{subtotal: 250000, want: 25000},
		{subtotal: 0, want: 0},
		{subtotal: 5, want: 1},
		{subtotal: 4, want: 0},
		{subtotal: -5, want: -1},
		{subtotal: -10000, want: -1000},
	}
	for _, tt := range tests {
		got, err := tax(context.Background(), "acct-a", tt.subtotal)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "subtotal %d", tt.subtotal)
	}
}

func TestBillingMonth(t *testing.T) {
	m, err := billing.ParseBillingMonth("2024-01")
	require.NoError(t, err)
	assert.Equal(t, billing.BillingMonth{Year: 2024, Month: time.January}, m)
	assert.Equal(t, "2023-12", m.Previous().String())
	assert.Equal(t, "2024-02", m.Next().String())
	assert.Equal(t, "2025-01", billing.BillingMonth{Year: 2024, Month: time.December}.Next().String())
	assert.Equal(t, "202401", m.Compact())
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), m.End())
	assert.Equal(t, november, billing.MonthOf(time.Date(2024, 11, 30, 23, 59, 59, 0, time.UTC)))

	_, err = billing.ParseBillingMonth("2024-13")
	assert.Error(t, err)

	var decoded billing.BillingMonth
	require.NoError(t, decoded.UnmarshalText([]byte("2024-11")))
	assert.Equal(t, november, decoded)
}

func TestGenerator_GenerateNetCredit(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ctx := context.Background()
	december := november.Next()

	_, err := f.agg.RecordAdjustment(ctx, "acct-a", november, billing.LedgerAdjustment{
		Kind:        billing.AdjustmentCredit,
		AmountCents: 300000,
		Reason:      "Service outage credit",
	})
	require.NoError(t, err)

	inv, err := f.generator.Generate(ctx, f.close(t, "acct-a").ID)
	require.NoError(t, err)
	assert.Equal(t, int64(-50000), inv.SubtotalCents)
	assert.Equal(t, int64(-5000), inv.TaxCents)
	assert.Equal(t, int64(-55000), inv.TotalCents)
	assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	require.NotNil(t, inv.PaidAt)
	assert.Equal(t, issuedAt, *inv.PaidAt)
	assert.True(t, inv.Consistent())

	next, err := f.store.FindLedger(ctx, "acct-a", december)
	require.NoError(t, err)
	assert.Equal(t, billing.LedgerStatusOpen, next.Status)
	adjustments, err := f.store.ListAdjustments(ctx, next.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, billing.AdjustmentCredit, adjustments[0].Kind)
	assert.Equal(t, int64(55000), adjustments[0].AmountCents)
	assert.Equal(t, "Credit carried forward from INV-202411-000001", adjustments[0].Reason)

	// Regenerating does not carry the credit twice.
	_, err = f.generator.Generate(ctx, inv.LedgerID)
	require.NoError(t, err)
	adjustments, err = f.store.ListAdjustments(ctx, next.ID)
	require.NoError(t, err)
	assert.Len(t, adjustments, 1)
	assert.Empty(t, f.alerter.Kinds())
}

func TestGenerator_GenerateNothingDue(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ctx := context.Background()

	_, err := f.agg.RecordAdjustment(ctx, "acct-a", november, billing.LedgerAdjustment{
		Kind:        billing.AdjustmentCredit,
		AmountCents: 250000,
		Reason:      "Pilot programme",
	})
	require.NoError(t, err)

	inv, err := f.generator.Generate(ctx, f.close(t, "acct-a").ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inv.TotalCents)
	assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)

	_, err = f.store.FindLedger(ctx, "acct-a", november.Next())
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestGenerator_GenerateCreditToClosedLedgerAlerts(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ctx := context.Background()

	_, err := f.agg.RecordAdjustment(ctx, "acct-a", november, billing.LedgerAdjustment{
		Kind:        billing.AdjustmentCredit,
		AmountCents: 300000,
		Reason:      "Service outage credit",
	})
	require.NoError(t, err)
	ledger := f.close(t, "acct-a")

	// December was closed before November got invoiced.
	f.store.SetWatermark(november.Next().End())
	_, err = f.agg.CloseMonth(ctx, "acct-a", november.Next())
	require.NoError(t, err)

	inv, err := f.generator.Generate(ctx, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, []string{observability.AlertCreditNotCarried}, f.alerter.Kinds())
}

func TestGenerator_GenerateConcurrent(t *testing.T) {
	f := newGeneratorFixture(t, "acct-a")
	ledger := f.close(t, "acct-a")

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := f.generator.Generate(context.Background(), ledger.ID)
			errs[i] = err
			if err == nil {
				ids[i] = inv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	invoices, err := f.store.ListInvoices(context.Background(), billing.InvoiceFilter{})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV-202411-000001", invoices[0].InvoiceNumber)
	assert.Empty(t, f.alerter.Kinds())
}
