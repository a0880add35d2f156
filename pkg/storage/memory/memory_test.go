package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

var testNow = time.Date(2024, 12, 5, 10, 0, 0, 0, time.UTC)

func seedInvoice(t *testing.T, s *Store, id string, status billing.InvoiceStatus) *billing.Invoice {
	t.Helper()
	inv := &billing.Invoice{
		ID:            id,
		InvoiceNumber: "INV-202411-" + id,
		AccountID:     "acct-1",
		LedgerID:      "ledger-" + id,
		Month:         billing.BillingMonth{Year: 2024, Month: time.November},
		LineItems:     []billing.LineItem{{Position: 1, Code: "base", AmountCents: 1000}},
		SubtotalCents: 1000,
		TotalCents:    1000,
		Currency:      "USD",
		Status:        status,
		DueDate:       testNow.AddDate(0, 0, 30),
		IssuedAt:      testNow,
	}
	require.NoError(t, s.InsertInvoice(context.Background(), inv))
	return inv
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedInvoice(t, s, "inv-1", billing.InvoiceStatusPending)

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.UpdateInvoiceStatus(ctx, "inv-1", billing.InvoiceStatusPaid, testNow, billing.InvoiceStatusPending))
		require.NoError(t, s.InsertNotice(ctx, &dunning.Notice{ID: "n-1", InvoiceID: "inv-1", Level: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	inv, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusPending, inv.Status)
	assert.Nil(t, inv.PaidAt)

	_, err = s.LatestNotice(ctx, "inv-1")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestWithinTx_NestedJoinsOuter(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedInvoice(t, s, "inv-1", billing.InvoiceStatusPending)

	err := s.WithinTx(ctx, func(ctx context.Context) error {
		return s.WithinTx(ctx, func(ctx context.Context) error {
			return s.UpdateInvoiceStatus(ctx, "inv-1", billing.InvoiceStatusOverdue, testNow)
		})
	})
	require.NoError(t, err)

	inv, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusOverdue, inv.Status)
}

func TestWithinTx_Isolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertLedger(ctx, &billing.UsageLedger{
		ID: "l-1", AccountID: "acct-1", Month: billing.BillingMonth{Year: 2024, Month: time.November},
		CostComponents: map[string]int64{}, Status: billing.LedgerStatusOpen,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(ctx context.Context) error {
				l, err := s.LockLedger(ctx, "l-1")
				if err != nil {
					return err
				}
				l.RideCount++
				return s.SaveLedger(ctx, l)
			})
		}()
	}
	wg.Wait()

	l, err := s.GetLedger(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), l.RideCount)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	inv := seedInvoice(t, s, "inv-1", billing.InvoiceStatusPending)
	inv.LineItems[0].AmountCents = 1

	got, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.LineItems[0].AmountCents)

	got.Status = billing.InvoiceStatusPaid
	again, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceStatusPending, again.Status)
}

func TestInvoices_Uniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedInvoice(t, s, "inv-1", billing.InvoiceStatusPending)

	dup := &billing.Invoice{ID: "inv-2", InvoiceNumber: "other", LedgerID: "ledger-inv-1"}
	assert.ErrorIs(t, s.InsertInvoice(ctx, dup), billing.ErrConflict)

	dup = &billing.Invoice{ID: "inv-2", InvoiceNumber: "INV-202411-inv-1", LedgerID: "ledger-2"}
	assert.ErrorIs(t, s.InsertInvoice(ctx, dup), billing.ErrConflict)
}

func TestUpdateInvoiceStatus_GuardsFrom(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedInvoice(t, s, "inv-1", billing.InvoiceStatusPaid)

	err := s.UpdateInvoiceStatus(ctx, "inv-1", billing.InvoiceStatusOverdue, testNow, billing.InvoiceStatusPending)
	assert.ErrorIs(t, err, billing.ErrConflict)

	err = s.UpdateInvoiceStatus(ctx, "missing", billing.InvoiceStatusOverdue, testNow)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestListInvoices_Filter(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedInvoice(t, s, "a", billing.InvoiceStatusPending)
	seedInvoice(t, s, "b", billing.InvoiceStatusOverdue)
	seedInvoice(t, s, "c", billing.InvoiceStatusPaid)

	due := testNow.AddDate(0, 0, 31)
	got, err := s.ListInvoices(ctx, billing.InvoiceFilter{
		Statuses:  []billing.InvoiceStatus{billing.InvoiceStatusPending, billing.InvoiceStatusOverdue},
		DueBefore: &due,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	early := testNow
	got, err = s.ListInvoices(ctx, billing.InvoiceFilter{DueBefore: &early})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNextInvoiceSequence_PerMonth(t *testing.T) {
	s := New()
	ctx := context.Background()
	nov := billing.BillingMonth{Year: 2024, Month: time.November}
	dec := billing.BillingMonth{Year: 2024, Month: time.December}

	for want := int64(1); want <= 3; want++ {
		got, err := s.NextInvoiceSequence(ctx, nov)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := s.NextInvoiceSequence(ctx, dec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestInsertAttempt_OneActivePerInvoice(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := &payments.PaymentAttempt{ID: "a-1", InvoiceID: "inv-1", IdempotencyKey: "k-1", Status: payments.AttemptStatusPending}
	require.NoError(t, s.InsertAttempt(ctx, first))

	second := &payments.PaymentAttempt{ID: "a-2", InvoiceID: "inv-1", IdempotencyKey: "k-2", Status: payments.AttemptStatusPending}
	assert.ErrorIs(t, s.InsertAttempt(ctx, second), billing.ErrConflict)

	first.Status = payments.AttemptStatusFailed
	require.NoError(t, s.UpdateAttempt(ctx, first, payments.AttemptStatusPending))
	require.NoError(t, s.InsertAttempt(ctx, second))

	reused := &payments.PaymentAttempt{ID: "a-3", InvoiceID: "inv-2", IdempotencyKey: "k-2", Status: payments.AttemptStatusPending}
	assert.ErrorIs(t, s.InsertAttempt(ctx, reused), billing.ErrConflict)
}

func TestUpdateAttempt_GuardsFrom(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := &payments.PaymentAttempt{ID: "a-1", InvoiceID: "inv-1", IdempotencyKey: "k-1", Status: payments.AttemptStatusSucceeded}
	require.NoError(t, s.InsertAttempt(ctx, a))

	a.Status = payments.AttemptStatusFailed
	assert.ErrorIs(t, s.UpdateAttempt(ctx, a, payments.AttemptStatusPending, payments.AttemptStatusProcessing), billing.ErrConflict)
}

func TestClaimDueAttempts(t *testing.T) {
	s := New()
	ctx := context.Background()
	past := testNow.Add(-time.Minute)
	future := testNow.Add(time.Hour)

	require.NoError(t, s.InsertAttempt(ctx, &payments.PaymentAttempt{ID: "due", InvoiceID: "inv-1", IdempotencyKey: "k-1", Status: payments.AttemptStatusPending, NextRetryAt: &past}))
	require.NoError(t, s.InsertAttempt(ctx, &payments.PaymentAttempt{ID: "later", InvoiceID: "inv-2", IdempotencyKey: "k-2", Status: payments.AttemptStatusPending, NextRetryAt: &future}))

	claimed, err := s.ClaimDueAttempts(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "due", claimed[0].ID)
	assert.Equal(t, payments.AttemptStatusProcessing, claimed[0].Status)

	again, err := s.ClaimDueAttempts(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFindAttempt(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertAttempt(ctx, &payments.PaymentAttempt{ID: "a-1", InvoiceID: "inv-1", IdempotencyKey: "k-1", ProviderRef: "pi_1", Status: payments.AttemptStatusProcessing}))

	byKey, err := s.FindAttemptByKey(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", byKey.ID)

	byRef, err := s.FindAttemptByProviderRef(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", byRef.ID)

	_, err = s.FindAttemptByProviderRef(ctx, "pi_2")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func saveEvent(t *testing.T, s *Store, eventID string) {
	t.Helper()
	_, err := s.SaveEvent(context.Background(), &webhooks.Event{Provider: "stripe", EventID: eventID, ReceivedAt: testNow})
	require.NoError(t, err)
}

func TestSaveEvent_KeepsFirstCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.SaveEvent(ctx, &webhooks.Event{ID: "e-1", Provider: "stripe", EventID: "evt_1", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	second, err := s.SaveEvent(ctx, &webhooks.Event{ID: "e-2", Provider: "stripe", EventID: "evt_1", Payload: []byte(`{"a":2}`)})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"a":1}`, string(second.Payload))
}

func TestMarkEventProcessed(t *testing.T) {
	s := New()
	ctx := context.Background()
	saveEvent(t, s, "evt_1")

	require.NoError(t, s.MarkEventProcessed(ctx, "stripe", "evt_1", testNow, "deferred: lock timeout"))
	ev, err := s.GetEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, ev.Processed)
	assert.Nil(t, ev.ProcessedAt)
	assert.Equal(t, "deferred: lock timeout", ev.ProcessingError)

	require.NoError(t, s.MarkEventProcessed(ctx, "stripe", "evt_1", testNow, ""))
	ev, err = s.GetEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.ProcessedAt)
	assert.Empty(t, ev.ProcessingError)
}

func TestAcquireEvent(t *testing.T) {
	ctx := context.Background()
	lease := 2 * time.Minute
	ttl := 24 * time.Hour

	t.Run("first delivery acquires", func(t *testing.T) {
		s := New()
		rec, acquired, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow, lease, ttl)
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, webhooks.DedupProcessing, rec.State)
		assert.Equal(t, 1, rec.OccurrenceCount)
		assert.Equal(t, testNow.Add(ttl), rec.ExpiresAt)
	})

	t.Run("duplicate in flight is refused", func(t *testing.T) {
		s := New()
		_, _, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow, lease, ttl)
		require.NoError(t, err)

		rec, acquired, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow.Add(time.Second), lease, ttl)
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.Equal(t, 2, rec.OccurrenceCount)
		assert.Equal(t, testNow.Add(time.Second), rec.LastSeen)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		s := New()
		_, _, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow, lease, ttl)
		require.NoError(t, err)

		_, acquired, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow.Add(lease+time.Second), lease, ttl)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("processed and retrying are refused", func(t *testing.T) {
		for _, state := range []webhooks.DedupState{webhooks.DedupProcessed, webhooks.DedupRetrying} {
			s := New()
			_, _, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow, lease, ttl)
			require.NoError(t, err)
			require.NoError(t, s.SetDedupState(ctx, "stripe", "evt_1", state, testNow))

			rec, acquired, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow.Add(time.Hour), lease, ttl)
			require.NoError(t, err)
			assert.False(t, acquired, state)
			assert.Equal(t, state, rec.State)
		}
	})

	t.Run("failed is taken over", func(t *testing.T) {
		s := New()
		_, _, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow, lease, ttl)
		require.NoError(t, err)
		require.NoError(t, s.SetDedupState(ctx, "stripe", "evt_1", webhooks.DedupFailed, testNow))

		rec, acquired, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow.Add(time.Second), lease, ttl)
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.Equal(t, webhooks.DedupProcessing, rec.State)
	})

	t.Run("concurrent deliveries acquire once", func(t *testing.T) {
		s := New()
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, acquired, err := s.AcquireEvent(ctx, "stripe", "evt_1", testNow, lease, ttl)
				require.NoError(t, err)
				if acquired {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestPurgeExpiredDedup(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, err := s.AcquireEvent(ctx, "stripe", "done", testNow, time.Minute, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.SetDedupState(ctx, "stripe", "done", webhooks.DedupProcessed, testNow))
	_, _, err = s.AcquireEvent(ctx, "stripe", "retrying", testNow, time.Minute, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.SetDedupState(ctx, "stripe", "retrying", webhooks.DedupRetrying, testNow))

	purged, err := s.PurgeExpiredDedup(ctx, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.GetDedup(ctx, "stripe", "done")
	assert.ErrorIs(t, err, billing.ErrNotFound)
	_, err = s.GetDedup(ctx, "stripe", "retrying")
	assert.NoError(t, err)
}

func TestRetries_ClaimWithLease(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertRetry(ctx, &webhooks.Retry{ID: "r-1", Target: webhooks.TargetApply, Provider: "stripe", EventID: "evt_1", NextRetryAt: testNow, Status: webhooks.RetryStatusPending}))
	require.NoError(t, s.InsertRetry(ctx, &webhooks.Retry{ID: "r-2", Target: webhooks.ConsumerTarget("ledger"), Provider: "stripe", EventID: "evt_1", NextRetryAt: testNow.Add(time.Hour), Status: webhooks.RetryStatusPending}))

	dup := &webhooks.Retry{ID: "r-3", Target: webhooks.TargetApply, Provider: "stripe", EventID: "evt_1", Status: webhooks.RetryStatusPending}
	assert.ErrorIs(t, s.InsertRetry(ctx, dup), billing.ErrConflict)

	claimed, err := s.ClaimDueRetries(ctx, testNow, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "r-1", claimed[0].ID)
	assert.Equal(t, webhooks.RetryStatusInFlight, claimed[0].Status)

	again, err := s.ClaimDueRetries(ctx, testNow.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	reclaimed, err := s.ClaimDueRetries(ctx, testNow.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "r-1", reclaimed[0].ID)

	pending, err := s.ListRetries(ctx, webhooks.RetryFilter{Statuses: []webhooks.RetryStatus{webhooks.RetryStatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r-2", pending[0].ID)
}

func TestNotices_LevelsUnique(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertNotice(ctx, &dunning.Notice{ID: "n-1", InvoiceID: "inv-1", Level: 1}))
	require.NoError(t, s.InsertNotice(ctx, &dunning.Notice{ID: "n-2", InvoiceID: "inv-1", Level: 2}))
	assert.ErrorIs(t, s.InsertNotice(ctx, &dunning.Notice{ID: "n-3", InvoiceID: "inv-1", Level: 2}), billing.ErrConflict)

	latest, err := s.LatestNotice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Level)

	latest.Status = dunning.NoticeSent
	require.NoError(t, s.UpdateNotice(ctx, latest))

	all, err := s.ListNotices(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Level)
	assert.Equal(t, dunning.NoticeSent, all[1].Status)
}

func TestUsageSource(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.AddStops(
		billing.StopRecord{TripID: "t1", StopID: "s1", AccountID: "acct-b", CompletedAt: time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC)},
		billing.StopRecord{TripID: "t2", StopID: "s2", AccountID: "acct-a", CompletedAt: time.Date(2024, 11, 30, 23, 0, 0, 0, time.UTC)},
		billing.StopRecord{TripID: "t3", StopID: "s3", AccountID: "acct-a", CompletedAt: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)},
	)
	s.SetWatermark(testNow)

	nov := billing.BillingMonth{Year: 2024, Month: time.November}
	accounts, err := s.ActiveAccounts(ctx, nov.Start(), nov.End())
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-a", "acct-b"}, accounts)

	stops, err := s.CompletedStops(ctx, "acct-a", nov.Start(), nov.End())
	require.NoError(t, err)
	require.Len(t, stops, 1)
	assert.Equal(t, "s2", stops[0].StopID)

	wm, err := s.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, testNow, wm)
}
