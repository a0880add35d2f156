//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

// setupStore starts PostgreSQL in a container and applies the migrations
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("billing_test"),
		postgres.WithUsername("billing"),
		postgres.WithPassword("billing_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Terminate(ctx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	store := NewStore(db)
	applied, err := store.Migrate(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 4)

	again, err := store.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
	return store
}

func TestIntegration_BillingCycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	var stops []billing.StopRecord
	for i := 0; i < 4; i++ {
		trip := "trip-" + string(rune('a'+i))
		stops = append(stops, billing.StopRecord{
			TripID:          trip,
			StopID:          trip + "-1",
			AccountID:       "acct-a",
			CompletedAt:     november.Start().Add(time.Duration(i+1) * 24 * time.Hour),
			DistanceMeters:  10000,
			DurationSeconds: 1200,
		})
	}
	require.NoError(t, store.RecordStops(ctx, november.End().Add(time.Hour), stops...))

	rates := func() billing.CostRates {
		return billing.CostRates{Currency: "USD", BaseFareCents: 4500, PerKmCents: 1500, PerMinuteCents: 200}
	}
	agg := billing.NewAggregator(store, store, rates, observability.NewNopLogger(), nil)
	gen := billing.NewGenerator(store, billing.FlatTax(1000), billing.GeneratorConfig{NumberPrefix: "INV", NetTermsDays: 30},
		observability.NewNopLogger(), nil, &observability.RecordingAlerter{})

	ledger, err := agg.CloseMonth(ctx, "acct-a", november)
	require.NoError(t, err)
	assert.Equal(t, int64(4), ledger.RideCount)

	inv, err := gen.Generate(ctx, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-202411-000001", inv.InvoiceNumber)
	assert.Equal(t, billing.InvoiceStatusPending, inv.Status)

	same, err := gen.Generate(ctx, ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, same.ID)

	stored, err := store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.LineItems, stored.LineItems)
	assert.True(t, stored.Consistent())

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := &payments.PaymentAttempt{
		ID: "att-1", InvoiceID: inv.ID, AccountID: "acct-a", AmountCents: inv.TotalCents, Currency: "USD",
		Processor: "stripe", IdempotencyKey: "key-1", Status: payments.AttemptStatusPending,
		NextRetryAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertAttempt(ctx, first))

	second := *first
	second.ID, second.IdempotencyKey = "att-2", "key-2"
	assert.ErrorIs(t, store.InsertAttempt(ctx, &second), billing.ErrConflict)

	claimed, err := store.ClaimDueAttempts(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	none, err := store.ClaimDueAttempts(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, store.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusPaid, now, billing.InvoiceStatusPending))
	assert.ErrorIs(t, store.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusOverdue, now, billing.InvoiceStatusPending), billing.ErrConflict)
}

func TestIntegration_AcquireEvent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec, acquired, err := store.AcquireEvent(ctx, "stripe", "evt_1", now, 30*time.Second, time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, 1, rec.OccurrenceCount)

	rec, acquired, err = store.AcquireEvent(ctx, "stripe", "evt_1", now.Add(time.Second), 30*time.Second, time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, 2, rec.OccurrenceCount)

	// An expired lease is taken over.
	_, acquired, err = store.AcquireEvent(ctx, "stripe", "evt_1", now.Add(time.Minute), 30*time.Second, time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, store.SetDedupState(ctx, "stripe", "evt_1", webhooks.DedupProcessed, now.Add(time.Minute)))
	rec, acquired, err = store.AcquireEvent(ctx, "stripe", "evt_1", now.Add(2*time.Minute), 30*time.Second, time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, webhooks.DedupProcessed, rec.State)
	assert.Nil(t, rec.LeaseUntil)

	purged, err := store.PurgeExpiredDedup(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}
