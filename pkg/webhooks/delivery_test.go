package webhooks

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeliveryLogStore_DefaultSize(t *testing.T) {
	assert.Equal(t, 500, NewDeliveryLogStore(500).maxLogs)
	assert.Equal(t, 1000, NewDeliveryLogStore(0).maxLogs)
	assert.Equal(t, 1000, NewDeliveryLogStore(-10).maxLogs)
}

func TestDeliveryLogStore_AddGet(t *testing.T) {
	store := NewDeliveryLogStore(10)
	store.Add(&DeliveryLog{
		ID:        "r1-1",
		RetryID:   "r1",
		Consumer:  "ledger",
		EventID:   "evt_1",
		EventType: EventPaymentSucceeded,
		Status:    DeliveryStatusSuccess,
		CreatedAt: time.Now(),
	})

	got, ok := store.Get("r1-1")
	require.True(t, ok)
	assert.Equal(t, "ledger", got.Consumer)

	_, ok = store.Get("missing")
	assert.False(t, ok)

	// re-adding an id replaces the entry
	store.Add(&DeliveryLog{ID: "r1-1", Consumer: "ledger", Status: DeliveryStatusFailed})
	got, _ = store.Get("r1-1")
	assert.Equal(t, DeliveryStatusFailed, got.Status)
	assert.Equal(t, 1, store.Len())
}

func TestDeliveryLogStore_GetByConsumer(t *testing.T) {
	store := NewDeliveryLogStore(100)
	now := time.Now()
	for i := 0; i < 5; i++ {
		consumer := "ledger"
		if i%2 == 1 {
			consumer = "notifications"
		}
		store.Add(&DeliveryLog{
			ID:        fmt.Sprintf("log%d", i),
			Consumer:  consumer,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}

	tests := []struct {
		name     string
		consumer string
		limit    int
		wantIDs  []string
	}{
		{name: "one consumer newest first", consumer: "ledger", wantIDs: []string{"log4", "log2", "log0"}},
		{name: "limit", consumer: "ledger", limit: 2, wantIDs: []string{"log4", "log2"}},
		{name: "all consumers", consumer: "", limit: 2, wantIDs: []string{"log4", "log3"}},
		{name: "unknown consumer", consumer: "billing", wantIDs: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := store.GetByConsumer(tt.consumer, tt.limit)
			ids := make([]string, 0, len(got))
			for _, log := range got {
				ids = append(ids, log.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestDeliveryLogStore_GetByEvent(t *testing.T) {
	store := NewDeliveryLogStore(100)
	now := time.Now()
	store.Add(&DeliveryLog{ID: "b", EventID: "evt_1", CreatedAt: now.Add(time.Minute)})
	store.Add(&DeliveryLog{ID: "a", EventID: "evt_1", CreatedAt: now})
	store.Add(&DeliveryLog{ID: "c", EventID: "evt_2", CreatedAt: now})

	got := store.GetByEvent("evt_1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestDeliveryLogStore_GetStats(t *testing.T) {
	store := NewDeliveryLogStore(100)
	now := time.Now()
	for _, log := range []*DeliveryLog{
		{ID: "1", Consumer: "ledger", Status: DeliveryStatusSuccess, Duration: 100 * time.Millisecond, CreatedAt: now},
		{ID: "2", Consumer: "ledger", Status: DeliveryStatusSuccess, Duration: 300 * time.Millisecond, CreatedAt: now},
		{ID: "3", Consumer: "ledger", Status: DeliveryStatusFailed, CreatedAt: now},
		{ID: "4", Consumer: "ledger", Status: DeliveryStatusRateLimited, CreatedAt: now},
		{ID: "5", Consumer: "other", Status: DeliveryStatusSuccess, CreatedAt: now},
	} {
		store.Add(log)
	}

	stats := store.GetStats("ledger")
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.RateLimited)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 200*time.Millisecond, stats.AverageDuration)

	empty := NewDeliveryLogStore(10).GetStats("ledger")
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}

func TestDeliveryLogStore_DropsOldestWhenFull(t *testing.T) {
	store := NewDeliveryLogStore(10)
	for i := 0; i < 11; i++ {
		store.Add(&DeliveryLog{ID: fmt.Sprintf("log%d", i), CreatedAt: time.Now()})
	}

	assert.Equal(t, 10, store.Len())
	_, ok := store.Get("log0")
	assert.False(t, ok)
	_, ok = store.Get("log10")
	assert.True(t, ok)
}

func TestDeliveryLogStore_ConcurrentAccess(t *testing.T) {
	store := NewDeliveryLogStore(100)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			store.Add(&DeliveryLog{ID: fmt.Sprintf("log%d", i), Consumer: "ledger", CreatedAt: time.Now()})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			store.Get("log0")
			store.GetByConsumer("ledger", 0)
			store.GetStats("ledger")
		}
	}()
	wg.Wait()
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1733000000, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("ledger"))
	assert.True(t, rl.Allow("ledger"))
	assert.False(t, rl.Allow("ledger"), "third delivery in one period is limited")
	assert.True(t, rl.Allow("notifications"), "buckets are per consumer")

	now = now.Add(time.Second)
	assert.Equal(t, 1, rl.GetRemaining("ledger"))

	now = now.Add(10 * time.Second)
	assert.Equal(t, 2, rl.GetRemaining("ledger"), "refill caps at the limit")

	rl.Allow("ledger")
	rl.Reset("ledger")
	assert.Equal(t, 2, rl.GetRemaining("ledger"))
}
