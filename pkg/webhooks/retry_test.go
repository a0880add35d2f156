package webhooks_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/audit"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/config"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

// consumerServer records relayed deliveries and answers with status
type consumerServer struct {
	*httptest.Server
	mu      sync.Mutex
	status  int
	bodies  [][]byte
	headers []http.Header
}

func newConsumerServer(t *testing.T, status int) *consumerServer {
	t.Helper()
	c := &consumerServer{status: status}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		status := c.status
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *consumerServer) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *consumerServer) delivery(i int) ([]byte, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[i], c.headers[i]
}

func TestRetryWorker_ReappliesDeferredEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settler.failNext(1)

	res := f.pipeline.Ingest(ctx, f.succeeded("evt_1"))
	require.Equal(t, http.StatusAccepted, res.Status)

	// Not due yet.
	claimed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)

	f.now = f.now.Add(5 * time.Second)
	claimed, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	rows := f.retries(t, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, webhooks.RetryStatusSucceeded, rows[0].Status)
	assert.Equal(t, 2, rows[0].CurrentAttempt)
	assert.NotNil(t, rows[0].CompletedAt)
	assert.Nil(t, rows[0].LeaseUntil)

	assert.Equal(t, billing.InvoiceStatusPaid, f.invoiceStatus(t))
	assert.Equal(t, webhooks.DedupProcessed, f.dedupState(t, "evt_1"))

	recs := f.records(t, "evt_1")
	require.Len(t, recs, 2)
	assert.Equal(t, "webhook.reapply", recs[0].Action)
	assert.Equal(t, "retry-worker", recs[0].Actor)
	assert.Equal(t, audit.OutcomeValid, recs[0].Outcome)
}

func TestRetryWorker_ExhaustedApplyReleasesEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.settler.failNext(10)

	require.Equal(t, http.StatusAccepted, f.pipeline.Ingest(ctx, f.succeeded("evt_1")).Status)

	f.now = f.now.Add(5 * time.Second)
	claimed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	rows := f.retries(t, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, webhooks.RetryStatusExhausted, rows[0].Status)
	assert.Contains(t, f.alerter.Kinds(), observability.AlertRetriesExhausted)
	assert.Equal(t, webhooks.DedupFailed, f.dedupState(t, "evt_1"))

	// A provider redelivery restarts the same row instead of adding one.
	res := f.pipeline.Ingest(ctx, f.succeeded("evt_1"))
	assert.Equal(t, http.StatusAccepted, res.Status)

	rows = f.retries(t, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, webhooks.RetryStatusPending, rows[0].Status)
	assert.Equal(t, 1, rows[0].CurrentAttempt)
	assert.Nil(t, rows[0].CompletedAt)
}

func TestRetryWorker_RelaysToConsumer(t *testing.T) {
	consumer := newConsumerServer(t, http.StatusOK)
	f := newFixture(t, config.ConsumerConfig{Name: "ledger", URL: consumer.URL, Secret: consumerSecret})
	ctx := context.Background()

	require.Equal(t, http.StatusOK, f.pipeline.Ingest(ctx, f.succeeded("evt_1")).Status)

	claimed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	require.Equal(t, 1, consumer.received())

	body, headers := consumer.delivery(0)
	assert.Equal(t, "payment.succeeded", headers.Get(webhooks.HeaderEvent))
	assert.Equal(t, "evt_1", headers.Get(webhooks.HeaderEventID))
	ts := headers.Get(webhooks.HeaderTimestamp)
	assert.Equal(t, httputil.Sign(webhooks.SignedRelayPayload(ts, body), consumerSecret), headers.Get(webhooks.HeaderSignature))

	rows := f.retries(t, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, webhooks.RetryStatusSucceeded, rows[0].Status)

	logs := f.relay.Deliveries().GetByConsumer("ledger", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, webhooks.DeliveryStatusSuccess, logs[0].Status)
	assert.Equal(t, http.StatusOK, logs[0].StatusCode)
}

func TestRetryWorker_ExhaustsFailingRelay(t *testing.T) {
	consumer := newConsumerServer(t, http.StatusServiceUnavailable)
	f := newFixture(t, config.ConsumerConfig{Name: "ledger", URL: consumer.URL})
	ctx := context.Background()

	require.Equal(t, http.StatusOK, f.pipeline.Ingest(ctx, f.succeeded("evt_1")).Status)

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	rows := f.retries(t, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, webhooks.RetryStatusPending, rows[0].Status)
	assert.Equal(t, 1, rows[0].CurrentAttempt)
	assert.Contains(t, rows[0].FailureReason, "503")
	assert.True(t, rows[0].NextRetryAt.After(f.now))

	f.now = f.now.Add(10 * time.Second)
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	rows = f.retries(t, "evt_1")
	assert.Equal(t, webhooks.RetryStatusExhausted, rows[0].Status)
	assert.Equal(t, []string{observability.AlertRetriesExhausted}, f.alerter.Kinds())

	// The payment itself stays applied.
	assert.Equal(t, billing.InvoiceStatusPaid, f.invoiceStatus(t))
	assert.Equal(t, webhooks.DedupProcessed, f.dedupState(t, "evt_1"))

	f.now = f.now.Add(time.Hour)
	claimed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)
	assert.Equal(t, 2, consumer.received())

	stats := f.relay.Deliveries().GetStats("ledger")
	assert.Equal(t, 2, stats.Failed)
}

func TestRetryWorker_AbandonsRemovedConsumer(t *testing.T) {
	f := newFixture(t, config.ConsumerConfig{Name: "ledger", URL: "http://ledger.internal/events"})
	ctx := context.Background()

	require.Equal(t, http.StatusOK, f.pipeline.Ingest(ctx, f.succeeded("evt_1")).Status)
	require.NoError(t, f.registry.Load(&config.RuntimeConfig{Rates: config.RatesConfig{Currency: "USD"}}))

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	rows := f.retries(t, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, webhooks.RetryStatusAbandoned, rows[0].Status)
	assert.Equal(t, "relay consumer no longer configured", rows[0].FailureReason)
	assert.Empty(t, f.alerter.Kinds())
}

func TestRetryWorker_StartStop(t *testing.T) {
	consumer := newConsumerServer(t, http.StatusOK)
	f := newFixture(t, config.ConsumerConfig{Name: "ledger", URL: consumer.URL})
	ctx := context.Background()

	require.Equal(t, http.StatusOK, f.pipeline.Ingest(ctx, f.succeeded("evt_1")).Status)

	worker := webhooks.NewRetryWorker(f.store, f.pipeline, f.relay, webhooks.RetryWorkerConfig{Interval: 10 * time.Millisecond}, observability.NewNopLogger())
	worker.Start(ctx)
	assert.Eventually(t, func() bool { return consumer.received() == 1 }, 2*time.Second, 10*time.Millisecond)
	worker.Stop()
	worker.Stop()

	rows := f.retries(t, "evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, webhooks.RetryStatusSucceeded, rows[0].Status)
}
