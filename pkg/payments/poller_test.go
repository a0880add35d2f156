package payments_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

func TestPoller_RunOnce(t *testing.T) {
	f := newFixture(t, payments.Config{})
	f.create(t)

	poller := payments.NewPoller(f.service, time.Minute, observability.NewNopLogger())
	poller.RunOnce(context.Background())

	assert.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, billing.InvoiceStatusPaid, f.invoiceStatus(t))

	// Nothing left to claim.
	poller.RunOnce(context.Background())
	assert.Equal(t, 1, f.processor.chargeCount())
}

func TestPoller_StartStop(t *testing.T) {
	f := newFixture(t, payments.Config{})
	f.create(t)

	poller := payments.NewPoller(f.service, 10*time.Millisecond, observability.NewNopLogger())
	poller.Start(context.Background())

	assert.Eventually(t, func() bool {
		return f.processor.chargeCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	poller.Stop()
	poller.Stop()
}

func TestPoller_ChargesInvoiceWithoutAttempt(t *testing.T) {
	f := newFixture(t, payments.Config{})

	poller := payments.NewPoller(f.service, time.Minute, observability.NewNopLogger())
	poller.RunOnce(context.Background())

	assert.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, billing.InvoiceStatusPaid, f.invoiceStatus(t))
	assert.Len(t, f.attempts(t), 1)
}
