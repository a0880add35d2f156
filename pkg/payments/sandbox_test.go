package payments_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

func TestSandboxProcessor(t *testing.T) {
	ctx := context.Background()
	p := payments.NewSandboxProcessor()
	p.Decline = map[string]string{"acct-broke": "insufficient_funds"}

	assert.Equal(t, "sandbox", p.Name())

	_, err := p.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, payments.ErrChargeNotFound)

	ok, err := p.Charge(ctx, payments.ChargeRequest{IdempotencyKey: "k1", AttemptID: "att-1", AccountID: "acct-1", AmountCents: 500})
	require.NoError(t, err)
	assert.Equal(t, payments.ChargeSucceeded, ok.Status)
	assert.Equal(t, "sb_att-1", ok.ProviderRef)

	again, err := p.Charge(ctx, payments.ChargeRequest{IdempotencyKey: "k1", AttemptID: "att-other", AccountID: "acct-1"})
	require.NoError(t, err)
	assert.Same(t, ok, again)

	found, err := p.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Same(t, ok, found)

	declined, err := p.Charge(ctx, payments.ChargeRequest{IdempotencyKey: "k2", AttemptID: "att-2", AccountID: "acct-broke"})
	require.NoError(t, err)
	assert.Equal(t, payments.ChargeDeclined, declined.Status)
	assert.Equal(t, "insufficient_funds", declined.DeclineCode)
}
