package webhooks_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

func TestFormatSlackMessage(t *testing.T) {
	at := time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)
	msg := webhooks.FormatSlackMessage(observability.Alert{
		Kind:    observability.AlertDoubleCapture,
		Message: "Second successful payment reported for one invoice",
		Fields:  map[string]interface{}{"invoice_id": "inv-1", "attempt_id": "att-2"},
	}, at)

	assert.Equal(t, "Double Capture", msg.Text)
	require.Len(t, msg.Attachments, 1)
	att := msg.Attachments[0]
	assert.Equal(t, "danger", att.Color)
	assert.Equal(t, "Second successful payment reported for one invoice", att.Title)

	var titles []string
	for _, f := range att.Fields {
		titles = append(titles, f.Title)
	}
	assert.Equal(t, []string{"Kind", "Raised At", "attempt_id", "invoice_id"}, titles)
	assert.Equal(t, "2024-12-01T10:00:00Z", att.Fields[1].Value)

	assert.Equal(t, "warning", webhooks.FormatSlackMessage(observability.Alert{Kind: observability.AlertRetriesExhausted}, at).Attachments[0].Color)
	assert.Equal(t, "custom_kind", webhooks.FormatSlackMessage(observability.Alert{Kind: "custom_kind"}, at).Text)
}

func TestSlackAlerter_PostsAndForwards(t *testing.T) {
	received := make(chan webhooks.SlackMessage, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg webhooks.SlackMessage
		_ = json.NewDecoder(r.Body).Decode(&msg)
		received <- msg
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	next := &observability.RecordingAlerter{}
	alerter := webhooks.NewSlackAlerter(next, server.URL, observability.NewNopLogger())
	alerter.Raise(context.Background(), observability.Alert{
		Kind:    observability.AlertRefundRequired,
		Message: "Payment captured for a cancelled invoice",
		Fields:  map[string]interface{}{"invoice_id": "inv-1"},
	})

	assert.Equal(t, []string{observability.AlertRefundRequired}, next.Kinds())

	select {
	case msg := <-received:
		assert.Equal(t, "Refund Required", msg.Text)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "Payment captured for a cancelled invoice", msg.Attachments[0].Title)
	case <-time.After(2 * time.Second):
		t.Fatal("slack webhook was not called")
	}
}
