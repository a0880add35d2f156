package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/async"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// FormatSlackMessage formats an operator alert as a Slack message
func FormatSlackMessage(alert observability.Alert, at time.Time) SlackMessage {
	fields := []SlackField{
		{Title: "Kind", Value: alert.Kind, Short: true},
		{Title: "Raised At", Value: at.UTC().Format(time.RFC3339), Short: true},
	}

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, SlackField{Title: k, Value: fmt.Sprint(alert.Fields[k]), Short: true})
	}

	return SlackMessage{
		Text: alertTitle(alert.Kind),
		Attachments: []SlackAttachment{
			{
				Color:  alertColor(alert.Kind),
				Title:  alert.Message,
				Fields: fields,
			},
		},
	}
}

// SlackAlerter forwards alerts to another Alerter and posts them to a
// Slack incoming webhook. Posting is asynchronous; a failed post is logged
// and the alert still reaches next.
type SlackAlerter struct {
	next       observability.Alerter
	webhookURL string
	client     *http.Client
	logger     *observability.Logger
	now        func() time.Time
}

// NewSlackAlerter creates a new Slack alerter
func NewSlackAlerter(next observability.Alerter, webhookURL string, logger *observability.Logger) *SlackAlerter {
	return &SlackAlerter{
		next:       next,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.WithField("component", "slack_alerter"),
		now:        time.Now,
	}
}

// Raise implements observability.Alerter
func (a *SlackAlerter) Raise(ctx context.Context, alert observability.Alert) {
	if a.next != nil {
		a.next.Raise(ctx, alert)
	}
	message := FormatSlackMessage(alert, a.now())
	async.SafeGo(context.WithoutCancel(ctx), 15*time.Second, "slack alert", func(ctx context.Context) error {
		if err := a.send(ctx, message); err != nil {
			a.logger.WithError(err).WithField("alert_kind", alert.Kind).Warn("Failed to post alert to Slack")
		}
		return nil
	})
}

// send posts a JSON payload to the Slack webhook
func (a *SlackAlerter) send(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.webhookURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}

// alertColor returns the Slack color for an alert kind
func alertColor(kind string) string {
	switch kind {
	case observability.AlertDoubleCapture, observability.AlertRefundRequired,
		observability.AlertSecurityLogTampered, observability.AlertInvoiceInconsistent:
		return "danger" // Red
	case observability.AlertRetriesExhausted, observability.AlertSecurityLogWriteFail:
		return "warning" // Yellow
	default:
		return "#439FE0" // Blue
	}
}

// alertTitle returns a human-readable title for an alert kind
func alertTitle(kind string) string {
	switch kind {
	case observability.AlertDoubleCapture:
		return "Double Capture"
	case observability.AlertRefundRequired:
		return "Refund Required"
	case observability.AlertRetriesExhausted:
		return "Webhook Retries Exhausted"
	case observability.AlertLedgerReopened:
		return "Closed Ledger Reopened"
	case observability.AlertInvoiceInconsistent:
		return "Invoice Inconsistent"
	case observability.AlertSecurityLogTampered:
		return "Security Log Tampered"
	case observability.AlertSecurityLogWriteFail:
		return "Security Log Write Failed"
	default:
		return kind
	}
}
