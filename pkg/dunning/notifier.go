package dunning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/httputil"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/observability"
)

// Notifier delivers a dunning notice to the account holder
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n *Notice, inv *billing.Invoice) error
}

// Collections receives invoices that ran out of notice levels
type Collections interface {
	Handoff(ctx context.Context, inv *billing.Invoice, n *Notice) error
}

// LogNotifier writes notices to the log. Used in dev mode.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithField("component", "dunning_notifier")}
}

// Name implements Notifier
func (l *LogNotifier) Name() string { return "log" }

// Notify implements Notifier
func (l *LogNotifier) Notify(_ context.Context, n *Notice, inv *billing.Invoice) error {
	l.logger.WithFields(map[string]interface{}{
		"invoice_number": inv.InvoiceNumber,
		"account_id":     n.AccountID,
		"level":          n.Level,
		"amount_cents":   n.AmountCents,
		"currency":       n.Currency,
		"due_date":       n.DueDate.Format("2006-01-02"),
	}).Info("Dunning notice")
	return nil
}

// LogCollections records hand-offs in the log for the collections team
type LogCollections struct {
	logger *observability.Logger
}

// NewLogCollections creates a log-backed collections hand-off
func NewLogCollections(logger *observability.Logger) *LogCollections {
	return &LogCollections{logger: logger.WithField("component", "collections")}
}

// Handoff implements Collections
func (l *LogCollections) Handoff(_ context.Context, inv *billing.Invoice, n *Notice) error {
	l.logger.WithFields(map[string]interface{}{
		"invoice_id":     inv.ID,
		"invoice_number": inv.InvoiceNumber,
		"account_id":     inv.AccountID,
		"total_cents":    inv.TotalCents,
		"currency":       inv.Currency,
		"notices":        n.Level - 1,
	}).Warn("Invoice referred to collections")
	return nil
}

// NoticePayload is the body HTTPNotifier posts
type NoticePayload struct {
	NoticeID      string    `json:"notice_id"`
	InvoiceID     string    `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	AccountID     string    `json:"account_id"`
	Level         int       `json:"level"`
	Final         bool      `json:"final"`
	AmountCents   int64     `json:"amount_cents"`
	Currency      string    `json:"currency"`
	DueDate       time.Time `json:"due_date"`
}

// HTTPNotifier posts notices to the notification service. Bodies are
// signed with HMAC-SHA256 over "<timestamp>.<body>".
type HTTPNotifier struct {
	url      string
	secret   string
	maxLevel int
	client   *http.Client
	now      func() time.Time
}

// NewHTTPNotifier creates an HTTP notifier. maxLevel marks the last notice
// before collections as final.
func NewHTTPNotifier(url, secret string, maxLevel int, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		url:      url,
		secret:   secret,
		maxLevel: maxLevel,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

// Name implements Notifier
func (h *HTTPNotifier) Name() string { return "http" }

// Notify implements Notifier. Any non-2xx answer is an error.
func (h *HTTPNotifier) Notify(ctx context.Context, n *Notice, inv *billing.Invoice) error {
	body, err := json.Marshal(NoticePayload{
		NoticeID:      n.ID,
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		AccountID:     n.AccountID,
		Level:         n.Level,
		Final:         n.Level == h.maxLevel,
		AmountCents:   n.AmountCents,
		Currency:      n.Currency,
		DueDate:       n.DueDate,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	timestamp := strconv.FormatInt(h.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)
	req.Header.Set("X-Billing-Timestamp", timestamp)
	if h.secret != "" {
		signed := append([]byte(timestamp+"."), body...)
		req.Header.Set("X-Billing-Signature", httputil.Sign(signed, h.secret))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifier returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
