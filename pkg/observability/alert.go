package observability

import (
	"context"
	"sync"
)

// Alert kinds raised by the billing core. Each one means an invariant is
// broken or money may have moved incorrectly, so none of them is retried.
const (
	AlertDoubleCapture        = "double_capture"
	AlertRefundRequired       = "refund_required"
	AlertRetriesExhausted     = "webhook_retries_exhausted"
	AlertLedgerReopened       = "ledger_reopened"
	AlertInvoiceInconsistent  = "invoice_inconsistent"
	AlertSecurityLogTampered  = "security_log_tampered"
	AlertSecurityLogWriteFail = "security_log_write_failed"
	AlertCreditNotCarried     = "credit_not_carried"
)

// Alert is a fatal condition that needs a human.
type Alert struct {
	Kind    string
	Message string
	Fields  map[string]interface{}
}

// Alerter raises operator alerts.
type Alerter interface {
	Raise(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts at error level with alert=true and counts them.
// Paging integrations hang off the log pipeline.
type LogAlerter struct {
	logger  *Logger
	metrics *Metrics
}

// NewLogAlerter creates an alerter backed by the structured logger
func NewLogAlerter(logger *Logger, metrics *Metrics) *LogAlerter {
	return &LogAlerter{logger: logger, metrics: metrics}
}

// Raise implements Alerter
func (a *LogAlerter) Raise(ctx context.Context, alert Alert) {
	logger := a.logger
	if requestID := GetRequestID(ctx); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}
	logger.WithFields(alert.Fields).
		WithField("alert", true).
		WithField("alert_kind", alert.Kind).
		Error(alert.Message)
	a.metrics.IncAlert(alert.Kind)
}

// RecordingAlerter keeps alerts in memory
type RecordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

// Raise implements Alerter
func (r *RecordingAlerter) Raise(_ context.Context, alert Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

// Alerts returns a copy of everything raised so far
func (r *RecordingAlerter) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Kinds returns the kinds raised so far, in order
func (r *RecordingAlerter) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}
