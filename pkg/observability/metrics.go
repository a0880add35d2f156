package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
//
// The record helpers are safe to call on a nil *Metrics so that components
// built without a registry (tests, one-off batch runs) need no guards.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook ingestion metrics
	WebhookEventsTotal        *prometheus.CounterVec
	WebhookProcessingDuration *prometheus.HistogramVec
	WebhookRetriesTotal       *prometheus.CounterVec
	RelayDeliveriesTotal      *prometheus.CounterVec

	// Payment metrics
	PaymentAttemptsTotal   *prometheus.CounterVec
	PaymentRetriesTotal    *prometheus.CounterVec
	ProcessorCallDuration  *prometheus.HistogramVec
	InvoicesOverdueTotal   prometheus.Counter
	InvoicesSettledTotal   prometheus.Counter
	InvoicesCancelledTotal prometheus.Counter

	// Batch metrics
	LedgersClosedTotal     *prometheus.CounterVec
	InvoicesGeneratedTotal prometheus.Counter

	// Dunning metrics
	DunningNoticesTotal *prometheus.CounterVec

	// Operator alerts
	AlertsTotal *prometheus.CounterVec

	// Security log
	SecurityLogAppendsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Inbound webhook deliveries by validation outcome",
			},
			[]string{"provider", "outcome"},
		),
		WebhookProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_processing_duration_seconds",
				Help:    "Time spent verifying and applying an inbound webhook",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"provider"},
		),
		WebhookRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_retries_total",
				Help: "Webhook redelivery obligations by target kind and result",
			},
			[]string{"target", "status"},
		),
		RelayDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_relay_deliveries_total",
				Help: "Outbound relays of payment events to internal consumers",
			},
			[]string{"consumer", "status"},
		),

		PaymentAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payment_attempts_total",
				Help: "Payment attempt transitions by processor and resulting status",
			},
			[]string{"processor", "status"},
		),
		PaymentRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_payment_retries_scheduled_total",
				Help: "Payment retries scheduled after a failed attempt",
			},
			[]string{"processor"},
		),
		ProcessorCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_processor_call_duration_seconds",
				Help:    "Payment processor call latency",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"processor", "operation"},
		),
		InvoicesOverdueTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_invoices_overdue_total",
				Help: "Invoices moved to overdue",
			},
		),
		InvoicesSettledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_invoices_paid_total",
				Help: "Invoices settled as paid",
			},
		),
		InvoicesCancelledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_invoices_cancelled_total",
				Help: "Invoices voided",
			},
		),

		LedgersClosedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledgers_closed_total",
				Help: "Monthly ledger close calls by result",
			},
			[]string{"result"},
		),
		InvoicesGeneratedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_invoices_generated_total",
				Help: "Invoices generated from frozen ledgers",
			},
		),

		DunningNoticesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_dunning_notices_total",
				Help: "Dunning notices by level and delivery status",
			},
			[]string{"level", "status"},
		),

		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_operator_alerts_total",
				Help: "Fatal operator alerts raised",
			},
			[]string{"kind"},
		),

		SecurityLogAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_security_log_appends_total",
				Help: "Security log appends by outcome",
			},
			[]string{"outcome"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WebhookEventsTotal,
		m.WebhookProcessingDuration,
		m.WebhookRetriesTotal,
		m.RelayDeliveriesTotal,
		m.PaymentAttemptsTotal,
		m.PaymentRetriesTotal,
		m.ProcessorCallDuration,
		m.InvoicesOverdueTotal,
		m.InvoicesSettledTotal,
		m.InvoicesCancelledTotal,
		m.LedgersClosedTotal,
		m.InvoicesGeneratedTotal,
		m.DunningNoticesTotal,
		m.AlertsTotal,
		m.SecurityLogAppendsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// ObserveWebhook records one inbound webhook outcome
func (m *Metrics) ObserveWebhook(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
	m.WebhookProcessingDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// IncWebhookRetry records a webhook retry transition
func (m *Metrics) IncWebhookRetry(target, status string) {
	if m == nil {
		return
	}
	m.WebhookRetriesTotal.WithLabelValues(target, status).Inc()
}

// IncRelay records an outbound relay delivery
func (m *Metrics) IncRelay(consumer, status string) {
	if m == nil {
		return
	}
	m.RelayDeliveriesTotal.WithLabelValues(consumer, status).Inc()
}

// IncPaymentAttempt records a payment attempt reaching status
func (m *Metrics) IncPaymentAttempt(processor, status string) {
	if m == nil {
		return
	}
	m.PaymentAttemptsTotal.WithLabelValues(processor, status).Inc()
}

// IncPaymentRetry records a scheduled payment retry
func (m *Metrics) IncPaymentRetry(processor string) {
	if m == nil {
		return
	}
	m.PaymentRetriesTotal.WithLabelValues(processor).Inc()
}

// ObserveProcessorCall records processor call latency
func (m *Metrics) ObserveProcessorCall(processor, operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProcessorCallDuration.WithLabelValues(processor, operation).Observe(elapsed.Seconds())
}

// IncInvoiceOverdue records an invoice moving to overdue
func (m *Metrics) IncInvoiceOverdue() {
	if m == nil {
		return
	}
	m.InvoicesOverdueTotal.Inc()
}

// IncInvoicePaid records an invoice settling
func (m *Metrics) IncInvoicePaid() {
	if m == nil {
		return
	}
	m.InvoicesSettledTotal.Inc()
}

// IncInvoiceCancelled records a voided invoice
func (m *Metrics) IncInvoiceCancelled() {
	if m == nil {
		return
	}
	m.InvoicesCancelledTotal.Inc()
}

// IncLedgerClosed records a close call result (closed, existing, incomplete, error)
func (m *Metrics) IncLedgerClosed(result string) {
	if m == nil {
		return
	}
	m.LedgersClosedTotal.WithLabelValues(result).Inc()
}

// IncInvoiceGenerated records a new invoice
func (m *Metrics) IncInvoiceGenerated() {
	if m == nil {
		return
	}
	m.InvoicesGeneratedTotal.Inc()
}

// IncDunningNotice records a dunning notice transition
func (m *Metrics) IncDunningNotice(level int, status string) {
	if m == nil {
		return
	}
	m.DunningNoticesTotal.WithLabelValues(strconv.Itoa(level), status).Inc()
}

// IncAlert records a fatal operator alert
func (m *Metrics) IncAlert(kind string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(kind).Inc()
}

// IncSecurityLogAppend records a security log write
func (m *Metrics) IncSecurityLogAppend(outcome string) {
	if m == nil {
		return
	}
	m.SecurityLogAppendsTotal.WithLabelValues(outcome).Inc()
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled with the mux route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			if metrics == nil {
				return
			}

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler returns the /metrics handler for a registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
