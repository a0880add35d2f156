// Package observability provides structured logging, Prometheus metrics,
// operator alerts, health checks and OpenTelemetry tracing for the billing
// services.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("invoice_id", id).Info("Invoice paid")
//
// Request-scoped logging:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.FromContext(ctx).Warn("Webhook rejected")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveWebhook("stripe", "valid", elapsed)
//
// # Operator Alerts
//
// Broken invariants (a second succeeded attempt, money captured on a voided
// invoice, exhausted webhook retries) are raised through an Alerter and never
// resolved automatically:
//
//	alerter := observability.NewLogAlerter(logger, metrics)
//	alerter.Raise(ctx, observability.Alert{Kind: observability.AlertDoubleCapture, Message: "..."})
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "billing-server",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
