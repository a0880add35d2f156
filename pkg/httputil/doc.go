// Package httputil holds the HTTP plumbing shared by the billing API, the
// webhook receiver and the audit endpoints.
//
// # Responses
//
// Every reply is JSON. Errors use ErrorResponse, which echoes the request id
// so a caller can quote it when reporting a problem:
//
//	httputil.WriteSuccess(w, invoice)
//	httputil.WriteNotFoundError(w, "invoice not found")
//	httputil.WriteConflict(w, "invoice is already paid")
//
// WriteInternalError never writes the underlying error to the client.
//
// # Requests
//
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//	if !ok {
//		return
//	}
//	limit, err := httputil.ParseQueryLimit(r, 50, 500)
//	since, err := httputil.ParseQueryTime(r, "since")
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
//	)(router)
//
// # Signatures
//
// Sign and VerifySignature implement the "sha256=<hex>" HMAC scheme used
// both for inbound processor webhooks and for signed outbound deliveries
// (dunning notices, consumer relays).
package httputil
