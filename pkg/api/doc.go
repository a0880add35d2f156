// Package api is the HTTP surface of the billing core.
//
// # Routes
//
//	GET  /v1/invoices                     list (account, status, due_before, limit)
//	GET  /v1/invoices/{id}                invoice projection
//	POST /v1/invoices/{id}/void           cancel an unpaid invoice
//	GET  /v1/invoices/{id}/attempts       payment attempts, oldest first
//	POST /v1/invoices/{id}/attempts       open and submit a payment attempt
//	GET  /v1/invoices/{id}/notices        dunning history
//	GET  /v1/invoices/{id}/corrections    issued corrections
//	POST /v1/invoices/{id}/corrections    issue a credit or debit correction
//	GET  /v1/ledgers?month=YYYY-MM        ledgers of a month (status, account)
//	GET  /v1/ledgers/{id}                 ledger with adjustments
//	POST /v1/accounts/{account}/adjustments  record a pending adjustment
//
// Webhook ingress (pkg/webhooks) and the security log (pkg/audit) mount
// their own routes through RegisterRoutes. Health and /metrics are added
// when the Config carries a checker or a registry.
//
// # Errors
//
// Domain errors map onto status codes: not found is 404, conflicts and
// invalid state transitions are 409, transient storage failures are 503.
// Anything else is a logged 500 with no detail in the body.
//
// # Caching
//
// Invoices in a terminal status (paid, cancelled) are kept in an expirable
// LRU; their projection cannot change, so the cache needs no invalidation.
package api
