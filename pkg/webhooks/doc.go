// Package webhooks receives payment-provider webhooks and turns them into
// payment state changes exactly once.
//
// # Overview
//
// Each delivery goes through the Pipeline:
//
//  1. Look up the provider tag in the Registry (built from the runtime
//     config and swapped on reload)
//  2. Verify the HMAC signature with the provider's Adapter
//  3. Reject timestamps outside the provider's clock skew
//  4. Parse the payload into a NormalizedEvent
//  5. Store the raw event and acquire the dedup record for
//     (provider, event id)
//  6. Apply the outcome through payments.Service.ApplyOutcome, marking the
//     event processed and writing relay outbox rows in the same transaction
//
// Every delivery, accepted or rejected, is appended to the security log.
//
// # Dedup
//
// AcquireEvent is the single point that decides whether this receiver may
// apply an event. A record in processing with a live lease, processed, or
// retrying is a duplicate; failed and lease-expired records may be taken
// over. Settled records expire after DedupTTL.
//
// # Retries
//
// Transient application failures and relays to internal consumers are
// durable Retry rows worked off by the RetryWorker with the provider's
// retry.Policy. Exhausted rows raise an operator alert.
//
// # Adapters
//
//	generic  X-Webhook-Signature: sha256=<hex of HMAC("ts.body")>
//	         X-Webhook-Timestamp: unix seconds or RFC3339
//	stripe   Stripe-Signature: t=<unix>,v1=<hex of HMAC("t.body")>
//
// # Related Packages
//
//   - pkg/payments: Applies outcomes
//   - pkg/audit: Security log
//   - pkg/retry: Backoff policy
package webhooks
