// Package payments implements the payment attempt state machine.
//
// An attempt moves pending -> processing -> succeeded | failed, and may be
// cancelled while the invoice is voided. A retryable failure below the retry
// cap spawns a new pending attempt with a fresh idempotency key and a
// next_retry_at taken from the shared backoff policy; the Poller claims due
// attempts and submits them.
//
// Every terminal result, whether it came from the synchronous processor
// call, a webhook or the reconciler, goes through Service.ApplyOutcome.
// A success is authoritative over an earlier failure, but it never revives a
// cancelled invoice, and two successes on one invoice raise an operator
// alert instead of being resolved automatically.
package payments
