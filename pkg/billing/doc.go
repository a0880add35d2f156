// Package billing turns metered trip usage into invoices.
//
// The Aggregator closes a month for an account: it sums completed stops into
// a UsageLedger, prices them with the current CostRates and freezes the
// ledger. The Generator turns a frozen ledger into an immutable Invoice and
// marks the ledger invoiced. Both operations are idempotent per
// (account, month), so a double-fired batch job produces one ledger and one
// invoice.
//
// Changes after invoicing go through IssueCorrection, which records a signed
// InvoiceCorrection next to the untouched invoice.
//
// Storage is reached through the Store interface; see pkg/storage/postgres
// and pkg/storage/memory.
package billing
