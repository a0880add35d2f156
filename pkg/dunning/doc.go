// Package dunning escalates unpaid invoices.
//
// A run first moves pending invoices past their due date to overdue, then
// advances every overdue invoice by at most one step:
//
//	level 1 notice -> cooldown -> level 2 -> ... -> level MaxLevel -> collections
//
// Each step holds the invoice's keyed lock, the same lock payment
// settlement takes, from the decision through delivery. The invoice status
// is re-read right before a notice goes out and the notice is skipped if
// the invoice was paid or voided in the meantime.
//
// Levels per invoice are unique and strictly increasing. A failed delivery
// is retried on later runs up to Policy.MaxDeliveryAttempts; after that the
// ladder moves on once the cooldown has passed.
package dunning
