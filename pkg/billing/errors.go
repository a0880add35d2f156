package billing

import "errors"

// Storage classification errors. Store implementations wrap these so callers
// can branch with errors.Is without knowing the backend.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	// ErrTransient marks failures worth retrying (lock timeouts, serialization
	// failures, dropped connections)
	ErrTransient = errors.New("transient failure")
	// ErrIntegrityViolation marks a broken invariant; it is never retried and
	// always raised to an operator
	ErrIntegrityViolation = errors.New("data integrity violation")
)

// Domain errors
var (
	ErrIncompleteUsageData = errors.New("incomplete usage data for period")
	ErrLedgerNotFrozen     = errors.New("ledger not frozen")
	ErrLedgerFrozen        = errors.New("ledger is frozen; use an invoice correction")
	ErrInvalidAdjustment   = errors.New("invalid adjustment")
	ErrNotInvoiced         = errors.New("ledger has not been invoiced")
)

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
