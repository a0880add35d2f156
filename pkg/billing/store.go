package billing

import (
	"context"
	"time"
)

// Transactor runs fn inside a storage transaction. The transaction travels in
// the context; a nested WithinTx joins the outer transaction instead of
// opening a new one. If fn returns an error the transaction is rolled back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UsageSource is the read surface of the trip subsystem
type UsageSource interface {
	// CompletedStops returns the stops an account completed in [from, to)
	CompletedStops(ctx context.Context, accountID string, from, to time.Time) ([]StopRecord, error)
	// Watermark is the instant up to which all stop records have landed
	Watermark(ctx context.Context) (time.Time, error)
	// ActiveAccounts lists accounts with at least one stop in [from, to)
	ActiveAccounts(ctx context.Context, from, to time.Time) ([]string, error)
}

// LedgerStore persists usage ledgers and their adjustments
type LedgerStore interface {
	GetLedger(ctx context.Context, id string) (*UsageLedger, error)
	// FindLedger returns the ledger for (account, month) or ErrNotFound
	FindLedger(ctx context.Context, accountID string, month BillingMonth) (*UsageLedger, error)
	// LockLedger reads the ledger and holds a row lock until the transaction ends
	LockLedger(ctx context.Context, id string) (*UsageLedger, error)
	// InsertLedger fails with ErrConflict if (account, month) already exists
	InsertLedger(ctx context.Context, ledger *UsageLedger) error
	SaveLedger(ctx context.Context, ledger *UsageLedger) error
	// SetLedgerStatus moves the ledger from one status to another and fails
	// with ErrConflict if the ledger was not in the expected status
	SetLedgerStatus(ctx context.Context, id string, from, to LedgerStatus) error
	ListLedgers(ctx context.Context, month BillingMonth, status LedgerStatus) ([]*UsageLedger, error)
	InsertAdjustment(ctx context.Context, adj *LedgerAdjustment) error
	ListAdjustments(ctx context.Context, ledgerID string) ([]LedgerAdjustment, error)
}

// InvoiceStore persists invoices and corrections
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	// LockInvoice reads the invoice and holds a row lock until the transaction ends
	LockInvoice(ctx context.Context, id string) (*Invoice, error)
	FindInvoiceByLedger(ctx context.Context, ledgerID string) (*Invoice, error)
	// InsertInvoice fails with ErrConflict on a duplicate ledger or number
	InsertInvoice(ctx context.Context, inv *Invoice) error
	// UpdateInvoiceStatus sets the status when the current status is one of
	// from and fails with ErrConflict otherwise. The paid_at and cancelled_at
	// timestamps are set from at when entering those statuses.
	UpdateInvoiceStatus(ctx context.Context, id string, to InvoiceStatus, at time.Time, from ...InvoiceStatus) error
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*Invoice, error)
	// NextInvoiceSequence hands out the next number in the month's sequence
	NextInvoiceSequence(ctx context.Context, month BillingMonth) (int64, error)
	InsertCorrection(ctx context.Context, c *InvoiceCorrection) error
	ListCorrections(ctx context.Context, invoiceID string) ([]*InvoiceCorrection, error)
}

// Store is the storage surface the billing package needs
type Store interface {
	Transactor
	LedgerStore
	InvoiceStore
}
