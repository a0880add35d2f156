package dunning

import (
	"context"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

// Store is the storage surface the dunning engine needs
type Store interface {
	billing.Transactor

	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	LockInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]*billing.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, to billing.InvoiceStatus, at time.Time, from ...billing.InvoiceStatus) error

	// InsertNotice fails with billing.ErrConflict if the invoice already
	// has a notice at that level
	InsertNotice(ctx context.Context, n *Notice) error
	UpdateNotice(ctx context.Context, n *Notice) error
	// LatestNotice returns the highest-level notice or billing.ErrNotFound
	LatestNotice(ctx context.Context, invoiceID string) (*Notice, error)
	// ListNotices returns an invoice's notices by level
	ListNotices(ctx context.Context, invoiceID string) ([]*Notice, error)
}
