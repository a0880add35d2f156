package payments

import (
	"context"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

// AttemptStore persists payment attempts
type AttemptStore interface {
	// InsertAttempt fails with billing.ErrConflict if the invoice already has
	// an active or succeeded attempt, or the idempotency key is taken
	InsertAttempt(ctx context.Context, attempt *PaymentAttempt) error
	GetAttempt(ctx context.Context, id string) (*PaymentAttempt, error)
	// LockAttempt reads the attempt and holds a row lock until the
	// transaction ends
	LockAttempt(ctx context.Context, id string) (*PaymentAttempt, error)
	FindAttemptByKey(ctx context.Context, idempotencyKey string) (*PaymentAttempt, error)
	FindAttemptByProviderRef(ctx context.Context, providerRef string) (*PaymentAttempt, error)
	ListAttempts(ctx context.Context, invoiceID string) ([]*PaymentAttempt, error)
	// UpdateAttempt writes the attempt if its stored status is one of from
	// and fails with billing.ErrConflict otherwise
	UpdateAttempt(ctx context.Context, attempt *PaymentAttempt, from ...AttemptStatus) error
	// ClaimDueAttempts atomically moves up to limit pending attempts with
	// next_retry_at <= now to processing and returns them. Concurrent
	// claimers never receive the same attempt.
	ClaimDueAttempts(ctx context.Context, now time.Time, limit int) ([]*PaymentAttempt, error)
	// ListStaleProcessing returns processing attempts not updated since before
	ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*PaymentAttempt, error)
}

// Store is the storage surface the payments package needs
type Store interface {
	billing.Transactor
	AttemptStore
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	LockInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, to billing.InvoiceStatus, at time.Time, from ...billing.InvoiceStatus) error
	// ListUnchargedInvoices returns up to limit payable invoices with a
	// positive total and no attempt at all, oldest first. A limit of 0
	// means no limit.
	ListUnchargedInvoices(ctx context.Context, limit int) ([]*billing.Invoice, error)
}
