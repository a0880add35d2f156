package webhooks

import (
	"context"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

// Store persists inbound events, dedup records and redelivery obligations
type Store interface {
	billing.Transactor

	// SaveEvent inserts e unless (provider, event id) exists and returns the
	// stored copy either way
	SaveEvent(ctx context.Context, e *Event) (*Event, error)
	GetEvent(ctx context.Context, provider, eventID string) (*Event, error)
	// MarkEventProcessed sets processed and processed_at when
	// processingError is empty; otherwise it only records the error
	MarkEventProcessed(ctx context.Context, provider, eventID string, at time.Time, processingError string) error

	// AcquireEvent is the per-event serialization point. It atomically
	// creates the dedup record in state processing with a lease, or takes
	// over a record that is failed or whose lease expired, and reports
	// acquired=true. Otherwise it only bumps last_seen and the occurrence
	// count and returns the current record with acquired=false.
	AcquireEvent(ctx context.Context, provider, eventID string, now time.Time, lease, ttl time.Duration) (*DedupRecord, bool, error)
	SetDedupState(ctx context.Context, provider, eventID string, state DedupState, now time.Time) error
	GetDedup(ctx context.Context, provider, eventID string) (*DedupRecord, error)
	// PurgeExpiredDedup deletes settled records past their expiry
	PurgeExpiredDedup(ctx context.Context, now time.Time) (int64, error)

	// InsertRetry fails with billing.ErrConflict if the event already has
	// a row for the same target
	InsertRetry(ctx context.Context, r *Retry) error
	// ClaimDueRetries atomically leases up to limit rows that are pending
	// and due, or in flight with an expired lease
	ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Retry, error)
	UpdateRetry(ctx context.Context, r *Retry) error
	ListRetries(ctx context.Context, filter RetryFilter) ([]*Retry, error)
}
