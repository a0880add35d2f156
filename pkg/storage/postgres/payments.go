package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

const attemptColumns = `id, invoice_id, account_id, amount_cents, currency, processor, idempotency_key,
	status, retry_count, next_retry_at, provider_ref, raw_response, failure_code, failure_message,
	created_at, updated_at, completed_at`

func scanAttempt(row rowScanner) (*payments.PaymentAttempt, error) {
	var (
		a                      payments.PaymentAttempt
		raw                    []byte
		nextRetry, completedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.InvoiceID, &a.AccountID, &a.AmountCents, &a.Currency, &a.Processor, &a.IdempotencyKey,
		&a.Status, &a.RetryCount, &nextRetry, &a.ProviderRef, &raw, &a.FailureCode, &a.FailureMessage,
		&a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		a.RawResponse = raw
	}
	a.NextRetryAt = timePtr(nextRetry)
	a.CompletedAt = timePtr(completedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (s *Store) queryAttempts(ctx context.Context, q querier, what, query string, args ...interface{}) ([]*payments.PaymentAttempt, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "%s", what)
	}
	defer rows.Close()

	var out []*payments.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, wrap(err, "scan attempt")
		}
		out = append(out, a)
	}
	return out, wrap(rows.Err(), "%s", what)
}

func rawBytes(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// InsertAttempt implements payments.AttemptStore. The guard against a
// succeeded sibling is evaluated under the invoice row lock the caller holds;
// the partial unique index covers concurrent active attempts.
func (s *Store) InsertAttempt(ctx context.Context, a *payments.PaymentAttempt) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO payment_attempts (`+attemptColumns+`)
		SELECT $1::text, $2::text, $3::text, $4::bigint, $5::text, $6::text, $7::text,
			$8::text, $9::integer, $10::timestamptz, $11::text, $12::bytea, $13::text, $14::text,
			$15::timestamptz, $16::timestamptz, $17::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM payment_attempts
			WHERE invoice_id = $2 AND status IN ('pending', 'processing', 'succeeded')
		)`,
		a.ID, a.InvoiceID, a.AccountID, a.AmountCents, a.Currency, a.Processor, a.IdempotencyKey,
		string(a.Status), a.RetryCount, nullTime(a.NextRetryAt), a.ProviderRef, rawBytes(a.RawResponse), a.FailureCode, a.FailureMessage,
		a.CreatedAt, a.UpdatedAt, nullTime(a.CompletedAt),
	)
	if err != nil {
		return wrap(err, "insert attempt")
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrap(err, "insert attempt")
	} else if n == 0 {
		return fmt.Errorf("%w: invoice %s already has an active or succeeded attempt", billing.ErrConflict, a.InvoiceID)
	}
	return nil
}

func (s *Store) getAttempt(ctx context.Context, what, query string, args ...interface{}) (*payments.PaymentAttempt, error) {
	a, err := scanAttempt(s.q(ctx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, wrap(err, "%s", what)
	}
	return a, nil
}

// GetAttempt implements payments.AttemptStore
func (s *Store) GetAttempt(ctx context.Context, id string) (*payments.PaymentAttempt, error) {
	return s.getAttempt(ctx, "get attempt "+id, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
}

// LockAttempt implements payments.AttemptStore
func (s *Store) LockAttempt(ctx context.Context, id string) (*payments.PaymentAttempt, error) {
	return s.getAttempt(ctx, "lock attempt "+id, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1 FOR UPDATE`, id)
}

// FindAttemptByKey implements payments.AttemptStore
func (s *Store) FindAttemptByKey(ctx context.Context, idempotencyKey string) (*payments.PaymentAttempt, error) {
	return s.getAttempt(ctx, "find attempt by key", `SELECT `+attemptColumns+` FROM payment_attempts WHERE idempotency_key = $1`, idempotencyKey)
}

// FindAttemptByProviderRef implements payments.AttemptStore
func (s *Store) FindAttemptByProviderRef(ctx context.Context, providerRef string) (*payments.PaymentAttempt, error) {
	return s.getAttempt(ctx, "find attempt by provider ref", `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE provider_ref = $1 AND provider_ref <> ''
		ORDER BY created_at DESC LIMIT 1`, providerRef)
}

// ListAttempts implements payments.AttemptStore
func (s *Store) ListAttempts(ctx context.Context, invoiceID string) ([]*payments.PaymentAttempt, error) {
	return s.queryAttempts(ctx, s.q(ctx), "list attempts", `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE invoice_id = $1
		ORDER BY retry_count, created_at, id`, invoiceID)
}

// UpdateAttempt implements payments.AttemptStore
func (s *Store) UpdateAttempt(ctx context.Context, a *payments.PaymentAttempt, from ...payments.AttemptStatus) error {
	query := `
		UPDATE payment_attempts
		SET status = $2, retry_count = $3, next_retry_at = $4, provider_ref = $5, raw_response = $6,
			failure_code = $7, failure_message = $8, updated_at = $9, completed_at = $10
		WHERE id = $1`
	args := []interface{}{
		a.ID, string(a.Status), a.RetryCount, nullTime(a.NextRetryAt), a.ProviderRef, rawBytes(a.RawResponse),
		a.FailureCode, a.FailureMessage, a.UpdatedAt, nullTime(a.CompletedAt),
	}
	if len(from) > 0 {
		query += ` AND status = ANY($11)`
		args = append(args, pq.Array(stringsOf(from)))
	}

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(err, "update attempt %s", a.ID)
	}
	return s.expectOne(ctx, res, "payment_attempts", a.ID)
}

// ClaimDueAttempts implements payments.AttemptStore. SKIP LOCKED keeps
// concurrent pollers from claiming the same rows.
func (s *Store) ClaimDueAttempts(ctx context.Context, now time.Time, limit int) ([]*payments.PaymentAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	claimed, err := s.queryAttempts(ctx, s.q(ctx), "claim due attempts", `
		UPDATE payment_attempts
		SET status = 'processing', updated_at = $1
		WHERE id IN (
			SELECT id FROM payment_attempts
			WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+attemptColumns, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	sortByNextRetry(claimed)
	return claimed, nil
}

// RETURNING does not preserve the subquery order
func sortByNextRetry(list []*payments.PaymentAttempt) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].NextRetryAt.Before(*list[j].NextRetryAt)
	})
}

// ListStaleProcessing implements payments.AttemptStore
func (s *Store) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*payments.PaymentAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAttempts(ctx, s.q(ctx), "list stale attempts", `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before.UTC(), limit)
}

// ListUnchargedInvoices implements payments.Store
func (s *Store) ListUnchargedInvoices(ctx context.Context, limit int) ([]*billing.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices i
		WHERE i.status IN ('pending', 'overdue') AND i.total_cents > 0
		AND NOT EXISTS (SELECT 1 FROM payment_attempts a WHERE a.invoice_id = i.id)
		ORDER BY i.issued_at, i.invoice_number`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list uncharged invoices")
	}
	defer rows.Close()

	var out []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, wrap(err, "scan invoice")
		}
		out = append(out, inv)
	}
	return out, wrap(rows.Err(), "list uncharged invoices")
}
