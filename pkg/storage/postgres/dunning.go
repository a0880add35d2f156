package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
)

const noticeColumns = `id, invoice_id, account_id, level, due_date, amount_cents, currency, status,
	scheduled_at, sent_at, attempts, failure_reason, updated_at`

func scanNotice(row rowScanner) (*dunning.Notice, error) {
	var (
		n      dunning.Notice
		sentAt sql.NullTime
	)
	err := row.Scan(&n.ID, &n.InvoiceID, &n.AccountID, &n.Level, &n.DueDate, &n.AmountCents, &n.Currency, &n.Status,
		&n.ScheduledAt, &sentAt, &n.Attempts, &n.FailureReason, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.SentAt = timePtr(sentAt)
	n.DueDate = n.DueDate.UTC()
	n.ScheduledAt = n.ScheduledAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}

// InsertNotice implements dunning.Store
func (s *Store) InsertNotice(ctx context.Context, n *dunning.Notice) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO dunning_notices (`+noticeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		n.ID, n.InvoiceID, n.AccountID, n.Level, n.DueDate.UTC(), n.AmountCents, n.Currency, string(n.Status),
		n.ScheduledAt.UTC(), nullTime(n.SentAt), n.Attempts, n.FailureReason, n.UpdatedAt.UTC(),
	)
	return wrap(err, "insert level %d notice for invoice %s", n.Level, n.InvoiceID)
}

// UpdateNotice implements dunning.Store
func (s *Store) UpdateNotice(ctx context.Context, n *dunning.Notice) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE dunning_notices
		SET status = $2, sent_at = $3, attempts = $4, failure_reason = $5, updated_at = $6
		WHERE id = $1`,
		n.ID, string(n.Status), nullTime(n.SentAt), n.Attempts, n.FailureReason, n.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrap(err, "update notice %s", n.ID)
	}
	return requireRow(res, "notice", n.ID)
}

// LatestNotice implements dunning.Store
func (s *Store) LatestNotice(ctx context.Context, invoiceID string) (*dunning.Notice, error) {
	n, err := scanNotice(s.q(ctx).QueryRowContext(ctx, `
		SELECT `+noticeColumns+` FROM dunning_notices
		WHERE invoice_id = $1
		ORDER BY level DESC LIMIT 1`, invoiceID))
	if err != nil {
		return nil, wrap(err, "get latest notice for invoice %s", invoiceID)
	}
	return n, nil
}

// ListNotices implements dunning.Store
func (s *Store) ListNotices(ctx context.Context, invoiceID string) ([]*dunning.Notice, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+noticeColumns+` FROM dunning_notices
		WHERE invoice_id = $1
		ORDER BY level`, invoiceID)
	if err != nil {
		return nil, wrap(err, "list notices for invoice %s", invoiceID)
	}
	defer rows.Close()

	var out []*dunning.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notice: %w", err)
		}
		out = append(out, n)
	}
	return out, wrap(rows.Err(), "list notices for invoice %s", invoiceID)
}
