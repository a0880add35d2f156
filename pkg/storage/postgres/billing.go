package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

const ledgerColumns = `id, account_id, month, ride_count, distance_meters, duration_seconds,
	cost_components, currency, status, frozen_at, created_at, updated_at`

func scanLedger(row rowScanner) (*billing.UsageLedger, error) {
	var (
		l          billing.UsageLedger
		month      string
		components []byte
		frozenAt   sql.NullTime
	)
	err := row.Scan(&l.ID, &l.AccountID, &month, &l.RideCount, &l.DistanceMeters, &l.DurationSeconds,
		&components, &l.Currency, &l.Status, &frozenAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if l.Month, err = billing.ParseBillingMonth(month); err != nil {
		return nil, err
	}
	l.CostComponents = map[string]int64{}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &l.CostComponents); err != nil {
			return nil, fmt.Errorf("invalid cost components: %w", err)
		}
	}
	l.FrozenAt = timePtr(frozenAt)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

func (s *Store) getLedger(ctx context.Context, q querier, query string, args ...interface{}) (*billing.UsageLedger, error) {
	l, err := scanLedger(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return l, nil
}

// GetLedger implements billing.LedgerStore
func (s *Store) GetLedger(ctx context.Context, id string) (*billing.UsageLedger, error) {
	l, err := s.getLedger(ctx, s.q(ctx), `SELECT `+ledgerColumns+` FROM usage_ledgers WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger %s: %w", id, err)
	}
	return l, nil
}

// FindLedger implements billing.LedgerStore
func (s *Store) FindLedger(ctx context.Context, accountID string, month billing.BillingMonth) (*billing.UsageLedger, error) {
	l, err := s.getLedger(ctx, s.q(ctx), `SELECT `+ledgerColumns+` FROM usage_ledgers WHERE account_id = $1 AND month = $2`, accountID, month.String())
	if err != nil {
		return nil, fmt.Errorf("failed to find ledger for %s %s: %w", accountID, month, err)
	}
	return l, nil
}

// LockLedger implements billing.LedgerStore
func (s *Store) LockLedger(ctx context.Context, id string) (*billing.UsageLedger, error) {
	l, err := s.getLedger(ctx, s.q(ctx), `SELECT `+ledgerColumns+` FROM usage_ledgers WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock ledger %s: %w", id, err)
	}
	return l, nil
}

// InsertLedger implements billing.LedgerStore
func (s *Store) InsertLedger(ctx context.Context, l *billing.UsageLedger) error {
	components, err := json.Marshal(l.CostComponents)
	if err != nil {
		return fmt.Errorf("failed to marshal cost components: %w", err)
	}

	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO usage_ledgers (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT DO NOTHING`,
		l.ID, l.AccountID, l.Month.String(), l.RideCount, l.DistanceMeters, l.DurationSeconds,
		components, l.Currency, string(l.Status), nullTime(l.FrozenAt), l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return wrap(err, "insert ledger")
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrap(err, "insert ledger")
	} else if n == 0 {
		return fmt.Errorf("%w: ledger for %s %s exists", billing.ErrConflict, l.AccountID, l.Month)
	}
	return nil
}

// SaveLedger implements billing.LedgerStore
func (s *Store) SaveLedger(ctx context.Context, l *billing.UsageLedger) error {
	components, err := json.Marshal(l.CostComponents)
	if err != nil {
		return fmt.Errorf("failed to marshal cost components: %w", err)
	}

	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE usage_ledgers
		SET ride_count = $2, distance_meters = $3, duration_seconds = $4, cost_components = $5,
			currency = $6, status = $7, frozen_at = $8, updated_at = $9
		WHERE id = $1`,
		l.ID, l.RideCount, l.DistanceMeters, l.DurationSeconds, components,
		l.Currency, string(l.Status), nullTime(l.FrozenAt), l.UpdatedAt,
	)
	if err != nil {
		return wrap(err, "save ledger %s", l.ID)
	}
	return s.expectOne(ctx, res, "usage_ledgers", l.ID)
}

// SetLedgerStatus implements billing.LedgerStore
func (s *Store) SetLedgerStatus(ctx context.Context, id string, from, to billing.LedgerStatus) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE usage_ledgers SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return wrap(err, "set ledger %s status", id)
	}
	return s.expectOne(ctx, res, "usage_ledgers", id)
}

// ListLedgers implements billing.LedgerStore. An empty status matches all.
func (s *Store) ListLedgers(ctx context.Context, month billing.BillingMonth, status billing.LedgerStatus) ([]*billing.UsageLedger, error) {
	query := `SELECT ` + ledgerColumns + ` FROM usage_ledgers WHERE month = $1`
	args := []interface{}{month.String()}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY account_id`

	rows, err := s.r(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list ledgers")
	}
	defer rows.Close()

	var out []*billing.UsageLedger
	for rows.Next() {
		l, err := scanLedger(rows)
		if err != nil {
			return nil, wrap(err, "scan ledger")
		}
		out = append(out, l)
	}
	return out, wrap(rows.Err(), "list ledgers")
}

// InsertAdjustment implements billing.LedgerStore
func (s *Store) InsertAdjustment(ctx context.Context, adj *billing.LedgerAdjustment) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO ledger_adjustments (id, ledger_id, kind, amount_cents, reason, actor, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		adj.ID, adj.LedgerID, string(adj.Kind), adj.AmountCents, adj.Reason, adj.Actor, adj.AppliedAt,
	)
	return wrap(err, "insert adjustment")
}

// ListAdjustments implements billing.LedgerStore
func (s *Store) ListAdjustments(ctx context.Context, ledgerID string) ([]billing.LedgerAdjustment, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, ledger_id, kind, amount_cents, reason, actor, applied_at
		FROM ledger_adjustments WHERE ledger_id = $1
		ORDER BY applied_at, id`, ledgerID)
	if err != nil {
		return nil, wrap(err, "list adjustments")
	}
	defer rows.Close()

	var out []billing.LedgerAdjustment
	for rows.Next() {
		var a billing.LedgerAdjustment
		if err := rows.Scan(&a.ID, &a.LedgerID, &a.Kind, &a.AmountCents, &a.Reason, &a.Actor, &a.AppliedAt); err != nil {
			return nil, wrap(err, "scan adjustment")
		}
		a.AppliedAt = a.AppliedAt.UTC()
		out = append(out, a)
	}
	return out, wrap(rows.Err(), "list adjustments")
}

const invoiceColumns = `id, invoice_number, account_id, ledger_id, month, line_items,
	subtotal_cents, tax_cents, total_cents, currency, status, due_date, issued_at,
	paid_at, cancelled_at, created_at, updated_at`

func scanInvoice(row rowScanner) (*billing.Invoice, error) {
	var (
		inv                 billing.Invoice
		month               string
		items               []byte
		paidAt, cancelledAt sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.AccountID, &inv.LedgerID, &month, &items,
		&inv.SubtotalCents, &inv.TaxCents, &inv.TotalCents, &inv.Currency, &inv.Status, &inv.DueDate, &inv.IssuedAt,
		&paidAt, &cancelledAt, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if inv.Month, err = billing.ParseBillingMonth(month); err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &inv.LineItems); err != nil {
			return nil, fmt.Errorf("invalid line items: %w", err)
		}
	}
	inv.PaidAt = timePtr(paidAt)
	inv.CancelledAt = timePtr(cancelledAt)
	inv.DueDate = inv.DueDate.UTC()
	inv.IssuedAt = inv.IssuedAt.UTC()
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.UpdatedAt = inv.UpdatedAt.UTC()
	return &inv, nil
}

func (s *Store) getInvoice(ctx context.Context, q querier, query string, args ...interface{}) (*billing.Invoice, error) {
	inv, err := scanInvoice(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(err)
	}
	return inv, nil
}

// GetInvoice implements billing.InvoiceStore
func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, err := s.getInvoice(ctx, s.q(ctx), `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", id, err)
	}
	return inv, nil
}

// LockInvoice implements billing.InvoiceStore
func (s *Store) LockInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, err := s.getInvoice(ctx, s.q(ctx), `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to lock invoice %s: %w", id, err)
	}
	return inv, nil
}

// FindInvoiceByLedger implements billing.InvoiceStore
func (s *Store) FindInvoiceByLedger(ctx context.Context, ledgerID string) (*billing.Invoice, error) {
	inv, err := s.getInvoice(ctx, s.q(ctx), `SELECT `+invoiceColumns+` FROM invoices WHERE ledger_id = $1`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find invoice for ledger %s: %w", ledgerID, err)
	}
	return inv, nil
}

// InsertInvoice implements billing.InvoiceStore
func (s *Store) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("failed to marshal line items: %w", err)
	}
	if inv.LineItems == nil {
		items = []byte("[]")
	}

	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT DO NOTHING`,
		inv.ID, inv.InvoiceNumber, inv.AccountID, inv.LedgerID, inv.Month.String(), items,
		inv.SubtotalCents, inv.TaxCents, inv.TotalCents, inv.Currency, string(inv.Status), inv.DueDate, inv.IssuedAt,
		nullTime(inv.PaidAt), nullTime(inv.CancelledAt), inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return wrap(err, "insert invoice")
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrap(err, "insert invoice")
	} else if n == 0 {
		return fmt.Errorf("%w: invoice %s or ledger %s already invoiced", billing.ErrConflict, inv.InvoiceNumber, inv.LedgerID)
	}
	return nil
}

// UpdateInvoiceStatus implements billing.InvoiceStore
func (s *Store) UpdateInvoiceStatus(ctx context.Context, id string, to billing.InvoiceStatus, at time.Time, from ...billing.InvoiceStatus) error {
	query := `
		UPDATE invoices
		SET status = $2::text, updated_at = $3,
			paid_at = CASE WHEN $2::text = 'paid' THEN $3 ELSE paid_at END,
			cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $3 ELSE cancelled_at END
		WHERE id = $1`
	args := []interface{}{id, string(to), at.UTC()}
	if len(from) > 0 {
		query += ` AND status = ANY($4)`
		args = append(args, pq.Array(stringsOf(from)))
	}

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return wrap(err, "update invoice %s status", id)
	}
	return s.expectOne(ctx, res, "invoices", id)
}

// ListInvoices implements billing.InvoiceStore
func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]*billing.Invoice, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(stringsOf(filter.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.DueBefore != nil {
		args = append(args, filter.DueBefore.UTC())
		where = append(where, fmt.Sprintf("due_date < $%d", len(args)))
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY due_date, invoice_number`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.r(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err, "list invoices")
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
	return out, wrap(rows.Err(), "list invoices")
}

// NextInvoiceSequence implements billing.InvoiceStore. The counter row is
// locked by the upsert until the surrounding transaction ends, so numbers
// stay gapless when generation rolls back.
func (s *Store) NextInvoiceSequence(ctx context.Context, month billing.BillingMonth) (int64, error) {
	var seq int64
	err := s.q(ctx).QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (month, last_value) VALUES ($1, 1)
		ON CONFLICT (month) DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value`, month.String()).Scan(&seq)
	if err != nil {
		return 0, wrap(err, "allocate invoice sequence for %s", month)
	}
	return seq, nil
}

// InsertCorrection implements billing.InvoiceStore
func (s *Store) InsertCorrection(ctx context.Context, c *billing.InvoiceCorrection) error {
	adj, err := json.Marshal(c.Adjustment)
	if err != nil {
		return fmt.Errorf("failed to marshal adjustment: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO invoice_corrections (id, correction_number, invoice_id, adjustment,
			subtotal_cents, tax_cents, total_cents, currency, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.CorrectionNumber, c.InvoiceID, adj,
		c.SubtotalCents, c.TaxCents, c.TotalCents, c.Currency, c.IssuedAt,
	)
	return wrap(err, "insert correction %s", c.CorrectionNumber)
}

// ListCorrections implements billing.InvoiceStore
func (s *Store) ListCorrections(ctx context.Context, invoiceID string) ([]*billing.InvoiceCorrection, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, correction_number, invoice_id, adjustment, subtotal_cents, tax_cents,
			total_cents, currency, issued_at
		FROM invoice_corrections WHERE invoice_id = $1
		ORDER BY issued_at, correction_number`, invoiceID)
	if err != nil {
		return nil, wrap(err, "list corrections")
	}
	defer rows.Close()

	out := []*billing.InvoiceCorrection{}
	for rows.Next() {
		var (
			c   billing.InvoiceCorrection
			adj []byte
		)
		if err := rows.Scan(&c.ID, &c.CorrectionNumber, &c.InvoiceID, &adj, &c.SubtotalCents, &c.TaxCents,
			&c.TotalCents, &c.Currency, &c.IssuedAt); err != nil {
			return nil, wrap(err, "scan correction")
		}
		if err := json.Unmarshal(adj, &c.Adjustment); err != nil {
			return nil, fmt.Errorf("invalid correction adjustment: %w", err)
		}
		c.IssuedAt = c.IssuedAt.UTC()
		out = append(out, &c)
	}
	return out, wrap(rows.Err(), "list corrections")
}
