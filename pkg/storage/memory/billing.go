package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

func cloneLedger(l *billing.UsageLedger) *billing.UsageLedger {
	c := *l
	c.CostComponents = make(map[string]int64, len(l.CostComponents))
	for k, v := range l.CostComponents {
		c.CostComponents[k] = v
	}
	c.Adjustments = append([]billing.LedgerAdjustment(nil), l.Adjustments...)
	c.FrozenAt = copyTime(l.FrozenAt)
	return &c
}

func cloneInvoice(inv *billing.Invoice) *billing.Invoice {
	c := *inv
	c.LineItems = append([]billing.LineItem(nil), inv.LineItems...)
	c.PaidAt = copyTime(inv.PaidAt)
	c.CancelledAt = copyTime(inv.CancelledAt)
	return &c
}

func ledgerKey(accountID string, month billing.BillingMonth) string {
	return key(accountID, month.String())
}

// GetLedger implements billing.LedgerStore
func (s *Store) GetLedger(ctx context.Context, id string) (*billing.UsageLedger, error) {
	defer s.lock(ctx)()
	l, ok := s.st.ledgers[id]
	if !ok {
		return nil, notFound("ledger", id)
	}
	return cloneLedger(l), nil
}

// FindLedger implements billing.LedgerStore
func (s *Store) FindLedger(ctx context.Context, accountID string, month billing.BillingMonth) (*billing.UsageLedger, error) {
	defer s.lock(ctx)()
	id, ok := s.st.ledgerIndex[ledgerKey(accountID, month)]
	if !ok {
		return nil, notFound("ledger", accountID+"/"+month.String())
	}
	return cloneLedger(s.st.ledgers[id]), nil
}

// LockLedger implements billing.LedgerStore. The store mutex already
// isolates transactions, so this is a plain read.
func (s *Store) LockLedger(ctx context.Context, id string) (*billing.UsageLedger, error) {
	return s.GetLedger(ctx, id)
}

// InsertLedger implements billing.LedgerStore
func (s *Store) InsertLedger(ctx context.Context, ledger *billing.UsageLedger) error {
	defer s.lock(ctx)()
	k := ledgerKey(ledger.AccountID, ledger.Month)
	if _, ok := s.st.ledgerIndex[k]; ok {
		return conflict("ledger for %s %s exists", ledger.AccountID, ledger.Month)
	}
	if _, ok := s.st.ledgers[ledger.ID]; ok {
		return conflict("ledger %s exists", ledger.ID)
	}
	s.st.ledgers[ledger.ID] = cloneLedger(ledger)
	s.st.ledgerIndex[k] = ledger.ID
	return nil
}

// SaveLedger implements billing.LedgerStore
func (s *Store) SaveLedger(ctx context.Context, ledger *billing.UsageLedger) error {
	defer s.lock(ctx)()
	if _, ok := s.st.ledgers[ledger.ID]; !ok {
		return notFound("ledger", ledger.ID)
	}
	s.st.ledgers[ledger.ID] = cloneLedger(ledger)
	return nil
}

// SetLedgerStatus implements billing.LedgerStore
func (s *Store) SetLedgerStatus(ctx context.Context, id string, from, to billing.LedgerStatus) error {
	defer s.lock(ctx)()
	l, ok := s.st.ledgers[id]
	if !ok {
		return notFound("ledger", id)
	}
	if l.Status != from {
		return conflict("ledger %s is %s, not %s", id, l.Status, from)
	}
	c := cloneLedger(l)
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	s.st.ledgers[id] = c
	return nil
}

// ListLedgers implements billing.LedgerStore. An empty status matches all.
func (s *Store) ListLedgers(ctx context.Context, month billing.BillingMonth, status billing.LedgerStatus) ([]*billing.UsageLedger, error) {
	defer s.lock(ctx)()
	var out []*billing.UsageLedger
	for _, l := range s.st.ledgers {
		if l.Month != month || (status != "" && l.Status != status) {
			continue
		}
		out = append(out, cloneLedger(l))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

// InsertAdjustment implements billing.LedgerStore
func (s *Store) InsertAdjustment(ctx context.Context, adj *billing.LedgerAdjustment) error {
	defer s.lock(ctx)()
	if _, ok := s.st.ledgers[adj.LedgerID]; !ok {
		return notFound("ledger", adj.LedgerID)
	}
	existing := s.st.adjustments[adj.LedgerID]
	for _, a := range existing {
		if a.ID == adj.ID {
			return conflict("adjustment %s exists", adj.ID)
		}
	}
	next := make([]billing.LedgerAdjustment, 0, len(existing)+1)
	next = append(next, existing...)
	s.st.adjustments[adj.LedgerID] = append(next, *adj)
	return nil
}

// ListAdjustments implements billing.LedgerStore. Adjustments come back in
// the order they were applied.
func (s *Store) ListAdjustments(ctx context.Context, ledgerID string) ([]billing.LedgerAdjustment, error) {
	defer s.lock(ctx)()
	out := append([]billing.LedgerAdjustment(nil), s.st.adjustments[ledgerID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AppliedAt.Before(out[j].AppliedAt)
	})
	return out, nil
}

// GetInvoice implements billing.InvoiceStore
func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	defer s.lock(ctx)()
	inv, ok := s.st.invoices[id]
	if !ok {
		return nil, notFound("invoice", id)
	}
	return cloneInvoice(inv), nil
}

// LockInvoice implements billing.InvoiceStore
func (s *Store) LockInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	return s.GetInvoice(ctx, id)
}

// FindInvoiceByLedger implements billing.InvoiceStore
func (s *Store) FindInvoiceByLedger(ctx context.Context, ledgerID string) (*billing.Invoice, error) {
	defer s.lock(ctx)()
	id, ok := s.st.invoiceIndex[ledgerID]
	if !ok {
		return nil, notFound("invoice for ledger", ledgerID)
	}
	return cloneInvoice(s.st.invoices[id]), nil
}

// InsertInvoice implements billing.InvoiceStore
func (s *Store) InsertInvoice(ctx context.Context, inv *billing.Invoice) error {
	defer s.lock(ctx)()
	if _, ok := s.st.invoices[inv.ID]; ok {
		return conflict("invoice %s exists", inv.ID)
	}
	if _, ok := s.st.invoiceIndex[inv.LedgerID]; ok {
		return conflict("ledger %s already invoiced", inv.LedgerID)
	}
	if _, ok := s.st.numbers[inv.InvoiceNumber]; ok {
		return conflict("invoice number %s taken", inv.InvoiceNumber)
	}
	s.st.invoices[inv.ID] = cloneInvoice(inv)
	s.st.invoiceIndex[inv.LedgerID] = inv.ID
	s.st.numbers[inv.InvoiceNumber] = inv.ID
	return nil
}

// UpdateInvoiceStatus implements billing.InvoiceStore
func (s *Store) UpdateInvoiceStatus(ctx context.Context, id string, to billing.InvoiceStatus, at time.Time, from ...billing.InvoiceStatus) error {
	defer s.lock(ctx)()
	inv, ok := s.st.invoices[id]
	if !ok {
		return notFound("invoice", id)
	}
	if len(from) > 0 && !containsStatus(from, inv.Status) {
		return conflict("invoice %s is %s", id, inv.Status)
	}
	c := cloneInvoice(inv)
	c.Status = to
	c.UpdatedAt = at
	switch to {
	case billing.InvoiceStatusPaid:
		c.PaidAt = &at
	case billing.InvoiceStatusCancelled:
		c.CancelledAt = &at
	}
	s.st.invoices[id] = c
	return nil
}

func containsStatus(list []billing.InvoiceStatus, status billing.InvoiceStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// ListInvoices implements billing.InvoiceStore. Invoices come back by due
// date, then number.
func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]*billing.Invoice, error) {
	defer s.lock(ctx)()
	var out []*billing.Invoice
	for _, inv := range s.st.invoices {
		if filter.AccountID != "" && inv.AccountID != filter.AccountID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, inv.Status) {
			continue
		}
		if filter.DueBefore != nil && !inv.DueDate.Before(*filter.DueBefore) {
			continue
		}
		out = append(out, cloneInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].InvoiceNumber < out[j].InvoiceNumber
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// NextInvoiceSequence implements billing.InvoiceStore
func (s *Store) NextInvoiceSequence(ctx context.Context, month billing.BillingMonth) (int64, error) {
	defer s.lock(ctx)()
	s.st.sequences[month.String()]++
	return s.st.sequences[month.String()], nil
}

// InsertCorrection implements billing.InvoiceStore
func (s *Store) InsertCorrection(ctx context.Context, c *billing.InvoiceCorrection) error {
	defer s.lock(ctx)()
	if _, ok := s.st.invoices[c.InvoiceID]; !ok {
		return notFound("invoice", c.InvoiceID)
	}
	existing := s.st.corrections[c.InvoiceID]
	for _, e := range existing {
		if e.CorrectionNumber == c.CorrectionNumber {
			return conflict("correction %s exists", c.CorrectionNumber)
		}
	}
	cp := *c
	next := make([]*billing.InvoiceCorrection, 0, len(existing)+1)
	next = append(next, existing...)
	s.st.corrections[c.InvoiceID] = append(next, &cp)
	return nil
}

// ListCorrections implements billing.InvoiceStore
func (s *Store) ListCorrections(ctx context.Context, invoiceID string) ([]*billing.InvoiceCorrection, error) {
	defer s.lock(ctx)()
	existing := s.st.corrections[invoiceID]
	out := make([]*billing.InvoiceCorrection, 0, len(existing))
	for _, c := range existing {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}
