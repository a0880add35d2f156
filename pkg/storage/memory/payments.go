package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/payments"
)

func cloneAttempt(a *payments.PaymentAttempt) *payments.PaymentAttempt {
	c := *a
	c.RawResponse = append([]byte(nil), a.RawResponse...)
	c.NextRetryAt = copyTime(a.NextRetryAt)
	c.CompletedAt = copyTime(a.CompletedAt)
	return &c
}

// InsertAttempt implements payments.AttemptStore
func (s *Store) InsertAttempt(ctx context.Context, attempt *payments.PaymentAttempt) error {
	defer s.lock(ctx)()
	if _, ok := s.st.attempts[attempt.ID]; ok {
		return conflict("attempt %s exists", attempt.ID)
	}
	for _, other := range s.st.attempts {
		if other.IdempotencyKey == attempt.IdempotencyKey {
			return conflict("idempotency key %s taken", attempt.IdempotencyKey)
		}
		if other.InvoiceID == attempt.InvoiceID && (other.Status.Active() || other.Status == payments.AttemptStatusSucceeded) {
			return conflict("invoice %s has %s attempt %s", attempt.InvoiceID, other.Status, other.ID)
		}
	}
	s.st.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

// GetAttempt implements payments.AttemptStore
func (s *Store) GetAttempt(ctx context.Context, id string) (*payments.PaymentAttempt, error) {
	defer s.lock(ctx)()
	a, ok := s.st.attempts[id]
	if !ok {
		return nil, notFound("attempt", id)
	}
	return cloneAttempt(a), nil
}

// LockAttempt implements payments.AttemptStore
func (s *Store) LockAttempt(ctx context.Context, id string) (*payments.PaymentAttempt, error) {
	return s.GetAttempt(ctx, id)
}

// FindAttemptByKey implements payments.AttemptStore
func (s *Store) FindAttemptByKey(ctx context.Context, idempotencyKey string) (*payments.PaymentAttempt, error) {
	return s.findAttempt(ctx, "attempt with key", idempotencyKey, func(a *payments.PaymentAttempt) bool {
		return a.IdempotencyKey == idempotencyKey
	})
}

// FindAttemptByProviderRef implements payments.AttemptStore
func (s *Store) FindAttemptByProviderRef(ctx context.Context, providerRef string) (*payments.PaymentAttempt, error) {
	return s.findAttempt(ctx, "attempt with provider ref", providerRef, func(a *payments.PaymentAttempt) bool {
		return a.ProviderRef == providerRef
	})
}

func (s *Store) findAttempt(ctx context.Context, kind, value string, match func(*payments.PaymentAttempt) bool) (*payments.PaymentAttempt, error) {
	defer s.lock(ctx)()
	for _, a := range s.st.attempts {
		if match(a) {
			return cloneAttempt(a), nil
		}
	}
	return nil, notFound(kind, value)
}

// ListAttempts implements payments.AttemptStore. Attempts come back oldest
// first.
func (s *Store) ListAttempts(ctx context.Context, invoiceID string) ([]*payments.PaymentAttempt, error) {
	defer s.lock(ctx)()
	var out []*payments.PaymentAttempt
	for _, a := range s.st.attempts {
		if a.InvoiceID == invoiceID {
			out = append(out, cloneAttempt(a))
		}
	}
	sortAttempts(out)
	return out, nil
}

func sortAttempts(list []*payments.PaymentAttempt) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].RetryCount != list[j].RetryCount {
			return list[i].RetryCount < list[j].RetryCount
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// UpdateAttempt implements payments.AttemptStore
func (s *Store) UpdateAttempt(ctx context.Context, attempt *payments.PaymentAttempt, from ...payments.AttemptStatus) error {
	defer s.lock(ctx)()
	stored, ok := s.st.attempts[attempt.ID]
	if !ok {
		return notFound("attempt", attempt.ID)
	}
	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if stored.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return conflict("attempt %s is %s", attempt.ID, stored.Status)
		}
	}
	s.st.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

// ClaimDueAttempts implements payments.AttemptStore
func (s *Store) ClaimDueAttempts(ctx context.Context, now time.Time, limit int) ([]*payments.PaymentAttempt, error) {
	defer s.lock(ctx)()
	var due []*payments.PaymentAttempt
	for _, a := range s.st.attempts {
		if a.Status != payments.AttemptStatusPending || a.NextRetryAt == nil || a.NextRetryAt.After(now) {
			continue
		}
		due = append(due, a)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*payments.PaymentAttempt, 0, len(due))
	for _, a := range due {
		c := cloneAttempt(a)
		c.Status = payments.AttemptStatusProcessing
		c.UpdatedAt = now
		s.st.attempts[c.ID] = c
		out = append(out, cloneAttempt(c))
	}
	return out, nil
}

// ListStaleProcessing implements payments.AttemptStore
func (s *Store) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*payments.PaymentAttempt, error) {
	defer s.lock(ctx)()
	var out []*payments.PaymentAttempt
	for _, a := range s.st.attempts {
		if a.Status == payments.AttemptStatusProcessing && a.UpdatedAt.Before(before) {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnchargedInvoices implements payments.Store
func (s *Store) ListUnchargedInvoices(ctx context.Context, limit int) ([]*billing.Invoice, error) {
	defer s.lock(ctx)()
	charged := make(map[string]bool, len(s.st.attempts))
	for _, a := range s.st.attempts {
		charged[a.InvoiceID] = true
	}

	var out []*billing.Invoice
	for _, inv := range s.st.invoices {
		if charged[inv.ID] || !inv.Status.Payable() || inv.TotalCents <= 0 {
			continue
		}
		out = append(out, cloneInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].InvoiceNumber < out[j].InvoiceNumber
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
