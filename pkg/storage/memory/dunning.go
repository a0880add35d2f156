package memory

import (
	"context"
	"sort"
	"strconv"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/dunning"
)

func cloneNotice(n *dunning.Notice) *dunning.Notice {
	c := *n
	c.SentAt = copyTime(n.SentAt)
	return &c
}

func noticeKey(invoiceID string, level int) string {
	return key(invoiceID, strconv.Itoa(level))
}

// InsertNotice implements dunning.Store
func (s *Store) InsertNotice(ctx context.Context, n *dunning.Notice) error {
	defer s.lock(ctx)()
	k := noticeKey(n.InvoiceID, n.Level)
	if _, ok := s.st.notices[k]; ok {
		return conflict("invoice %s already has a level %d notice", n.InvoiceID, n.Level)
	}
	s.st.notices[k] = cloneNotice(n)
	return nil
}

// UpdateNotice implements dunning.Store
func (s *Store) UpdateNotice(ctx context.Context, n *dunning.Notice) error {
	defer s.lock(ctx)()
	k := noticeKey(n.InvoiceID, n.Level)
	stored, ok := s.st.notices[k]
	if !ok || stored.ID != n.ID {
		return notFound("notice", n.ID)
	}
	s.st.notices[k] = cloneNotice(n)
	return nil
}

// LatestNotice implements dunning.Store
func (s *Store) LatestNotice(ctx context.Context, invoiceID string) (*dunning.Notice, error) {
	defer s.lock(ctx)()
	var latest *dunning.Notice
	for _, n := range s.st.notices {
		if n.InvoiceID == invoiceID && (latest == nil || n.Level > latest.Level) {
			latest = n
		}
	}
	if latest == nil {
		return nil, notFound("notice for invoice", invoiceID)
	}
	return cloneNotice(latest), nil
}

// ListNotices implements dunning.Store
func (s *Store) ListNotices(ctx context.Context, invoiceID string) ([]*dunning.Notice, error) {
	defer s.lock(ctx)()
	var out []*dunning.Notice
	for _, n := range s.st.notices {
		if n.InvoiceID == invoiceID {
			out = append(out, cloneNotice(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Level < out[j].Level
	})
	return out, nil
}
