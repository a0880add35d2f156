package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/webhooks"
)

func cloneEvent(e *webhooks.Event) *webhooks.Event {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.ProcessedAt = copyTime(e.ProcessedAt)
	return &c
}

func cloneDedup(d *webhooks.DedupRecord) *webhooks.DedupRecord {
	c := *d
	c.LeaseUntil = copyTime(d.LeaseUntil)
	return &c
}

func cloneRetry(r *webhooks.Retry) *webhooks.Retry {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.LeaseUntil = copyTime(r.LeaseUntil)
	c.CompletedAt = copyTime(r.CompletedAt)
	return &c
}

// SaveEvent implements webhooks.Store
func (s *Store) SaveEvent(ctx context.Context, e *webhooks.Event) (*webhooks.Event, error) {
	defer s.lock(ctx)()
	k := key(e.Provider, e.EventID)
	if stored, ok := s.st.events[k]; ok {
		return cloneEvent(stored), nil
	}
	c := cloneEvent(e)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.st.events[k] = c
	return cloneEvent(c), nil
}

// GetEvent implements webhooks.Store
func (s *Store) GetEvent(ctx context.Context, provider, eventID string) (*webhooks.Event, error) {
	defer s.lock(ctx)()
	e, ok := s.st.events[key(provider, eventID)]
	if !ok {
		return nil, notFound("event", provider+"/"+eventID)
	}
	return cloneEvent(e), nil
}

// MarkEventProcessed implements webhooks.Store
func (s *Store) MarkEventProcessed(ctx context.Context, provider, eventID string, at time.Time, processingError string) error {
	defer s.lock(ctx)()
	k := key(provider, eventID)
	e, ok := s.st.events[k]
	if !ok {
		return notFound("event", provider+"/"+eventID)
	}
	c := cloneEvent(e)
	c.ProcessingError = processingError
	if processingError == "" {
		c.Processed = true
		c.ProcessedAt = &at
	}
	s.st.events[k] = c
	return nil
}

// AcquireEvent implements webhooks.Store
func (s *Store) AcquireEvent(ctx context.Context, provider, eventID string, now time.Time, lease, ttl time.Duration) (*webhooks.DedupRecord, bool, error) {
	defer s.lock(ctx)()
	k := key(provider, eventID)
	leaseUntil := now.Add(lease)

	d, ok := s.st.dedup[k]
	if !ok {
		rec := &webhooks.DedupRecord{
			Provider:        provider,
			EventID:         eventID,
			State:           webhooks.DedupProcessing,
			FirstSeen:       now,
			LastSeen:        now,
			OccurrenceCount: 1,
			LeaseUntil:      &leaseUntil,
			ExpiresAt:       now.Add(ttl),
		}
		s.st.dedup[k] = rec
		return cloneDedup(rec), true, nil
	}

	c := cloneDedup(d)
	c.LastSeen = now
	c.OccurrenceCount++
	expired := c.State == webhooks.DedupProcessing && (c.LeaseUntil == nil || !c.LeaseUntil.After(now))
	acquired := c.State == webhooks.DedupFailed || expired
	if acquired {
		c.State = webhooks.DedupProcessing
		c.LeaseUntil = &leaseUntil
		c.ExpiresAt = now.Add(ttl)
	}
	s.st.dedup[k] = c
	return cloneDedup(c), acquired, nil
}

// SetDedupState implements webhooks.Store. Leaving processing drops the
// lease.
func (s *Store) SetDedupState(ctx context.Context, provider, eventID string, state webhooks.DedupState, now time.Time) error {
	defer s.lock(ctx)()
	k := key(provider, eventID)
	d, ok := s.st.dedup[k]
	if !ok {
		return notFound("dedup record", provider+"/"+eventID)
	}
	c := cloneDedup(d)
	c.State = state
	if state != webhooks.DedupProcessing {
		c.LeaseUntil = nil
	}
	if now.After(c.LastSeen) {
		c.LastSeen = now
	}
	s.st.dedup[k] = c
	return nil
}

// GetDedup implements webhooks.Store
func (s *Store) GetDedup(ctx context.Context, provider, eventID string) (*webhooks.DedupRecord, error) {
	defer s.lock(ctx)()
	d, ok := s.st.dedup[key(provider, eventID)]
	if !ok {
		return nil, notFound("dedup record", provider+"/"+eventID)
	}
	return cloneDedup(d), nil
}

// PurgeExpiredDedup implements webhooks.Store
func (s *Store) PurgeExpiredDedup(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock(ctx)()
	var purged int64
	for k, d := range s.st.dedup {
		settled := d.State == webhooks.DedupProcessed || d.State == webhooks.DedupFailed
		if settled && d.ExpiresAt.Before(now) {
			delete(s.st.dedup, k)
			purged++
		}
	}
	return purged, nil
}

// InsertRetry implements webhooks.Store
func (s *Store) InsertRetry(ctx context.Context, r *webhooks.Retry) error {
	defer s.lock(ctx)()
	if _, ok := s.st.retries[r.ID]; ok {
		return conflict("retry %s exists", r.ID)
	}
	for _, other := range s.st.retries {
		if other.Provider == r.Provider && other.EventID == r.EventID && other.Target == r.Target {
			return conflict("event %s/%s already has a %s retry", r.Provider, r.EventID, r.Target)
		}
	}
	s.st.retries[r.ID] = cloneRetry(r)
	return nil
}

// ClaimDueRetries implements webhooks.Store
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*webhooks.Retry, error) {
	defer s.lock(ctx)()
	var due []*webhooks.Retry
	for _, r := range s.st.retries {
		switch r.Status {
		case webhooks.RetryStatusPending:
			if r.NextRetryAt.After(now) {
				continue
			}
		case webhooks.RetryStatusInFlight:
			if r.LeaseUntil != nil && r.LeaseUntil.After(now) {
				continue
			}
		default:
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.Add(lease)
	out := make([]*webhooks.Retry, 0, len(due))
	for _, r := range due {
		c := cloneRetry(r)
		c.Status = webhooks.RetryStatusInFlight
		c.LeaseUntil = &leaseUntil
		c.UpdatedAt = now
		s.st.retries[c.ID] = c
		out = append(out, cloneRetry(c))
	}
	return out, nil
}

// UpdateRetry implements webhooks.Store
func (s *Store) UpdateRetry(ctx context.Context, r *webhooks.Retry) error {
	defer s.lock(ctx)()
	if _, ok := s.st.retries[r.ID]; !ok {
		return notFound("retry", r.ID)
	}
	s.st.retries[r.ID] = cloneRetry(r)
	return nil
}

// ListRetries implements webhooks.Store. Rows come back oldest first.
func (s *Store) ListRetries(ctx context.Context, filter webhooks.RetryFilter) ([]*webhooks.Retry, error) {
	defer s.lock(ctx)()
	var out []*webhooks.Retry
	for _, r := range s.st.retries {
		if filter.Provider != "" && r.Provider != filter.Provider {
			continue
		}
		if filter.EventID != "" && r.EventID != filter.EventID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsRetryStatus(filter.Statuses, r.Status) {
			continue
		}
		out = append(out, cloneRetry(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Target < out[j].Target
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsRetryStatus(list []webhooks.RetryStatus, status webhooks.RetryStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
