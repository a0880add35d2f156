package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Dice26/decrown-worker-transportation-sub001/pkg/billing"
)

// AddStops records completed stops as if the trip subsystem had landed them
func (s *Store) AddStops(stops ...billing.StopRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]billing.StopRecord, 0, len(s.st.stops)+len(stops))
	next = append(next, s.st.stops...)
	s.st.stops = append(next, stops...)
}

// SetWatermark sets the instant up to which stop records are complete
func (s *Store) SetWatermark(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.watermark = t
}

// CompletedStops implements billing.UsageSource
func (s *Store) CompletedStops(ctx context.Context, accountID string, from, to time.Time) ([]billing.StopRecord, error) {
	defer s.lock(ctx)()
	var out []billing.StopRecord
	for _, stop := range s.st.stops {
		if stop.AccountID != accountID || stop.CompletedAt.Before(from) || !stop.CompletedAt.Before(to) {
			continue
		}
		out = append(out, stop)
	}
	return out, nil
}

// Watermark implements billing.UsageSource
func (s *Store) Watermark(ctx context.Context) (time.Time, error) {
	defer s.lock(ctx)()
	return s.st.watermark, nil
}

// ActiveAccounts implements billing.UsageSource
func (s *Store) ActiveAccounts(ctx context.Context, from, to time.Time) ([]string, error) {
	defer s.lock(ctx)()
	seen := make(map[string]bool)
	var out []string
	for _, stop := range s.st.stops {
		if stop.CompletedAt.Before(from) || !stop.CompletedAt.Before(to) || seen[stop.AccountID] {
			continue
		}
		seen[stop.AccountID] = true
		out = append(out, stop.AccountID)
	}
	sort.Strings(out)
	return out, nil
}
