package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a record or checkpoint does not exist
var ErrNotFound = errors.New("security log record not found")

// Log is the append-only security log
type Log interface {
	// Append chains r onto the log and returns it with Seq and hashes set
	Append(ctx context.Context, r *Record) (*Record, error)
	// Search returns records matching filter, newest first
	Search(ctx context.Context, filter SearchFilter) ([]*Record, error)
	// Get retrieves a record by sequence number
	Get(ctx context.Context, seq int64) (*Record, error)
	// Range returns records with fromSeq <= seq <= toSeq in order
	Range(ctx context.Context, fromSeq, toSeq int64, limit int) ([]*Record, error)
	// Head returns the last sequence number and hash, or 0 and GenesisHash
	Head(ctx context.Context) (int64, string, error)
	// Checkpoints returns checkpoints in sequence order
	Checkpoints(ctx context.Context) ([]Checkpoint, error)
	// MarkArchived records where a checkpoint's range was uploaded
	MarkArchived(ctx context.Context, seq int64, key string) error
}

// MemoryLog is an in-process Log for tests and dev mode
type MemoryLog struct {
	mu              sync.RWMutex
	records         []*Record
	checkpoints     []Checkpoint
	checkpointEvery int64
	now             func() time.Time
}

// NewMemoryLog creates an empty MemoryLog writing a checkpoint every
// checkpointEvery records (0 disables checkpoints)
func NewMemoryLog(checkpointEvery int64) *MemoryLog {
	return &MemoryLog{checkpointEvery: checkpointEvery, now: time.Now}
}

// Append implements Log
func (m *MemoryLog) Append(_ context.Context, r *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := *r
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	prevSeq, prevHash := int64(0), GenesisHash
	if n := len(m.records); n > 0 {
		prevSeq, prevHash = m.records[n-1].Seq, m.records[n-1].Hash
	}
	if err := seal(&rec, prevSeq, prevHash); err != nil {
		return nil, err
	}
	m.records = append(m.records, &rec)

	if m.checkpointEvery > 0 && rec.Seq%m.checkpointEvery == 0 {
		m.checkpoints = append(m.checkpoints, Checkpoint{Seq: rec.Seq, Hash: rec.Hash, CreatedAt: rec.Timestamp})
	}

	out := rec
	return &out, nil
}

// Search implements Log
func (m *MemoryLog) Search(_ context.Context, filter SearchFilter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Record
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if matches(r, filter) {
			c := *r
			matched = append(matched, &c)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	if matched == nil {
		matched = []*Record{}
	}
	return matched, nil
}

func matches(r *Record, f SearchFilter) bool {
	if f.StartTime != nil && r.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && r.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.EventID != "" && r.EventID != f.EventID {
		return false
	}
	if len(f.Outcomes) > 0 {
		found := false
		for _, o := range f.Outcomes {
			if r.Outcome == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Get implements Log
func (m *MemoryLog) Get(_ context.Context, seq int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq < 1 || seq > int64(len(m.records)) {
		return nil, ErrNotFound
	}
	c := *m.records[seq-1]
	return &c, nil
}

// Range implements Log
func (m *MemoryLog) Range(_ context.Context, fromSeq, toSeq int64, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Record{}
	for _, r := range m.records {
		if r.Seq < fromSeq || r.Seq > toSeq {
			continue
		}
		c := *r
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Head implements Log
func (m *MemoryLog) Head(_ context.Context) (int64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n := len(m.records); n > 0 {
		return m.records[n-1].Seq, m.records[n-1].Hash, nil
	}
	return 0, GenesisHash, nil
}

// Checkpoints implements Log
func (m *MemoryLog) Checkpoints(_ context.Context) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// MarkArchived implements Log
func (m *MemoryLog) MarkArchived(_ context.Context, seq int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.checkpoints {
		if m.checkpoints[i].Seq == seq {
			m.checkpoints[i].ArchivedKey = key
			return nil
		}
	}
	return ErrNotFound
}
