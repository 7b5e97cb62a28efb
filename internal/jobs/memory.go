package jobs

import (
	"context"
	"sync"
	"time"
)

const memoryPruneInterval = time.Minute

// MemoryStore keeps records in process memory. With a retention set,
// terminal records older than it are dropped as new jobs arrive; running
// jobs are never dropped.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	retention time.Duration
	now       func() time.Time
	nextPrune time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRetention evicts finished records once they are older than d. Zero
// keeps everything.
func WithRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.retention = d
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{records: make(map[string]Record), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return ErrJobExists
	}
	s.maybePruneLocked()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; !exists {
		return ErrNotFound
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

// Prune drops finished records completed more than the retention ago and
// returns how many went.
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now())
}

func (s *MemoryStore) maybePruneLocked() {
	if s.retention <= 0 {
		return
	}
	now := s.now()
	if now.Before(s.nextPrune) {
		return
	}
	s.pruneLocked(now)
	s.nextPrune = now.Add(memoryPruneInterval)
}

func (s *MemoryStore) pruneLocked(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	for id, rec := range s.records {
		if !rec.State.Terminal() {
			continue
		}
		finished := rec.UpdatedAt
		if rec.CompletedAt != nil {
			finished = *rec.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}
