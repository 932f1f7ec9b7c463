package stats

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used when no database is configured and
// in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Statistics
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Statistics)}
}

func (s *MemoryStore) Get(_ context.Context, identity string) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, next *Statistics, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.records[next.Identity]
	switch {
	case expectedVersion == 0 && exists:
		return ErrConflict
	case expectedVersion != 0 && (!exists || cur.Version != expectedVersion):
		return ErrConflict
	}
	s.records[next.Identity] = *next
	return nil
}

func (s *MemoryStore) TopBlocked(_ context.Context, limit int) ([]*Statistics, error) {
	s.mu.RLock()
	result := make([]*Statistics, 0)
	for _, rec := range s.records {
		if rec.BlockedCount > 0 {
			r := rec
			result = append(result, &r)
		}
	}
	s.mu.RUnlock()

	sortByBlocked(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Summary(_ context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{TrackedIdentities: len(s.records)}
	for _, rec := range s.records {
		if rec.BlockedCount > 0 {
			sum.BlockedIdentities++
			sum.TotalBlocks += int64(rec.BlockedCount)
		}
		if rec.IsPermanentlyBlocked {
			sum.PermanentlyBlocked++
		}
	}
	return sum, nil
}

func (s *MemoryStore) Delete(_ context.Context, identity string) error {
	s.mu.Lock()
	delete(s.records, identity)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeIdle(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		last := rec.LastRequestAt
		if last.IsZero() {
			last = rec.CreatedAt
		}
		if !rec.IsPermanentlyBlocked && last.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// sortByBlocked orders by BlockedCount desc, then identity for a stable page.
func sortByBlocked(recs []*Statistics) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].BlockedCount != recs[j].BlockedCount {
			return recs[i].BlockedCount > recs[j].BlockedCount
		}
		return recs[i].Identity < recs[j].Identity
	})
}
