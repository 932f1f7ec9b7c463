package bans

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// MemoryStore is an in-memory Store. Deactivated bans are kept as history.
type MemoryStore struct {
	mu      sync.RWMutex
	active  map[string]*Ban
	history []*Ban
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory ban store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{active: make(map[string]*Ban), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, b *Ban) (*Ban, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.active[b.Identity]; ok {
		cp := *existing
		return &cp, false, nil
	}
	stored := *b
	if stored.ID == "" {
		stored.ID = idgen.WithPrefix(idgen.PrefixBan)
	}
	if stored.BannedAt.IsZero() {
		stored.BannedAt = s.now()
	}
	stored.Active = true
	s.active[b.Identity] = &stored

	cp := stored
	return &cp, true, nil
}

func (s *MemoryStore) Active(_ context.Context, identity string) (*Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.active[identity]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) Deactivate(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.active[identity]
	if !ok {
		return ErrNotFound
	}
	b.Active = false
	b.DeactivatedAt = s.now()
	s.history = append(s.history, b)
	delete(s.active, identity)
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context, limit int) ([]*Ban, error) {
	s.mu.RLock()
	result := make([]*Ban, 0, len(s.active))
	for _, b := range s.active {
		cp := *b
		result = append(result, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].BannedAt.Equal(result[j].BannedAt) {
			return result[i].BannedAt.After(result[j].BannedAt)
		}
		return result[i].Identity < result[j].Identity
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) CountActive(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active), nil
}
