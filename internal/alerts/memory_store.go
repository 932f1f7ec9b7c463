package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// MemoryStore is an in-memory Sink.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]*Alert
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory alert sink.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert), now: time.Now}
}

func (s *MemoryStore) Raise(_ context.Context, a *Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.alerts {
		if !existing.Resolved && existing.Identity == a.Identity && existing.Kind == a.Kind {
			return false, nil
		}
	}
	if a.ID == "" {
		a.ID = idgen.WithPrefix(idgen.PrefixAlert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return true, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if !a.Resolved {
		a.Resolved = true
		a.ResolvedAt = s.now()
	}
	return nil
}

func (s *MemoryStore) ResolveAll(_ context.Context, identity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, a := range s.alerts {
		if a.Identity == identity && !a.Resolved {
			a.Resolved = true
			a.ResolvedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, limit int) ([]*Alert, error) {
	return s.list(func(a *Alert) bool { return !a.Resolved }, limit), nil
}

func (s *MemoryStore) ListByIdentity(_ context.Context, identity string) ([]*Alert, error) {
	return s.list(func(a *Alert) bool { return a.Identity == identity }, 0), nil
}

func (s *MemoryStore) CountOpen(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PurgeResolved(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.alerts {
		if a.Resolved && a.CreatedAt.Before(before) {
			delete(s.alerts, id)
			n++
		}
	}
	return n, nil
}

// list returns matching copies, newest first. limit <= 0 means no limit.
func (s *MemoryStore) list(match func(*Alert) bool, limit int) []*Alert {
	s.mu.RLock()
	result := make([]*Alert, 0)
	for _, a := range s.alerts {
		if match(a) {
			cp := *a
			result = append(result, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
