package replica

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a Store backed by a map, used in tests and STORAGE_DRIVER=memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

func (s *MemoryStore) FindByStableID(_ context.Context, publicID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[publicID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) Upsert(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.PublicID]
	if !ok {
		s.users[u.PublicID] = u
		return nil
	}
	s.users[u.PublicID] = merge(existing, u)
	return nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, publicID string, changes []FieldChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[publicID]
	if !ok {
		return ErrNotFound
	}
	for _, c := range changes {
		if err := validateChange(c); err != nil {
			return err
		}
		u, _ = applyChange(u, c)
	}
	s.users[publicID] = u
	return nil
}

func (s *MemoryStore) ListEligible(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.Eligible() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicID < out[j].PublicID })
	return out, nil
}

// Count returns the number of stored replicas, stubs included.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
