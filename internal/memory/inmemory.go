package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps memories in process and searches by brute force.
type InMemoryStore struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Memory
	now    func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byUser: make(map[string]map[string]*Memory), now: time.Now}
}

func (s *InMemoryStore) Add(_ context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.byUser[m.UserID]
	if !ok {
		user = make(map[string]*Memory)
		s.byUser[m.UserID] = user
	}
	cp := *m
	cp.Embedding = slices.Clone(m.Embedding)
	cp.Tags = slices.Clone(m.Tags)
	user[m.ID] = &cp
	return nil
}

func (s *InMemoryStore) Search(_ context.Context, userID string, vector []float32, limit int, minScore float64) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Match
	for _, m := range s.byUser[userID] {
		score := Cosine(vector, m.Embedding)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{Memory: *m, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	now := s.now()
	for i := range matches {
		s.byUser[userID][matches[i].ID].LastAccessedAt = now
		matches[i].Embedding = nil
	}
	return matches, nil
}

func (s *InMemoryStore) Get(_ context.Context, userID, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byUser[userID][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUser[userID][id]; !ok {
		return ErrNotFound
	}
	delete(s.byUser[userID], id)
	return nil
}

// List returns the newest memories first.
func (s *InMemoryStore) List(_ context.Context, userID string, limit int) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Memory, 0, len(s.byUser[userID]))
	for _, m := range s.byUser[userID] {
		cp := *m
		cp.Embedding = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Prune(_ context.Context, olderThan time.Time, maxImportance float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, user := range s.byUser {
		for id, m := range user {
			if m.CreatedAt.Before(olderThan) && m.LastAccessedAt.Before(olderThan) && m.Importance < maxImportance {
				delete(user, id)
				n++
			}
		}
	}
	return n, nil
}
