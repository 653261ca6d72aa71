package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poseylabs/posey/internal/minion"
)

// InMemoryConversationStore implements ConversationStore without
// persistence. Used in tests and when no database is configured.
type InMemoryConversationStore struct {
	mu      sync.RWMutex
	history map[string][]Message
	owners  map[string]string
}

// NewInMemoryConversationStore creates an ephemeral conversation store.
func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{
		history: make(map[string][]Message),
		owners:  make(map[string]string),
	}
}

func (s *InMemoryConversationStore) GetOrCreate(_ context.Context, userID, convID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if convID == "" {
		convID = uuid.NewString()
	}
	if owner, ok := s.owners[convID]; ok {
		if owner != userID {
			return "", ErrConversationNotFound
		}
		return convID, nil
	}
	s.owners[convID] = userID
	s.history[convID] = nil
	return convID, nil
}

func (s *InMemoryConversationStore) Append(_ context.Context, convID string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[convID]; !ok {
		return ErrConversationNotFound
	}
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		s.history[convID] = append(s.history[convID], m)
	}
	return nil
}

func (s *InMemoryConversationStore) History(_ context.Context, userID, convID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if owner, ok := s.owners[convID]; !ok || owner != userID {
		return nil, ErrConversationNotFound
	}
	hist := s.history[convID]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	cp := make([]Message, len(hist))
	copy(cp, hist)
	return cp, nil
}

func (s *InMemoryConversationStore) Delete(_ context.Context, userID, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[convID]; !ok || owner != userID {
		return ErrConversationNotFound
	}
	delete(s.history, convID)
	delete(s.owners, convID)
	return nil
}

// InMemoryRunStore implements RunStore and records generated images.
type InMemoryRunStore struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	images []minion.Image
}

// NewInMemoryRunStore creates an empty run store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]*Run)}
}

func (s *InMemoryRunStore) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.Steps = append([]StepRecord(nil), run.Steps...)
	s.runs[run.ID] = &cp
	return nil
}

func (s *InMemoryRunStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *InMemoryRunStore) ListByUser(_ context.Context, userID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Run
	for _, r := range s.runs {
		if r.UserID == userID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryRunStore) PurgeBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.runs {
		if r.CreatedAt.Before(t) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryRunStore) RecordImages(_ context.Context, _, _ string, images []minion.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, images...)
	return nil
}

// Images returns every recorded image.
func (s *InMemoryRunStore) Images() []minion.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]minion.Image(nil), s.images...)
}
