package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poseylabs/posey/internal/ability"
	"github.com/poseylabs/posey/internal/observability"
)

const (
	defaultDuplicate = 0.95
	defaultMinScore  = 0.3
	defaultLimit     = 5
	maxContentLen    = 2000
)

// Service embeds and stores memories and recalls them by similarity.
type Service struct {
	store     Store
	embedder  Embedder
	duplicate float64
	minScore  float64
	limit     int
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithDuplicateThreshold(v float64) Option { return func(s *Service) { s.duplicate = v } }
func WithMinScore(v float64) Option           { return func(s *Service) { s.minScore = v } }
func WithRecallLimit(n int) Option            { return func(s *Service) { s.limit = n } }
func WithLogger(l *slog.Logger) Option        { return func(s *Service) { s.logger = l } }

func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store Store, embedder Embedder, opts ...Option) *Service {
	s := &Service{
		store:     store,
		embedder:  embedder,
		duplicate: defaultDuplicate,
		minScore:  defaultMinScore,
		limit:     defaultLimit,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Remember embeds content and stores it. A memory at or above the duplicate
// threshold of an existing one is not stored; the existing memory is
// returned with ErrDuplicate.
func (s *Service) Remember(ctx context.Context, userID, content string, importance float64, tags []string, source string) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("memory content is empty")
	}
	content = ability.CutUTF8(content, maxContentLen)

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.metrics.RecordMemory("remember", err)
		return nil, err
	}

	dupes, err := s.store.Search(ctx, userID, vec, 1, s.duplicate)
	if err != nil {
		s.metrics.RecordMemory("remember", err)
		return nil, err
	}
	if len(dupes) > 0 {
		s.logger.DebugContext(ctx, "skipping duplicate memory",
			slog.String("user_id", userID),
			slog.String("existing_id", dupes[0].ID),
			slog.Float64("score", dupes[0].Score),
		)
		s.metrics.RecordMemory("duplicate", nil)
		existing := dupes[0].Memory
		return &existing, ErrDuplicate
	}

	now := s.now().UTC()
	m := &Memory{
		ID:             uuid.NewString(),
		UserID:         userID,
		Content:        content,
		Embedding:      vec,
		Importance:     clamp01(importance),
		Tags:           normalizeTags(tags),
		Source:         source,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	err = s.store.Add(ctx, m)
	s.metrics.RecordMemory("remember", err)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "memory stored",
		slog.String("user_id", userID),
		slog.String("memory_id", m.ID),
		slog.String("source", source),
	)
	return m, nil
}

// Recall returns the memories most similar to query. limit <= 0 uses the
// configured default.
func (s *Service) Recall(ctx context.Context, userID, query string, limit int) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.limit
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.metrics.RecordMemory("recall", err)
		return nil, err
	}
	matches, err := s.store.Search(ctx, userID, vec, limit, s.minScore)
	s.metrics.RecordMemory("recall", err)
	return matches, err
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, userID, limit)
}

func (s *Service) Forget(ctx context.Context, userID, id string) error {
	err := s.store.Delete(ctx, userID, id)
	s.metrics.RecordMemory("forget", err)
	return err
}

// Prune removes stale, low-importance memories older than ttl.
func (s *Service) Prune(ctx context.Context, ttl time.Duration, maxImportance float64) (int, error) {
	n, err := s.store.Prune(ctx, s.now().Add(-ttl), maxImportance)
	s.metrics.RecordMemory("prune", err)
	return n, err
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
