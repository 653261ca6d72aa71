// Package memory implements long-term, per-user vector memory: stores,
// embedders and the Service the memory minion and HTTP API use.
package memory

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrNotFound  = errors.New("memory not found")
	ErrDuplicate = errors.New("memory already stored")
)

// Memory is one remembered fact.
type Memory struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	Importance     float64   `json:"importance"`
	Tags           []string  `json:"tags,omitempty"`
	Source         string    `json:"source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Match is a search hit with its cosine similarity.
type Match struct {
	Memory
	Score float64 `json:"score"`
}

// Store persists memories. Every lookup is scoped to a user.
type Store interface {
	Add(ctx context.Context, m *Memory) error
	Search(ctx context.Context, userID string, vector []float32, limit int, minScore float64) ([]Match, error)
	Get(ctx context.Context, userID, id string) (*Memory, error)
	Delete(ctx context.Context, userID, id string) error
	List(ctx context.Context, userID string, limit int) ([]Memory, error)
	// Prune deletes memories created and last accessed before olderThan
	// whose importance is below maxImportance.
	Prune(ctx context.Context, olderThan time.Time, maxImportance float64) (int, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
