package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/poseylabs/posey/internal/minion"
)

var (
	// ErrRunNotFound is returned when a run does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrConversationNotFound is returned for unknown conversations and for
	// conversations owned by another user.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Message is one stored conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore persists conversation history.
// Implementations: gorm-backed (postgres, sqlite) or in-memory.
type ConversationStore interface {
	// GetOrCreate returns convID when it belongs to userID, creates it when
	// it does not exist, and allocates a new ID when convID is empty.
	GetOrCreate(ctx context.Context, userID, convID string) (string, error)
	Append(ctx context.Context, convID string, msgs ...Message) error
	// History returns the last limit messages, oldest first. limit <= 0
	// returns everything.
	History(ctx context.Context, userID, convID string, limit int) ([]Message, error)
	Delete(ctx context.Context, userID, convID string) error
}

// RunStore persists pipeline runs with their steps.
type RunStore interface {
	// Save inserts or replaces a run.
	Save(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// ListByUser returns the user's runs, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Run, error)
	// PurgeBefore deletes runs created before t and returns how many.
	PurgeBefore(ctx context.Context, t time.Time) (int, error)
}

// Compile-time checks.
var (
	_ ConversationStore    = (*InMemoryConversationStore)(nil)
	_ RunStore             = (*InMemoryRunStore)(nil)
	_ minion.ImageRecorder = (*InMemoryRunStore)(nil)
)
