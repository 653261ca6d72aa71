package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/poseylabs/posey/internal/ability"
)

// SearchAbility exposes Recall as memory_search for the current user.
type SearchAbility struct {
	svc *Service
}

func NewSearchAbility(svc *Service) *SearchAbility { return &SearchAbility{svc: svc} }

func (a *SearchAbility) Name() string { return "memory_search" }
func (a *SearchAbility) Description() string {
	return "Search the user's long-term memory for facts related to a query."
}
func (a *SearchAbility) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer", "description": "Maximum memories (default 5)"},
		},
		"required": []string{"query"},
	}
}

func (a *SearchAbility) Validate(params map[string]any) error {
	_, err := ability.StringParam(params, "query")
	return err
}

func (a *SearchAbility) Execute(ctx context.Context, params map[string]any) (*ability.Result, error) {
	userID := ability.UserIDFromContext(ctx)
	if userID == "" {
		return nil, errors.New("memory_search needs a user")
	}
	query, _ := ability.StringParam(params, "query")
	matches, err := a.svc.Recall(ctx, userID, query, ability.IntParam(params, "limit", 0))
	if err != nil {
		return nil, err
	}
	type hit struct {
		Content string   `json:"content"`
		Score   float64  `json:"score"`
		Tags    []string `json:"tags,omitempty"`
	}
	hits := make([]hit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, hit{Content: m.Content, Score: m.Score, Tags: m.Tags})
	}
	out, err := json.Marshal(hits)
	if err != nil {
		return nil, fmt.Errorf("encoding memories: %w", err)
	}
	return &ability.Result{Output: string(out), Success: true, Metadata: map[string]any{"count": len(hits)}}, nil
}

// StoreAbility exposes Remember as memory_store for the current user.
type StoreAbility struct {
	svc *Service
}

func NewStoreAbility(svc *Service) *StoreAbility { return &StoreAbility{svc: svc} }

func (a *StoreAbility) Name() string { return "memory_store" }
func (a *StoreAbility) Description() string {
	return "Save a durable fact about the user (a preference, a goal, a personal detail) to long-term memory."
}
func (a *StoreAbility) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content":    map[string]any{"type": "string", "description": "The fact, as one short sentence"},
			"importance": map[string]any{"type": "number", "description": "0 to 1"},
			"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"content"},
	}
}

func (a *StoreAbility) Validate(params map[string]any) error {
	_, err := ability.StringParam(params, "content")
	return err
}

func (a *StoreAbility) Execute(ctx context.Context, params map[string]any) (*ability.Result, error) {
	userID := ability.UserIDFromContext(ctx)
	if userID == "" {
		return nil, errors.New("memory_store needs a user")
	}
	content, _ := ability.StringParam(params, "content")
	importance := 0.5
	if v, ok := params["importance"].(float64); ok {
		importance = v
	}
	var tags []string
	if raw, ok := params["tags"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	m, err := a.svc.Remember(ctx, userID, content, importance, tags, "ability")
	switch {
	case errors.Is(err, ErrDuplicate):
		return &ability.Result{Output: "Already remembered: " + m.Content, Success: true,
			Metadata: map[string]any{"id": m.ID, "duplicate": true}}, nil
	case err != nil:
		return nil, err
	}
	return &ability.Result{Output: "Remembered: " + m.Content, Success: true, Metadata: map[string]any{"id": m.ID}}, nil
}
