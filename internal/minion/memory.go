package minion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/memory"
)

// Fact is one durable statement worth remembering.
type Fact struct {
	Content    string   `json:"content" validate:"required,nonblank,max=500"`
	Importance float64  `json:"importance" validate:"gte=0,lte=1" jsonschema:"minimum=0,maximum=1"`
	Tags       []string `json:"tags,omitempty" validate:"max=5"`
}

// MemoryExtraction is what the LLM returns when asked for facts to keep.
type MemoryExtraction struct {
	Facts []Fact `json:"facts" validate:"max=5,dive"`
}

const extractionSystemPrompt = `You maintain a user's long-term memory.
From the user's message extract durable facts about the user: preferences, goals, relationships, personal details.
Ignore questions, small talk and anything that will not matter next week.
Write each fact as a short third-person sentence starting with "User".
Return an empty facts list when there is nothing to keep.`

// minImportance is the floor below which extracted facts are discarded.
const minImportance = 0.3

type memoryMinion struct {
	agent  *agent.BaseAgent
	svc    *memory.Service
	limit  int
	logger *slog.Logger
}

// NewMemory returns the memory minion.
func NewMemory(a *agent.BaseAgent, svc *memory.Service, limit int, logger *slog.Logger) Minion {
	return &memoryMinion{agent: a, svc: svc, limit: limit, logger: logger}
}

func (m *memoryMinion) Name() string { return Memory }

func (m *memoryMinion) Description() string {
	return "Recalls what is known about the user from long-term memory and stores new personal facts the user shares."
}

func (m *memoryMinion) Run(ctx context.Context, task *Task) (*Result, error) {
	res := &Result{Minion: Memory, Data: map[string]any{}}

	matches, err := m.svc.Recall(ctx, task.UserID, task.Goal(), m.limit)
	if err != nil {
		return nil, fmt.Errorf("recalling memories: %w", err)
	}
	for _, match := range matches {
		res.Memories = append(res.Memories, match.Content)
	}

	stored, usage, err := m.extract(ctx, task)
	res.Usage = usage
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.WarnContext(ctx, "memory extraction failed",
			slog.String("user_id", task.UserID),
			slog.String("error", err.Error()),
		)
	}
	res.Data["stored"] = stored
	res.Data["recalled"] = len(matches)

	var b strings.Builder
	if len(res.Memories) == 0 {
		b.WriteString("No relevant memories about the user.")
	} else {
		b.WriteString("Known about the user:\n")
		for _, c := range res.Memories {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	if len(stored) > 0 {
		fmt.Fprintf(&b, "\nNewly remembered: %s", strings.Join(stored, "; "))
	}
	res.Summary = strings.TrimSpace(b.String())
	return res, nil
}

// extract asks the LLM for durable facts in the user's own message and
// stores those important enough. Duplicates are skipped silently.
func (m *memoryMinion) extract(ctx context.Context, task *Task) ([]string, llm.Usage, error) {
	out, err := agent.Execute[MemoryExtraction](ctx, m.agent, agent.Call{
		SystemPrompt: extractionSystemPrompt + agent.SchemaInstruction(agent.SchemaJSON[MemoryExtraction]()),
		Messages:     []llm.Message{llm.UserText(task.Query)},
	})
	if err != nil {
		return nil, llm.Usage{}, err
	}

	var stored []string
	for _, f := range out.Value.Facts {
		if f.Importance < minImportance {
			continue
		}
		mem, err := m.svc.Remember(ctx, task.UserID, f.Content, f.Importance, f.Tags, "conversation:"+task.ConversationID)
		if errors.Is(err, memory.ErrDuplicate) {
			continue
		}
		if err != nil {
			return stored, out.Usage, fmt.Errorf("storing memory: %w", err)
		}
		stored = append(stored, mem.Content)
	}
	return stored, out.Usage, nil
}
