package minion

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/llm"
)

// Intent values for Analysis.Intent.
const (
	IntentQuestion   = "question"
	IntentResearch   = "research"
	IntentImage      = "image"
	IntentNavigation = "navigation"
	IntentMemory     = "memory"
	IntentChat       = "chat"
)

// Analysis is the content_analysis classification of a request.
type Analysis struct {
	Intent        string   `json:"intent" validate:"required,oneof=question research image navigation memory chat" jsonschema:"enum=question,enum=research,enum=image,enum=navigation,enum=memory,enum=chat"`
	Summary       string   `json:"summary" validate:"required,nonblank" jsonschema_description:"One sentence restating what the user wants"`
	NeedsMemory   bool     `json:"needs_memory" jsonschema_description:"The answer depends on facts about the user or the user shares such facts"`
	NeedsResearch bool     `json:"needs_research" jsonschema_description:"The answer needs current or external information from the web"`
	NeedsImage    bool     `json:"needs_image" jsonschema_description:"The user wants an image created"`
	NeedsWeb      bool     `json:"needs_web" jsonschema_description:"The user points at specific web pages to read"`
	URLs          []string `json:"urls,omitempty" validate:"omitempty,dive,url"`
	Topics        []string `json:"topics,omitempty" validate:"max=10"`
	Complexity    int      `json:"complexity" validate:"min=1,max=5" jsonschema:"minimum=1,maximum=5"`
	Language      string   `json:"language,omitempty" validate:"max=16" jsonschema_description:"ISO 639-1 code of the request language"`
}

const analysisSystemPrompt = `You are the content analysis minion of a multi-agent assistant.
Classify the user's latest message so a planner can decide which specialists to involve.
Only flag a need when the message clearly calls for it. Small talk needs nothing.
Complexity is 1 for a one-line answer and 5 for a multi-part research task.`

type contentAnalysis struct {
	agent  *agent.BaseAgent
	logger *slog.Logger
}

// NewContentAnalysis returns the content_analysis minion.
func NewContentAnalysis(a *agent.BaseAgent, logger *slog.Logger) Minion {
	return &contentAnalysis{agent: a, logger: logger}
}

func (m *contentAnalysis) Name() string { return ContentAnalysis }

func (m *contentAnalysis) Description() string {
	return "Classifies a request: intent, topics, complexity and which other minions it needs."
}

func (m *contentAnalysis) Run(ctx context.Context, task *Task) (*Result, error) {
	goal := task.Goal()
	msgs := make([]llm.Message, 0, len(task.History)+1)
	msgs = append(msgs, task.History...)
	msgs = append(msgs, llm.UserText(goal+contextBlock(task)))

	res := &Result{Minion: ContentAnalysis}
	out, err := agent.Execute[Analysis](ctx, m.agent, agent.Call{
		SystemPrompt: analysisSystemPrompt + agent.SchemaInstruction(agent.SchemaJSON[Analysis]()),
		Messages:     msgs,
	})

	var a Analysis
	heuristic := false
	switch {
	case err == nil:
		a = out.Value
		res.Usage = out.Usage
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		var verr *agent.ValidationError
		reason := "provider error"
		if errors.As(err, &verr) {
			reason = "validation failed"
		}
		m.logger.WarnContext(ctx, "content analysis fell back to heuristics",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		a = HeuristicAnalysis(goal)
		heuristic = true
	}

	a.URLs = mergeUnique(a.URLs, ExtractURLs(goal))
	if len(a.URLs) > 0 {
		a.NeedsWeb = true
	}

	res.Summary = a.Summary
	res.Data = map[string]any{"analysis": a, "heuristic": heuristic}
	return res, nil
}

// AnalysisFrom returns the Analysis carried by a content_analysis result.
func AnalysisFrom(res *Result) (Analysis, bool) {
	if res == nil {
		return Analysis{}, false
	}
	a, ok := res.Data["analysis"].(Analysis)
	return a, ok
}

var (
	imageWords    = []string{"draw", "paint", "picture", "image", "illustration", "sketch", "logo", "wallpaper", "render", "photo of"}
	memoryWords   = []string{"remember", "my name", "i like", "i love", "i prefer", "my favorite", "my favourite", "about me", "forget", "recall", "i am ", "i'm "}
	researchWords = []string{"latest", "news", "research", "search", "look up", "find out", "compare", "current", "today", "price", "statistics", "who is", "what is", "how does", "2025", "2026"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// HeuristicAnalysis classifies text with keyword rules. It is used when the
// LLM cannot produce a valid Analysis.
func HeuristicAnalysis(text string) Analysis {
	lower := strings.ToLower(text)
	a := Analysis{
		URLs:          ExtractURLs(text),
		NeedsImage:    containsAny(lower, imageWords),
		NeedsMemory:   containsAny(lower, memoryWords),
		NeedsResearch: containsAny(lower, researchWords),
		Topics:        topTokens(text, 5),
	}
	a.NeedsWeb = len(a.URLs) > 0

	switch {
	case a.NeedsImage:
		a.Intent = IntentImage
	case a.NeedsWeb:
		a.Intent = IntentNavigation
	case a.NeedsResearch:
		a.Intent = IntentResearch
	case a.NeedsMemory:
		a.Intent = IntentMemory
	case strings.Contains(text, "?"):
		a.Intent = IntentQuestion
	default:
		a.Intent = IntentChat
	}

	a.Complexity = 1
	for _, need := range []bool{a.NeedsImage, a.NeedsMemory, a.NeedsResearch, a.NeedsWeb} {
		if need {
			a.Complexity++
		}
	}
	a.Complexity = min(a.Complexity, 5)

	a.Summary = strings.Join(strings.Fields(text), " ")
	if len(a.Summary) > 200 {
		a.Summary = a.Summary[:200] + "..."
	}
	return a
}

func topTokens(text string, n int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tokenize(text) {
		if len(out) == n {
			break
		}
		if seen[t] || strings.HasPrefix(t, "http") {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
