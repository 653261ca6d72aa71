// Package minion defines the specialised sub-agents the orchestrator
// delegates to, the registry that builds them lazily and the five
// built-in minions.
package minion

import (
	"context"
	"regexp"
	"strings"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/llm"
)

// Built-in minion names.
const (
	ContentAnalysis = "content_analysis"
	Memory          = "memory"
	Research        = "research"
	ImageGeneration = "image_generation"
	WebNavigation   = "web_navigation"
)

// Minion is one specialised sub-agent.
type Minion interface {
	Name() string
	Description() string
	Run(ctx context.Context, task *Task) (*Result, error)
}

// Task is the input to a minion run.
type Task struct {
	UserID         string
	ConversationID string
	// Query is the user's original message.
	Query string
	// Instruction is what the plan asks this minion to do. Empty means
	// act on Query.
	Instruction string
	Analysis    *Analysis
	// Context holds upstream step summaries keyed by step ID.
	Context map[string]string
	Params  map[string]any
	History []llm.Message
}

// Goal returns Instruction, or Query when no instruction was given.
func (t *Task) Goal() string {
	if s := strings.TrimSpace(t.Instruction); s != "" {
		return s
	}
	return t.Query
}

// StringParam returns a string parameter or "".
func (t *Task) StringParam(key string) string {
	s, _ := t.Params[key].(string)
	return s
}

// Source is a web page a minion relied on.
type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Image is a generated image.
type Image struct {
	URL           string `json:"url,omitempty"`
	B64           string `json:"b64,omitempty"`
	Prompt        string `json:"prompt"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	Provider      string `json:"provider"`
	Model         string `json:"model,omitempty"`
}

// Result is what a minion run produces.
type Result struct {
	Minion    string           `json:"minion"`
	Summary   string           `json:"summary"`
	Data      map[string]any   `json:"data,omitempty"`
	Sources   []Source         `json:"sources,omitempty"`
	Images    []Image          `json:"images,omitempty"`
	Memories  []string         `json:"memories,omitempty"`
	Usage     llm.Usage        `json:"usage"`
	ToolCalls []agent.ToolCall `json:"tool_calls,omitempty"`
}

var urlRe = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)

// ExtractURLs returns the unique http(s) URLs in text, in order, with
// trailing punctuation removed.
func ExtractURLs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, u := range urlRe.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?)]}")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// contextBlock renders upstream step summaries for a prompt.
func contextBlock(task *Task) string {
	if len(task.Context) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nResults from earlier steps:\n")
	for _, id := range sortedKeys(task.Context) {
		b.WriteString("- ")
		b.WriteString(id)
		b.WriteString(": ")
		b.WriteString(task.Context[id])
		b.WriteString("\n")
	}
	return b.String()
}
