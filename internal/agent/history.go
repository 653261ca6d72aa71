package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poseylabs/posey/internal/llm"
)

// MaxInputTokens is the rough prompt budget the tool loop trims history to.
const MaxInputTokens = 12000

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func estimateToolTokens(defs []llm.ToolDefinition) int {
	n := 0
	for _, d := range defs {
		n += estimateTokens(d.Name) + estimateTokens(d.Description)
		if d.InputSchema != nil {
			b, _ := json.Marshal(d.InputSchema)
			n += estimateTokens(string(b))
		}
	}
	return n
}

func estimateMessageTokens(m llm.Message) int {
	n := estimateTokens(string(m.Role)) + 4 + estimateTokens(m.Content)
	for _, b := range m.ContentBlocks {
		n += estimateTokens(b.Text) + estimateTokens(b.Name) + estimateTokens(b.ToolUseID)
		if b.Input != nil {
			raw, _ := json.Marshal(b.Input)
			n += estimateTokens(string(raw))
		}
	}
	return n
}

// TrimHistory drops the oldest messages until the estimated size fits in
// maxTokens minus fixedTokens. The last two messages are always kept and
// the result never starts with an assistant turn.
func TrimHistory(history []llm.Message, fixedTokens, maxTokens int) []llm.Message {
	budget := maxTokens - fixedTokens
	if budget < 2000 {
		budget = 2000
	}
	total := 0
	for _, m := range history {
		total += estimateMessageTokens(m)
	}
	for len(history) > 2 && total > budget {
		total -= estimateMessageTokens(history[0])
		history = history[1:]
	}
	for len(history) > 1 && history[0].Role == llm.RoleAssistant {
		history = history[1:]
	}
	return history
}

const summarizationPrompt = `Summarize the following conversation concisely.
Keep facts the user stated, decisions made and open questions.
Drop greetings and repetition. Write one short paragraph.`

// summarizeAt is the fraction of maxMessages at which Summarize kicks in.
const summarizeAt = 0.8

// Summarize folds the older part of a long history into one summary turn,
// keeping the most recent 40% of maxMessages verbatim. On any failure the
// history is returned unchanged.
func Summarize(ctx context.Context, p llm.Provider, history []llm.Message, maxMessages int, logger *slog.Logger) []llm.Message {
	if maxMessages <= 0 || len(history) < int(float64(maxMessages)*summarizeAt) {
		return history
	}
	keep := max(int(float64(maxMessages)*0.4), 2)
	cut := len(history) - keep
	if cut < 4 {
		return history
	}

	var sb strings.Builder
	for _, m := range history[:cut] {
		if text := m.TextContent(); text != "" {
			fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, text)
		}
	}
	if sb.Len() == 0 {
		return history
	}

	resp, err := p.SendMessage(ctx, &llm.Request{
		SystemPrompt: summarizationPrompt,
		Messages:     []llm.Message{llm.UserText(sb.String())},
		MaxTokens:    1024,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		if err != nil && logger != nil {
			logger.WarnContext(ctx, "history summarization failed",
				slog.String("error", err.Error()),
			)
		}
		return history
	}

	out := make([]llm.Message, 0, keep+1)
	out = append(out, llm.UserText("[Conversation summary]\n"+resp.Content))
	tail := history[cut:]
	// keep strict user/assistant alternation after the synthetic user turn
	if len(tail) > 0 && tail[0].Role == llm.RoleUser {
		out = append(out, llm.AssistantText("Understood."))
	}
	out = append(out, tail...)

	if logger != nil {
		logger.InfoContext(ctx, "history summarized",
			slog.Int("original", len(history)),
			slog.Int("summarized", cut),
			slog.Int("result", len(out)),
		)
	}
	return out
}
