package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/poseylabs/posey/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage_JSONModeAppendsInstruction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" || r.Header.Get("Anthropic-Version") != apiVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if !strings.HasPrefix(req.System, "Plan the work.") || !strings.Contains(req.System, llm.JSONInstruction) {
			t.Errorf("system = %q", req.System)
		}
		if req.MaxTokens != defaultMaxTokens {
			t.Errorf("max_tokens = %d", req.MaxTokens)
		}
		_ = json.NewEncoder(w).Encode(messagesResponse{
			Model:      "claude-x",
			Content:    []block{{Type: "text", Text: `{"steps":[]}`}},
			StopReason: "end_turn",
			Usage:      usage{InputTokens: 12, OutputTokens: 4},
		})
	}))
	defer srv.Close()

	c := NewClient("k", "claude-x", discardLogger(), WithBaseURL(srv.URL))
	resp, err := c.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "Plan the work.",
		Messages:     []llm.Message{llm.UserText("draw a cat")},
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != `{"steps":[]}` || resp.StopReason != llm.StopEndTurn {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSendMessage_ToolBlocks(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(messagesResponse{
			Content: []block{
				{Type: "text", Text: "Searching."},
				{Type: "tool_use", ID: "tu_1", Name: "web_search", Input: map[string]any{"query": "pgvector"}},
			},
			StopReason: "tool_use",
		})
	}))
	defer srv.Close()

	c := NewClient("k", "claude-x", discardLogger(), WithBaseURL(srv.URL))
	resp, err := c.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{
			llm.UserText("find docs"),
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{llm.ToolUseBlock("tu_0", "web_fetch", map[string]any{"url": "https://x"})}},
			{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{llm.ToolResultBlock("tu_0", "page", false)}},
		},
		Tools: []llm.ToolDefinition{{Name: "web_search", InputSchema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !resp.HasToolUse() || len(resp.ToolUseBlocks()) != 1 {
		t.Fatalf("expected one tool_use block, got %+v", resp.ContentBlocks)
	}
	if resp.Content != "Searching." {
		t.Errorf("content = %q", resp.Content)
	}

	msgs := raw["messages"].([]any)
	last := msgs[2].(map[string]any)["content"].([]any)[0].(map[string]any)
	if last["type"] != "tool_result" || last["tool_use_id"] != "tu_0" || last["content"] != "page" {
		t.Errorf("tool_result not encoded: %v", last)
	}
	if _, ok := raw["system"]; ok {
		t.Errorf("system must be omitted when empty")
	}
}

func TestSendMessage_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", 529)
	}))
	defer srv.Close()

	c := NewClient("k", "claude-x", discardLogger(), WithBaseURL(srv.URL))
	_, err := c.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{llm.UserText("hi")}})
	if !llm.IsTemporary(err) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}
