package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poseylabs/posey/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reply(w http.ResponseWriter, resp chatResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestSendMessage_JSONMode(t *testing.T) {
	temp := 0.1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != completionsPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response_format, got %+v", req.ResponseFormat)
		}
		if req.Temperature == nil || *req.Temperature != 0.1 {
			t.Errorf("temperature not forwarded: %v", req.Temperature)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Fatalf("unexpected messages: %+v", req.Messages)
		}
		reply(w, chatResponse{
			Model: "gpt-4o-2024",
			Choices: []chatChoice{{
				Message:      chatMessage{Role: "assistant", Content: `{"intent":"chat"}`},
				FinishReason: "stop",
			}},
			Usage: chatUsage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL+"/"))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "Classify.",
		Messages:     []llm.Message{llm.UserText("hello")},
		JSONMode:     true,
		Temperature:  &temp,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"intent":"chat"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != llm.StopEndTurn {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if resp.Model != "gpt-4o-2024" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.Usage.Total() != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSendMessage_ToolUseDisablesJSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.ResponseFormat != nil {
			t.Errorf("response_format must be omitted with tools")
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "web_search" {
			t.Fatalf("unexpected tools: %+v", req.Tools)
		}
		reply(w, chatResponse{
			Choices: []chatChoice{{
				Message: chatMessage{
					Role: "assistant",
					ToolCalls: []toolCall{{
						ID:       "call_123",
						Type:     "function",
						Function: toolCallFunction{Name: "web_search", Arguments: `{"query":"go generics"}`},
					}},
				},
				FinishReason: "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{llm.UserText("search")},
		JSONMode: true,
		Tools: []llm.ToolDefinition{{
			Name:        "web_search",
			Description: "Search the web",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.HasToolUse() {
		t.Fatal("expected tool use")
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 1 || blocks[0].ID != "call_123" || blocks[0].Input["query"] != "go generics" {
		t.Errorf("unexpected blocks: %+v", blocks)
	}
}

func TestSendMessage_ToolResultRoundTrip(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		reply(w, chatResponse{Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: "Done."},
			FinishReason: "stop",
		}}})
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages: []llm.Message{
			llm.UserText("search"),
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("call_1", "web_search", map[string]any{"query": "go"}),
			}},
			{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{
				llm.ToolResultBlock("call_1", "3 results", false),
			}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captured.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(captured.Messages))
	}
	if len(captured.Messages[2].ToolCalls) != 1 {
		t.Errorf("assistant turn should carry tool_calls")
	}
	if tm := captured.Messages[3]; tm.Role != "tool" || tm.ToolCallID != "call_1" {
		t.Errorf("unexpected tool message: %+v", tm)
	}
}

func TestSendMessage_OllamaNoAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		reply(w, chatResponse{Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: "OK"},
			FinishReason: "stop",
		}}})
	}))
	defer srv.Close()

	client := NewClient("", "llama3.1", discardLogger(), WithBaseURL(srv.URL), WithName("ollama"))
	if client.Name() != "ollama" {
		t.Errorf("name = %q", client.Name())
	}
	resp, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{llm.UserText("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{llm.UserText("Hi")}})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *llm.APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !apiErr.Temporary() {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
}

func TestStopReason(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"stop", "end_turn"},
		{"tool_calls", "tool_use"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := stopReason(tt.input); got != tt.want {
			t.Errorf("stopReason(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
