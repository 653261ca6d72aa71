package gemini

import (
	"context"
	"encoding/json"
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

func TestSendMessage_JSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-key" {
			t.Errorf("missing api key header")
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.GenerationConfig == nil || req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("expected JSON mime type, got %+v", req.GenerationConfig)
		}
		if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "sys" {
			t.Errorf("system instruction missing")
		}
		_ = json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{
				Content:      content{Role: "model", Parts: []part{{Text: `{"answer":"42"}`}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &usageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 3},
		})
	}))
	defer srv.Close()

	c := NewClient("g-key", "gemini-2.0-flash", discardLogger(), WithBaseURL(srv.URL))
	resp, err := c.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "sys",
		Messages:     []llm.Message{llm.UserText("q")},
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Content != `{"answer":"42"}` || resp.StopReason != llm.StopEndTurn {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.Total() != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSendMessage_FunctionCalls(t *testing.T) {
	var req generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{
			Candidates: []candidate{{
				Content: content{Role: "model", Parts: []part{
					{FunctionCall: &functionCall{Name: "memory_search", Args: map[string]any{"query": "cats"}}},
				}},
				FinishReason: "STOP",
			}},
		})
	}))
	defer srv.Close()

	c := NewClient("g-key", "gemini-2.0-flash", discardLogger(), WithBaseURL(srv.URL))
	resp, err := c.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{
			llm.UserText("what do you know about my cats"),
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{llm.ToolUseBlock("gemini-call-0", "web_search", nil)}},
			{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{llm.ToolResultBlock("gemini-call-0", "none", false)}},
		},
		Tools:    []llm.ToolDefinition{{Name: "memory_search"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if req.GenerationConfig.ResponseMimeType != "" {
		t.Errorf("mime type must be empty with tools")
	}
	if fr := req.Contents[2].Parts[0].FunctionResponse; fr == nil || fr.Name != "web_search" {
		t.Errorf("function response not resolved by name: %+v", req.Contents[2])
	}
	if req.Contents[1].Role != "model" {
		t.Errorf("assistant role should map to model")
	}
	if resp.StopReason != llm.StopToolUse {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 1 || blocks[0].ID != "gemini-call-0" || blocks[0].Name != "memory_search" {
		t.Errorf("unexpected blocks: %+v", blocks)
	}
}

func TestToResponse_NoCandidates(t *testing.T) {
	resp := toResponse(&generateResponse{})
	if resp.Content != "" || resp.StopReason != "" {
		t.Errorf("expected empty response, got %+v", resp)
	}
}
