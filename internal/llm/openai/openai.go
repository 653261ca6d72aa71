// Package openai implements llm.Provider for the OpenAI Chat Completions API.
// Ollama and other OpenAI-compatible servers are served by the same client.
package openai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poseylabs/posey/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider over Chat Completions.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient creates an OpenAI-compatible provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// SendMessage posts the conversation to /v1/chat/completions.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	var out chatResponse
	if err := llm.PostJSON(ctx, c.httpClient, c.name, c.baseURL+completionsPath, header, c.buildRequest(req), &out); err != nil {
		return nil, err
	}
	resp := c.toResponse(&out)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Bool("json_mode", req.JSONMode),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		if len(m.ContentBlocks) == 0 {
			msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		msgs = append(msgs, splitBlocks(m)...)
	}

	out := chatRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	// Tool calling and json_object mode cannot be combined on most backends.
	if req.JSONMode && len(req.Tools) == 0 {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	return out
}

// splitBlocks maps a structured message onto Chat Completions turns.
// Assistant tool_use blocks become tool_calls; user tool_result blocks
// become one "tool" message each.
func splitBlocks(m llm.Message) []chatMessage {
	if m.Role == llm.RoleAssistant {
		msg := chatMessage{Role: "assistant"}
		for _, b := range m.ContentBlocks {
			switch b.Type {
			case llm.BlockText:
				msg.Content += b.Text
			case llm.BlockToolUse:
				args, _ := json.Marshal(b.Input)
				msg.ToolCalls = append(msg.ToolCalls, toolCall{
					ID:       b.ID,
					Type:     "function",
					Function: toolCallFunction{Name: b.Name, Arguments: string(args)},
				})
			}
		}
		return []chatMessage{msg}
	}

	var text string
	var results []chatMessage
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case llm.BlockText:
			text += b.Text
		case llm.BlockToolResult:
			results = append(results, chatMessage{Role: "tool", Content: b.Text, ToolCallID: b.ToolUseID})
		}
	}
	if text == "" {
		return results
	}
	return append([]chatMessage{{Role: "user", Content: text}}, results...)
}

func (c *Client) toResponse(r *chatResponse) *llm.Response {
	resp := &llm.Response{
		Model: r.Model,
		Usage: llm.Usage{InputTokens: r.Usage.PromptTokens, OutputTokens: r.Usage.CompletionTokens},
	}
	if len(r.Choices) == 0 {
		return resp
	}

	choice := r.Choices[0]
	if choice.Message.Content != "" {
		resp.Content = choice.Message.Content
		resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock(tc.ID, tc.Function.Name, input))
	}
	resp.StopReason = stopReason(choice.FinishReason)
	return resp
}

func stopReason(reason string) string {
	switch reason {
	case "stop":
		return llm.StopEndTurn
	case "tool_calls", "function_call":
		return llm.StopToolUse
	case "length":
		return llm.StopMaxTokens
	default:
		return reason
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Tools          []chatTool      `json:"tools,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type toolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
