// Package anthropic implements llm.Provider for the Anthropic Messages API.
package anthropic

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poseylabs/posey/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider over the Messages API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
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

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

// SendMessage posts the conversation to /v1/messages.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	header := http.Header{}
	header.Set("X-API-Key", c.apiKey)
	header.Set("Anthropic-Version", apiVersion)

	var out messagesResponse
	if err := llm.PostJSON(ctx, c.httpClient, c.Name(), c.baseURL+messagesPath, header, c.buildRequest(req), &out); err != nil {
		return nil, err
	}
	resp := toResponse(&out)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.Name()),
		slog.String("model", c.model),
		slog.Bool("json_mode", req.JSONMode),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) messagesRequest {
	msgs := make([]message, len(req.Messages))
	for i, m := range req.Messages {
		if len(m.ContentBlocks) == 0 {
			msgs[i] = message{Role: string(m.Role), Content: m.Content}
			continue
		}
		blocks := make([]block, len(m.ContentBlocks))
		for j, b := range m.ContentBlocks {
			blocks[j] = toBlock(b)
		}
		msgs[i] = message{Role: string(m.Role), Content: blocks}
	}

	system := req.SystemPrompt
	// The Messages API has no JSON response mode.
	if req.JSONMode {
		if system != "" {
			system += "\n\n"
		}
		system += llm.JSONInstruction
	}

	out := messagesRequest{
		Model:       c.model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}

func toResponse(r *messagesResponse) *llm.Response {
	resp := &llm.Response{
		StopReason: r.StopReason,
		Model:      r.Model,
		Usage:      llm.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
	}
	var sb strings.Builder
	for _, b := range r.Content {
		switch b.Type {
		case llm.BlockText:
			sb.WriteString(b.Text)
			resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(b.Text))
		case llm.BlockToolUse:
			resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock(b.ID, b.Name, b.Input))
		}
	}
	resp.Content = sb.String()
	return resp
}

func toBlock(b llm.ContentBlock) block {
	out := block{Type: b.Type}
	switch b.Type {
	case llm.BlockText:
		out.Text = b.Text
	case llm.BlockToolUse:
		out.ID, out.Name, out.Input = b.ID, b.Name, b.Input
	case llm.BlockToolResult:
		out.ToolUseID, out.Content, out.IsError = b.ToolUseID, b.Text, b.IsError
	}
	return out
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
}

// message.Content is either a string or []block.
type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type block struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesResponse struct {
	Model      string  `json:"model"`
	Content    []block `json:"content"`
	StopReason string  `json:"stop_reason"`
	Usage      usage   `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
