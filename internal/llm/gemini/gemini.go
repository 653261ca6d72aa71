// Package gemini implements llm.Provider for the Google Gemini API.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poseylabs/posey/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider over generateContent.
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

// NewClient creates a Gemini provider.
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

func (c *Client) Name() string { return "gemini" }

// SendMessage posts the conversation to models/{model}:generateContent.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	header := http.Header{}
	header.Set("x-goog-api-key", c.apiKey)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)

	var out generateResponse
	if err := llm.PostJSON(ctx, c.httpClient, c.Name(), url, header, c.buildRequest(req), &out); err != nil {
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

func (c *Client) buildRequest(req *llm.Request) generateRequest {
	names := toolNames(req.Messages)

	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		contents = append(contents, toContent(m, names))
	}

	gen := &generationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	if gen.MaxOutputTokens <= 0 {
		gen.MaxOutputTokens = defaultMaxTokens
	}
	// responseMimeType is rejected alongside function declarations.
	if req.JSONMode && len(req.Tools) == 0 {
		gen.ResponseMimeType = "application/json"
	}

	out := generateRequest{Contents: contents, GenerationConfig: gen}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
		}
		out.Tools = []toolDeclaration{{FunctionDeclarations: decls}}
	}
	return out
}

// toolNames maps tool_use IDs to function names. Gemini matches function
// responses by name, not by call ID.
func toolNames(messages []llm.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range messages {
		if m.Role != llm.RoleAssistant {
			continue
		}
		for _, b := range m.ContentBlocks {
			if b.Type == llm.BlockToolUse && b.ID != "" {
				names[b.ID] = b.Name
			}
		}
	}
	return names
}

func toContent(m llm.Message, names map[string]string) content {
	role := "user"
	if m.Role == llm.RoleAssistant {
		role = "model"
	}
	if len(m.ContentBlocks) == 0 {
		return content{Role: role, Parts: []part{{Text: m.Content}}}
	}

	parts := make([]part, 0, len(m.ContentBlocks))
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case llm.BlockText:
			parts = append(parts, part{Text: b.Text})
		case llm.BlockToolUse:
			parts = append(parts, part{FunctionCall: &functionCall{Name: b.Name, Args: b.Input}})
		case llm.BlockToolResult:
			parts = append(parts, part{FunctionResponse: &functionResponse{
				Name:     names[b.ToolUseID],
				Response: map[string]any{"content": b.Text, "is_error": b.IsError},
			}})
		}
	}
	return content{Role: role, Parts: parts}
}

func toResponse(r *generateResponse) *llm.Response {
	resp := &llm.Response{Model: r.ModelVersion}
	if r.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			InputTokens:  r.UsageMetadata.PromptTokenCount,
			OutputTokens: r.UsageMetadata.CandidatesTokenCount,
		}
	}
	if len(r.Candidates) == 0 {
		return resp
	}

	cand := r.Candidates[0]
	var sb strings.Builder
	calls := 0
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
			resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(p.Text))
		}
		if p.FunctionCall != nil {
			id := fmt.Sprintf("gemini-call-%d", calls)
			calls++
			resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock(id, p.FunctionCall.Name, p.FunctionCall.Args))
		}
	}
	resp.Content = sb.String()

	switch {
	case calls > 0:
		resp.StopReason = llm.StopToolUse
	case cand.FinishReason == "STOP":
		resp.StopReason = llm.StopEndTurn
	case cand.FinishReason == "MAX_TOKENS":
		resp.StopReason = llm.StopMaxTokens
	default:
		resp.StopReason = strings.ToLower(cand.FinishReason)
	}
	return resp
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"system_instruction,omitempty"`
	Tools             []toolDeclaration `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generation_config,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type toolDeclaration struct {
	FunctionDeclarations []functionDeclaration `json:"function_declarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}
