// Package llm defines the provider-agnostic interface for chat completions.
package llm

import (
	"context"
	"strings"
)

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// SendMessage sends a conversation and returns the model's reply.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request is a full conversation sent to a provider.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	// Temperature is passed through when non-nil.
	Temperature *float64
	// JSONMode asks the backend to constrain output to a JSON object.
	// Adapters without native support append an instruction instead.
	JSONMode bool
	Tools    []ToolDefinition // nil = no tool use
}

// Clone returns a shallow copy with its own message slice.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]Message(nil), r.Messages...)
	return &c
}

// ToolDefinition describes an ability the model may invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Message is one conversation turn. Set either Content or ContentBlocks.
type Message struct {
	Role          Role
	Content       string
	ContentBlocks []ContentBlock
}

// UserText builds a plain user message.
func UserText(s string) Message { return Message{Role: RoleUser, Content: s} }

// AssistantText builds a plain assistant message.
func AssistantText(s string) Message { return Message{Role: RoleAssistant, Content: s} }

// TextContent returns the concatenated text of the message.
func (m *Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union; Type selects the meaningful fields.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Canonical stop reasons. Adapters normalize backend values to these.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is what a provider returns.
type Response struct {
	Content       string
	ContentBlocks []ContentBlock
	Usage         Usage
	StopReason    string
	Model         string
}

// HasToolUse reports whether the model is requesting ability execution.
func (r *Response) HasToolUse() bool {
	return r.StopReason == StopToolUse
}

// ToolUseBlocks returns only the tool_use blocks of the response.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// JSONInstruction is appended to the system prompt by adapters that cannot
// enforce JSON output natively.
const JSONInstruction = "Respond with a single JSON object only. Do not wrap it in markdown or add commentary."
