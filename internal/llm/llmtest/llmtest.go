// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/poseylabs/posey/internal/llm"
)

// Step is one scripted reply. Err takes precedence over Response.
type Step struct {
	Response *llm.Response
	Err      error
}

// Text is a shorthand for a plain end_turn reply.
func Text(s string) Step {
	return Step{Response: &llm.Response{
		Content:       s,
		ContentBlocks: []llm.ContentBlock{llm.TextBlock(s)},
		StopReason:    llm.StopEndTurn,
		Usage:         llm.Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

// ToolCall is a shorthand for a single tool_use reply.
func ToolCall(id, name string, input map[string]any) Step {
	return Step{Response: &llm.Response{
		ContentBlocks: []llm.ContentBlock{llm.ToolUseBlock(id, name, input)},
		StopReason:    llm.StopToolUse,
		Usage:         llm.Usage{InputTokens: 10, OutputTokens: 5},
	}}
}

// Fail is a shorthand for an error reply.
func Fail(err error) Step { return Step{Err: err} }

// Provider replays Steps in order and records every request.
// Once the script is exhausted it keeps returning the Fallback step if
// set, otherwise an error.
type Provider struct {
	ProviderName string
	Fallback     *Step

	mu       sync.Mutex
	steps    []Step
	requests []*llm.Request
}

// New returns a Provider that plays steps in order.
func New(name string, steps ...Step) *Provider {
	return &Provider{ProviderName: name, steps: steps}
}

// Func adapts a function into a Provider. Useful when replies depend on the request.
type Func func(ctx context.Context, req *llm.Request) (*llm.Response, error)

func (f Func) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

func (f Func) Name() string { return "func" }

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *Provider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req.Clone())

	var step Step
	switch {
	case len(p.steps) > 0:
		step, p.steps = p.steps[0], p.steps[1:]
	case p.Fallback != nil:
		step = *p.Fallback
	default:
		return nil, fmt.Errorf("%s: script exhausted after %d calls", p.Name(), len(p.requests))
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	return &resp, nil
}

// Calls returns how many requests were received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns a copy of every recorded request.
func (p *Provider) Requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.requests...)
}

// LastRequest returns the most recent request, or nil.
func (p *Provider) LastRequest() *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}
