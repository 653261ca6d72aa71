package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/poseylabs/posey/internal/ability"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/llm/llmtest"
)

type counter struct {
	name  string
	calls int
	fail  bool
}

func (c *counter) Name() string                { return c.name }
func (c *counter) Description() string         { return "counts calls" }
func (c *counter) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (c *counter) Validate(p map[string]any) error {
	_, err := ability.StringParam(p, "q")
	return err
}
func (c *counter) Execute(ctx context.Context, p map[string]any) (*ability.Result, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("backend down")
	}
	return &ability.Result{Output: "result for " + p["q"].(string) + " as " + ability.UserIDFromContext(ctx), Success: true}, nil
}

func registryWith(abs ...ability.Ability) *ability.Registry {
	r := ability.NewRegistry()
	for _, a := range abs {
		r.Register(a)
	}
	return r
}

func TestComplete_NoTools(t *testing.T) {
	p := llmtest.New("main", llmtest.Text("hello"))
	a := New(p, WithLogger(discardLogger()))

	out, err := a.Complete(context.Background(), call())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "hello" || out.Rounds != 0 {
		t.Errorf("completion = %+v", out)
	}
	if p.LastRequest().Tools != nil {
		t.Error("no abilities requested, no tools expected")
	}
	if len(out.Messages) != 2 {
		t.Errorf("messages = %d, want user + assistant", len(out.Messages))
	}
}

func TestComplete_ToolLoop(t *testing.T) {
	search := &counter{name: "web_search"}
	p := llmtest.New("main",
		llmtest.ToolCall("t1", "web_search", map[string]any{"q": "go"}),
		llmtest.Text("done"),
	)
	a := New(p, WithAbilities(registryWith(search)), WithLogger(discardLogger()))

	c := call()
	c.Abilities = []string{"web_search"}
	ctx := ability.ContextWithUserID(context.Background(), "u1")
	out, err := a.Complete(ctx, c)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "done" || out.Rounds != 1 {
		t.Errorf("completion = %+v", out)
	}
	if len(out.ToolCalls) != 1 || !out.ToolCalls[0].Success {
		t.Fatalf("tool calls = %+v", out.ToolCalls)
	}
	if out.Usage.InputTokens != 20 {
		t.Errorf("usage = %+v", out.Usage)
	}

	reqs := p.Requests()
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "web_search" {
		t.Errorf("tools = %+v", reqs[0].Tools)
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != llm.RoleUser || last.ContentBlocks[0].Type != llm.BlockToolResult {
		t.Fatalf("expected tool_result turn, got %+v", last)
	}
	if got := last.ContentBlocks[0].Text; got != "result for go as u1" {
		t.Errorf("tool result = %q", got)
	}
}

func TestComplete_AbilityErrorsBecomeErrorResults(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"unknown ability", "nope", map[string]any{"q": "x"}, "unknown ability"},
		{"invalid params", "web_search", map[string]any{}, "invalid parameters"},
		{"execution error", "broken", map[string]any{"q": "x"}, "backend down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := llmtest.New("main", llmtest.ToolCall("t1", tt.tool, tt.input), llmtest.Text("ok"))
			reg := registryWith(&counter{name: "web_search"}, &counter{name: "broken", fail: true})
			a := New(p, WithAbilities(reg), WithLogger(discardLogger()))

			c := call()
			c.Abilities = []string{"web_search", "broken"}
			out, err := a.Complete(context.Background(), c)
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if out.ToolCalls[0].Success {
				t.Error("call should be marked failed")
			}
			block := p.LastRequest().Messages[2].ContentBlocks[0]
			if !block.IsError || !strings.Contains(block.Text, tt.want) {
				t.Errorf("result block = %+v", block)
			}
		})
	}
}

func TestComplete_UnknownAbilityUsesFallback(t *testing.T) {
	search := &counter{name: "web_search"}
	reg := registryWith(search)
	if err := reg.SetFallback("web_search"); err != nil {
		t.Fatal(err)
	}
	p := llmtest.New("main", llmtest.ToolCall("t1", "google", map[string]any{"q": "x"}), llmtest.Text("ok"))
	a := New(p, WithAbilities(reg), WithLogger(discardLogger()))

	c := call()
	c.Abilities = []string{"web_search"}
	out, err := a.Complete(context.Background(), c)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if search.calls != 1 || out.ToolCalls[0].Resolved != "web_search" {
		t.Errorf("fallback not used: calls=%d call=%+v", search.calls, out.ToolCalls[0])
	}
}

func TestComplete_MaxToolRounds(t *testing.T) {
	loop := llmtest.ToolCall("t", "web_search", map[string]any{"q": "again"})
	p := llmtest.New("main")
	p.Fallback = &loop
	a := New(p, WithAbilities(registryWith(&counter{name: "web_search"})), WithMaxToolRounds(2), WithLogger(discardLogger()))

	c := call()
	c.Abilities = []string{"web_search"}
	out, err := a.Complete(context.Background(), c)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if p.Calls() != 3 {
		t.Errorf("calls = %d, want 2 tool rounds + 1 final", p.Calls())
	}
	if p.LastRequest().Tools != nil {
		t.Error("final call must not offer tools")
	}
	if out.Rounds != 2 {
		t.Errorf("rounds = %d", out.Rounds)
	}
}

func TestComplete_AbilityCache(t *testing.T) {
	search := &counter{name: "web_search"}
	p := llmtest.New("main",
		llmtest.ToolCall("t1", "web_search", map[string]any{"q": "go"}),
		llmtest.ToolCall("t2", "web_search", map[string]any{"q": "go"}),
		llmtest.Text("done"),
	)
	a := New(p,
		WithAbilities(registryWith(search)),
		WithAbilityCache(time.Minute, "web_search"),
		WithLogger(discardLogger()),
	)
	c := call()
	c.Abilities = []string{"web_search"}
	if _, err := a.Complete(context.Background(), c); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if search.calls != 1 {
		t.Errorf("identical call should hit the cache; executions = %d", search.calls)
	}
}

func TestAbilityCache_Expiry(t *testing.T) {
	c := newAbilityCache(time.Second, []string{"web_fetch"})
	now := time.Now()
	c.now = func() time.Time { return now }

	c.put("web_fetch", map[string]any{"url": "a"}, "page")
	c.put("memory_store", map[string]any{"x": 1}, "ignored")
	if out, ok := c.get("web_fetch", map[string]any{"url": "a"}); !ok || out != "page" {
		t.Fatalf("get = %q %v", out, ok)
	}
	if _, ok := c.get("memory_store", map[string]any{"x": 1}); ok {
		t.Error("non-cacheable ability must not be cached")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.get("web_fetch", map[string]any{"url": "a"}); ok {
		t.Error("entry should have expired")
	}
	var nilCache *abilityCache
	if _, ok := nilCache.get("web_fetch", nil); ok {
		t.Error("nil cache should miss")
	}
}

func TestComplete_ProviderError(t *testing.T) {
	p := llmtest.New("main", llmtest.Fail(errors.New("boom")))
	a := New(p, WithLogger(discardLogger()))
	if _, err := a.Complete(context.Background(), call()); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}
