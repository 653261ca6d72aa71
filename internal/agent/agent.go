// Package agent runs LLM completions with an ability tool loop and turns
// free-text replies into validated structured values.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/poseylabs/posey/internal/ability"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/observability"
)

// Defaults used when options are left unset.
const (
	DefaultMaxRetries    = 2
	DefaultMaxToolRounds = 5
	DefaultMaxTokens     = 4096
)

// Options are the agent-wide defaults.
type Options struct {
	Strategy      Strategy
	MaxRetries    int
	MaxToolRounds int
	Temperature   *float64
	MaxTokens     int
}

// Call is one completion request.
type Call struct {
	SystemPrompt string
	Messages     []llm.Message
	// Abilities names the registry entries exposed as tools. Empty means none.
	Abilities []string
	// Override replaces agent defaults for this call when non-nil.
	Override *Override
}

// Override holds per-call option changes. Zero fields keep the default.
type Override struct {
	Strategy      Strategy
	MaxRetries    *int
	MaxToolRounds int
	Temperature   *float64
	MaxTokens     int
}

// ToolCall records one ability invocation made during the tool loop.
type ToolCall struct {
	Ability  string         `json:"ability"`
	Resolved string         `json:"resolved,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output"`
	Success  bool           `json:"success"`
	Duration time.Duration  `json:"duration"`
}

// Completion is the result of the tool loop.
type Completion struct {
	Text      string
	Messages  []llm.Message // conversation including tool turns and the final reply
	Usage     llm.Usage
	ToolCalls []ToolCall
	Rounds    int
	Model     string
}

// BaseAgent wraps a provider with the tool loop and the validation state machine.
type BaseAgent struct {
	provider  llm.Provider
	formatter llm.Provider
	abilities *ability.Registry // nil = no tools
	logger    *slog.Logger
	metrics   *observability.MetricsCollector // nil = metrics disabled
	tracer    *observability.TracerSetup      // nil = tracing disabled
	cache     *abilityCache                   // nil = no result caching
	opts      Options
}

// Option configures a BaseAgent.
type Option func(*BaseAgent)

// WithFormatter sets the provider used by the reformat state.
func WithFormatter(p llm.Provider) Option {
	return func(a *BaseAgent) {
		if p != nil {
			a.formatter = p
		}
	}
}

func WithStrategy(s Strategy) Option {
	return func(a *BaseAgent) { a.opts.Strategy = s }
}

// WithMaxRetries sets the repair budget. Zero is valid.
func WithMaxRetries(n int) Option {
	return func(a *BaseAgent) {
		if n >= 0 {
			a.opts.MaxRetries = n
		}
	}
}

func WithMaxToolRounds(n int) Option {
	return func(a *BaseAgent) {
		if n > 0 {
			a.opts.MaxToolRounds = n
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(a *BaseAgent) {
		if n > 0 {
			a.opts.MaxTokens = n
		}
	}
}

func WithAbilities(r *ability.Registry) Option {
	return func(a *BaseAgent) { a.abilities = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *BaseAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *observability.MetricsCollector) Option {
	return func(a *BaseAgent) { a.metrics = m }
}

func WithTracer(ts *observability.TracerSetup) Option {
	return func(a *BaseAgent) { a.tracer = ts }
}

// New creates a BaseAgent. The formatter defaults to provider.
func New(provider llm.Provider, opts ...Option) *BaseAgent {
	a := &BaseAgent{
		provider: provider,
		logger:   slog.Default(),
		opts: Options{
			Strategy:      StrategyHybrid,
			MaxRetries:    DefaultMaxRetries,
			MaxToolRounds: DefaultMaxToolRounds,
			MaxTokens:     DefaultMaxTokens,
		},
	}
	for _, o := range opts {
		o(a)
	}
	if a.formatter == nil {
		a.formatter = provider
	}
	return a
}

// Provider returns the primary provider.
func (a *BaseAgent) Provider() llm.Provider { return a.provider }

// Abilities returns the attached registry, or nil.
func (a *BaseAgent) Abilities() *ability.Registry { return a.abilities }

// Logger returns the agent logger.
func (a *BaseAgent) Logger() *slog.Logger { return a.logger }

// options merges a per-call override onto the agent defaults.
func (a *BaseAgent) options(c Call) Options {
	o := a.opts
	ov := c.Override
	if ov == nil {
		return o
	}
	if ov.Strategy != "" {
		o.Strategy = ov.Strategy
	}
	if ov.MaxRetries != nil && *ov.MaxRetries >= 0 {
		o.MaxRetries = *ov.MaxRetries
	}
	if ov.MaxToolRounds > 0 {
		o.MaxToolRounds = ov.MaxToolRounds
	}
	if ov.Temperature != nil {
		o.Temperature = ov.Temperature
	}
	if ov.MaxTokens > 0 {
		o.MaxTokens = ov.MaxTokens
	}
	return o
}

// Complete runs the tool loop: the model may call abilities for up to
// MaxToolRounds rounds, after which one final call is made without tools.
func (a *BaseAgent) Complete(ctx context.Context, c Call) (*Completion, error) {
	return a.complete(ctx, c, a.options(c), false)
}

func (a *BaseAgent) complete(ctx context.Context, c Call, o Options, jsonMode bool) (*Completion, error) {
	ctx, end := observability.StartSpan(ctx, a.tracer, "agent.complete",
		attribute.String("llm.provider", a.provider.Name()),
		attribute.Int("agent.abilities", len(c.Abilities)),
	)
	var err error
	defer func() { end(err) }()

	var tools []llm.ToolDefinition
	if a.abilities != nil && len(c.Abilities) > 0 {
		tools = a.abilities.Definitions(c.Abilities...)
	}

	fixed := estimateTokens(c.SystemPrompt) + estimateToolTokens(tools)
	history := append([]llm.Message(nil), TrimHistory(c.Messages, fixed, MaxInputTokens)...)
	out := &Completion{}

	for round := 0; ; round++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		req := &llm.Request{
			SystemPrompt: c.SystemPrompt,
			Messages:     history,
			MaxTokens:    o.MaxTokens,
			Temperature:  o.Temperature,
			JSONMode:     jsonMode,
		}
		finalRound := round >= o.MaxToolRounds
		if !finalRound {
			req.Tools = tools
		}

		var resp *llm.Response
		resp, err = a.provider.SendMessage(ctx, req)
		if err != nil {
			err = fmt.Errorf("llm request: %w", err)
			return nil, err
		}
		out.Usage.Add(resp.Usage)
		out.Model = resp.Model

		history = append(history, assistantMessage(resp))

		if !resp.HasToolUse() || finalRound {
			out.Text = resp.Content
			out.Messages = history
			out.Rounds = round
			return out, nil
		}

		a.logger.DebugContext(ctx, "executing ability calls",
			slog.Int("round", round+1),
			slog.Int("calls", len(resp.ToolUseBlocks())),
		)
		results, calls := a.runAbilities(ctx, resp.ToolUseBlocks())
		out.ToolCalls = append(out.ToolCalls, calls...)
		history = append(history, llm.Message{Role: llm.RoleUser, ContentBlocks: results})
	}
}

func assistantMessage(resp *llm.Response) llm.Message {
	if len(resp.ContentBlocks) == 0 {
		return llm.AssistantText(resp.Content)
	}
	return llm.Message{Role: llm.RoleAssistant, ContentBlocks: resp.ContentBlocks}
}

// runAbilities executes each tool_use block and returns one tool_result
// block per call, in order. Failures become error results for the model.
func (a *BaseAgent) runAbilities(ctx context.Context, blocks []llm.ContentBlock) ([]llm.ContentBlock, []ToolCall) {
	results := make([]llm.ContentBlock, 0, len(blocks))
	calls := make([]ToolCall, 0, len(blocks))

	for _, b := range blocks {
		start := time.Now()
		call := ToolCall{Ability: b.Name, Input: b.Input}
		output, resolved, err := a.invoke(ctx, b.Name, b.Input)
		call.Resolved = resolved
		call.Duration = time.Since(start)
		a.metrics.RecordAbility(b.Name, err, call.Duration)

		if err != nil {
			a.logger.WarnContext(ctx, "ability failed",
				slog.String("ability", b.Name),
				slog.String("error", err.Error()),
			)
			call.Output = err.Error()
			results = append(results, llm.ToolResultBlock(b.ID, "Error: "+err.Error(), true))
		} else {
			call.Output = output
			call.Success = true
			results = append(results, llm.ToolResultBlock(b.ID, output, false))
		}
		calls = append(calls, call)
	}
	return results, calls
}

func (a *BaseAgent) invoke(ctx context.Context, name string, params map[string]any) (string, string, error) {
	if a.abilities == nil {
		return "", "", fmt.Errorf("%q: %w", name, ability.ErrUnknownAbility)
	}
	ab, resolved, err := a.abilities.Resolve(name)
	if err != nil {
		return "", "", err
	}
	if params == nil {
		params = map[string]any{}
	}
	if out, ok := a.cache.get(resolved, params); ok {
		return out, resolved, nil
	}
	if err := ab.Validate(params); err != nil {
		return "", resolved, fmt.Errorf("invalid parameters for %s: %w", resolved, err)
	}
	res, err := ab.Execute(ctx, params)
	if err != nil {
		return "", resolved, err
	}
	out := res.Output
	if len(res.Metadata) > 0 && out == "" {
		if b, err := json.Marshal(res.Metadata); err == nil {
			out = string(b)
		}
	}
	if !res.Success {
		return "", resolved, fmt.Errorf("%s: %s", resolved, out)
	}
	out = ability.TruncateOutput(out, ability.MaxOutputBytes)
	a.cache.put(resolved, params, out)
	return out, resolved, nil
}
