package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/llm/llmtest"
)

type verdict struct {
	Label string `json:"label" validate:"required,oneof=yes no"`
	Score int    `json:"score" validate:"gte=0,lte=10"`
}

const (
	good = `{"label": "yes", "score": 7}`
	bad  = `I think the answer is probably yes.`
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func states(s ...State) []State { return s }

var (
	A = StateAttemptValidation
	R = StateRetryWithFeedback
	F = StateReformat
	S = StateSuccess
	X = StateFailed
)

func call() Call {
	return Call{SystemPrompt: "judge", Messages: []llm.Message{llm.UserText("is the sky blue?")}}
}

func TestExecute_FirstAttemptSucceeds(t *testing.T) {
	p := llmtest.New("main", llmtest.Text("Sure:\n```json\n"+good+"\n```"))
	a := New(p, WithLogger(discardLogger()))

	out, err := Execute[verdict](context.Background(), a, call())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Value.Label != "yes" || out.Value.Score != 7 {
		t.Errorf("value = %+v", out.Value)
	}
	if out.Attempts != 1 || !reflect.DeepEqual(out.Path, states(A, S)) {
		t.Errorf("attempts=%d path=%v", out.Attempts, out.Path)
	}
	if out.Raw != good {
		t.Errorf("raw = %q", out.Raw)
	}
	if !p.LastRequest().JSONMode {
		t.Error("initial completion should request JSON mode")
	}
}

func TestExecute_Strategies(t *testing.T) {
	tests := []struct {
		name          string
		strategy      Strategy
		maxRetries    int
		primary       []llmtest.Step
		formatter     []llmtest.Step
		wantErr       bool
		wantPath      []State
		wantAttempts  int
		wantPrimary   int
		wantFormatter int
	}{
		{
			name:         "retry recovers",
			strategy:     StrategyRetry,
			maxRetries:   2,
			primary:      []llmtest.Step{llmtest.Text(bad), llmtest.Text(good)},
			wantPath:     states(A, R, A, S),
			wantAttempts: 2,
			wantPrimary:  2,
		},
		{
			name:         "retry exhausted",
			strategy:     StrategyRetry,
			maxRetries:   2,
			primary:      []llmtest.Step{llmtest.Text(bad), llmtest.Text(bad), llmtest.Text(bad)},
			wantErr:      true,
			wantPath:     states(A, R, A, R, A, X),
			wantAttempts: 3,
			wantPrimary:  3,
		},
		{
			name:          "format recovers",
			strategy:      StrategyFormat,
			maxRetries:    2,
			primary:       []llmtest.Step{llmtest.Text(bad)},
			formatter:     []llmtest.Step{llmtest.Text(good)},
			wantPath:      states(A, F, A, S),
			wantAttempts:  2,
			wantPrimary:   1,
			wantFormatter: 1,
		},
		{
			name:          "format exhausted",
			strategy:      StrategyFormat,
			maxRetries:    2,
			primary:       []llmtest.Step{llmtest.Text(bad)},
			formatter:     []llmtest.Step{llmtest.Text(bad), llmtest.Text(bad)},
			wantErr:       true,
			wantPath:      states(A, F, A, F, A, X),
			wantAttempts:  3,
			wantPrimary:   1,
			wantFormatter: 2,
		},
		{
			name:          "hybrid retries then reformats once",
			strategy:      StrategyHybrid,
			maxRetries:    2,
			primary:       []llmtest.Step{llmtest.Text(bad), llmtest.Text(bad), llmtest.Text(bad)},
			formatter:     []llmtest.Step{llmtest.Text(good)},
			wantPath:      states(A, R, A, R, A, F, A, S),
			wantAttempts:  4,
			wantPrimary:   3,
			wantFormatter: 1,
		},
		{
			name:          "hybrid with zero retries reformats on first failure",
			strategy:      StrategyHybrid,
			maxRetries:    0,
			primary:       []llmtest.Step{llmtest.Text(bad)},
			formatter:     []llmtest.Step{llmtest.Text(good)},
			wantPath:      states(A, F, A, S),
			wantAttempts:  2,
			wantPrimary:   1,
			wantFormatter: 1,
		},
		{
			name:          "hybrid exhausted",
			strategy:      StrategyHybrid,
			maxRetries:    1,
			primary:       []llmtest.Step{llmtest.Text(bad), llmtest.Text(bad)},
			formatter:     []llmtest.Step{llmtest.Text(bad)},
			wantErr:       true,
			wantPath:      states(A, R, A, F, A, X),
			wantAttempts:  3,
			wantPrimary:   2,
			wantFormatter: 1,
		},
		{
			name:         "retry with zero retries fails immediately",
			strategy:     StrategyRetry,
			maxRetries:   0,
			primary:      []llmtest.Step{llmtest.Text(bad)},
			wantErr:      true,
			wantPath:     states(A, X),
			wantAttempts: 1,
			wantPrimary:  1,
		},
		{
			name:          "provider error during retry counts against the budget",
			strategy:      StrategyHybrid,
			maxRetries:    1,
			primary:       []llmtest.Step{llmtest.Text(bad), llmtest.Fail(errors.New("overloaded"))},
			formatter:     []llmtest.Step{llmtest.Text(good)},
			wantPath:      states(A, R, F, A, S),
			wantAttempts:  3,
			wantPrimary:   2,
			wantFormatter: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := llmtest.New("main", tt.primary...)
			formatter := llmtest.New("fmt", tt.formatter...)
			a := New(primary,
				WithFormatter(formatter),
				WithStrategy(tt.strategy),
				WithMaxRetries(tt.maxRetries),
				WithLogger(discardLogger()),
			)

			out, err := Execute[verdict](context.Background(), a, call())

			var path []State
			var attempts int
			if tt.wantErr {
				if !errors.Is(err, ErrValidationFailed) {
					t.Fatalf("expected ErrValidationFailed, got %v", err)
				}
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
				if verr.Strategy != tt.strategy || verr.Last == nil {
					t.Errorf("unexpected error fields: %+v", verr)
				}
				path, attempts = verr.Path, verr.Attempts
			} else {
				if err != nil {
					t.Fatalf("Execute: %v", err)
				}
				if out.Value.Label != "yes" {
					t.Errorf("value = %+v", out.Value)
				}
				path, attempts = out.Path, out.Attempts
			}

			if !reflect.DeepEqual(path, tt.wantPath) {
				t.Errorf("path = %v, want %v", path, tt.wantPath)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if primary.Calls() != tt.wantPrimary {
				t.Errorf("primary calls = %d, want %d", primary.Calls(), tt.wantPrimary)
			}
			if formatter.Calls() != tt.wantFormatter {
				t.Errorf("formatter calls = %d, want %d", formatter.Calls(), tt.wantFormatter)
			}
		})
	}
}

func TestExecute_RetrySendsFeedback(t *testing.T) {
	primary := llmtest.New("main", llmtest.Text(`{"label": "maybe", "score": 3}`), llmtest.Text(good))
	a := New(primary, WithStrategy(StrategyRetry), WithLogger(discardLogger()))

	out, err := Execute[verdict](context.Background(), a, call())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Usage.InputTokens != 20 {
		t.Errorf("usage should aggregate both calls, got %+v", out.Usage)
	}

	req := primary.LastRequest()
	if len(req.Messages) != 3 {
		t.Fatalf("retry should send original turn, failed reply and feedback; got %d messages", len(req.Messages))
	}
	if req.Messages[1].Role != llm.RoleAssistant || !strings.Contains(req.Messages[1].TextContent(), "maybe") {
		t.Errorf("failed reply missing: %+v", req.Messages[1])
	}
	feedback := req.Messages[2].TextContent()
	if !strings.Contains(feedback, "label") || !strings.Contains(feedback, "oneof") {
		t.Errorf("feedback lacks the validation error: %s", feedback)
	}
	if !strings.Contains(feedback, `"properties"`) {
		t.Errorf("feedback lacks the schema: %s", feedback)
	}
}

func TestExecute_FormatterPrompt(t *testing.T) {
	primary := llmtest.New("main", llmtest.Text(bad))
	formatter := llmtest.New("fmt", llmtest.Text(good))
	a := New(primary, WithFormatter(formatter), WithStrategy(StrategyFormat), WithLogger(discardLogger()))

	if _, err := Execute[verdict](context.Background(), a, call()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	req := formatter.LastRequest()
	if req.SystemPrompt != formatterSystemPrompt {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Error("formatter should run at temperature 0")
	}
	if !strings.Contains(req.Messages[0].Content, bad) {
		t.Error("formatter input should carry the raw text")
	}
}

func TestExecute_CallOverride(t *testing.T) {
	primary := llmtest.New("main", llmtest.Text(bad))
	a := New(primary, WithStrategy(StrategyRetry), WithLogger(discardLogger()))

	zero := 0
	c := call()
	c.Override = &Override{MaxRetries: &zero}
	_, err := Execute[verdict](context.Background(), a, c)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected failure, got %v", err)
	}
	if primary.Calls() != 1 {
		t.Errorf("override should disable retries; calls = %d", primary.Calls())
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := llmtest.Func(func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		cancel()
		return &llm.Response{Content: bad, StopReason: llm.StopEndTurn}, nil
	})
	a := New(p, WithLogger(discardLogger()))

	_, err := Execute[verdict](ctx, a, call())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrValidationFailed) {
		t.Error("cancellation must not be reported as a validation failure")
	}
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": StrategyHybrid, "Retry": StrategyRetry, " format ": StrategyFormat} {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseStrategy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStrategy("yolo"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
