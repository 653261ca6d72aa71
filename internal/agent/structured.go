package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/observability"
)

// ErrValidationFailed is matched by every *ValidationError.
var ErrValidationFailed = errors.New("structured output validation failed")

// Strategy selects how a failed candidate is repaired.
type Strategy string

const (
	// StrategyRetry re-prompts the primary model with the validation error.
	StrategyRetry Strategy = "retry"
	// StrategyFormat sends the raw text through the formatter model.
	StrategyFormat Strategy = "format"
	// StrategyHybrid retries first and reformats once retries are spent.
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy maps a config string to a Strategy. Empty means hybrid.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyHybrid:
		return StrategyHybrid, nil
	case StrategyRetry:
		return StrategyRetry, nil
	case StrategyFormat:
		return StrategyFormat, nil
	default:
		return "", fmt.Errorf("unknown validation strategy %q", s)
	}
}

// State is a node of the validation state machine.
type State string

const (
	StateAttemptValidation State = "attempt_validation"
	StateRetryWithFeedback State = "retry_with_feedback"
	StateReformat          State = "reformat"
	StateSuccess           State = "success"
	StateFailed            State = "failed"
)

// Outcome is a validated structured result.
type Outcome[T any] struct {
	Value T
	// Raw is the JSON text that validated.
	Raw string
	// Attempts counts candidates produced: the initial completion plus
	// every retry and reformat call.
	Attempts  int
	Path      []State
	Usage     llm.Usage
	ToolCalls []ToolCall
}

// ValidationError reports that no candidate validated within budget.
type ValidationError struct {
	Strategy Strategy
	Attempts int
	Path     []State
	Raw      string
	Last     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s) using %s: %v", ErrValidationFailed, e.Attempts, e.Strategy, e.Last)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidationFailed, e.Last}
}

// machine holds the mutable bookkeeping of one Execute run.
type machine struct {
	strategy   Strategy
	maxRetries int
	retries    int
	formats    int
}

// next picks the repair state after a failed validation.
func (m *machine) next() State {
	switch m.strategy {
	case StrategyRetry:
		if m.retries < m.maxRetries {
			return StateRetryWithFeedback
		}
	case StrategyFormat:
		if m.formats < m.maxRetries {
			return StateReformat
		}
	default:
		if m.retries < m.maxRetries {
			return StateRetryWithFeedback
		}
		if m.formats < 1 {
			return StateReformat
		}
	}
	return StateFailed
}

// Execute runs the tool loop for c and drives the reply through the
// validation state machine until a T validates or the repair budget is
// spent. Context cancellation aborts immediately with ctx.Err().
func Execute[T any](ctx context.Context, a *BaseAgent, c Call) (*Outcome[T], error) {
	o := a.options(c)
	ctx, end := observability.StartSpan(ctx, a.tracer, "agent.execute",
		attribute.String("agent.strategy", string(o.Strategy)),
		attribute.Int("agent.max_retries", o.MaxRetries),
	)

	out, err := execute[T](ctx, a, c, o)
	end(err)
	return out, err
}

func execute[T any](ctx context.Context, a *BaseAgent, c Call, o Options) (*Outcome[T], error) {
	first, err := a.complete(ctx, c, o, true)
	if err != nil {
		return nil, err
	}

	out := &Outcome[T]{Attempts: 1, Usage: first.Usage, ToolCalls: first.ToolCalls}
	m := &machine{strategy: o.Strategy, maxRetries: o.MaxRetries}
	schema := SchemaJSON[T]()

	// conversation is what the retry state re-sends: the original turns
	// plus the tool exchange, without the failed reply.
	conversation := first.Messages[:len(first.Messages)-1]
	candidate := first.Text
	var lastErr error

	state := StateAttemptValidation
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Path = append(out.Path, state)
		a.metrics.RecordTransition(string(state))

		switch state {
		case StateAttemptValidation:
			v, err := Decode[T](candidate)
			if err == nil {
				out.Value = v
				out.Raw, _ = ExtractJSON(candidate)
				state = StateSuccess
				continue
			}
			lastErr = err
			state = m.next()
			a.logger.DebugContext(ctx, "structured output rejected",
				slog.String("error", err.Error()),
				slog.Int("attempt", out.Attempts),
				slog.String("next", string(state)),
			)

		case StateRetryWithFeedback:
			m.retries++
			out.Attempts++
			msgs := append(append([]llm.Message(nil), conversation...),
				llm.AssistantText(candidate),
				llm.UserText(feedbackPrompt(lastErr, schema)),
			)
			resp, err := a.provider.SendMessage(ctx, &llm.Request{
				SystemPrompt: c.SystemPrompt,
				Messages:     msgs,
				MaxTokens:    o.MaxTokens,
				Temperature:  o.Temperature,
				JSONMode:     true,
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				lastErr = fmt.Errorf("retry request: %w", err)
				state = m.next()
				continue
			}
			out.Usage.Add(resp.Usage)
			candidate = resp.Content
			state = StateAttemptValidation

		case StateReformat:
			m.formats++
			out.Attempts++
			resp, err := a.formatter.SendMessage(ctx, &llm.Request{
				SystemPrompt: formatterSystemPrompt,
				Messages:     []llm.Message{llm.UserText(formatterPrompt(candidate, lastErr, schema))},
				MaxTokens:    o.MaxTokens,
				Temperature:  zeroTemperature(),
				JSONMode:     true,
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				lastErr = fmt.Errorf("formatter request: %w", err)
				state = m.next()
				continue
			}
			out.Usage.Add(resp.Usage)
			candidate = resp.Content
			state = StateAttemptValidation

		case StateSuccess:
			a.metrics.RecordValidation(string(o.Strategy), "success", out.Attempts)
			if out.Attempts > 1 {
				a.logger.InfoContext(ctx, "structured output repaired",
					slog.String("strategy", string(o.Strategy)),
					slog.Int("attempts", out.Attempts),
				)
			}
			return out, nil

		case StateFailed:
			a.metrics.RecordValidation(string(o.Strategy), "failed", out.Attempts)
			a.logger.WarnContext(ctx, "structured output validation failed",
				slog.String("strategy", string(o.Strategy)),
				slog.Int("attempts", out.Attempts),
				slog.String("error", lastErr.Error()),
			)
			return nil, &ValidationError{
				Strategy: o.Strategy,
				Attempts: out.Attempts,
				Path:     out.Path,
				Raw:      candidate,
				Last:     lastErr,
			}
		}
	}
}

func zeroTemperature() *float64 {
	t := 0.0
	return &t
}
