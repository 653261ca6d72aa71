package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/minion"
)

// plannable returns the minions a plan may use for req, in registry order.
// content_analysis is excluded because the pipeline already ran it.
func (o *Orchestrator) plannable(req *Request) []string {
	allow := make(map[string]bool, len(req.Preferences.Minions))
	for _, n := range req.Preferences.Minions {
		allow[n] = true
	}
	var names []string
	for _, n := range o.minions.Names() {
		if n == minion.ContentAnalysis {
			continue
		}
		if len(allow) > 0 && !allow[n] {
			continue
		}
		names = append(names, n)
	}
	return names
}

// plan asks the LLM for a delegation plan and normalizes it. Any failure
// falls back to HeuristicPlan.
func (o *Orchestrator) plan(ctx context.Context, req *Request, a *minion.Analysis, logger *slog.Logger) (*Plan, llm.Usage) {
	names := o.plannable(req)
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	maxSteps := o.cfg.Steps()

	if len(names) == 0 {
		return &Plan{Reasoning: "no minions available"}, llm.Usage{}
	}

	out, err := agent.Execute[Plan](ctx, o.agent, agent.Call{
		SystemPrompt: plannerPrompt(o.minions, names, maxSteps) + agent.SchemaInstruction(agent.SchemaJSON[Plan]()),
		Messages:     []llm.Message{llm.UserText(planInput(req.Message, a))},
	})
	if err != nil {
		logger.WarnContext(ctx, "planning failed, using heuristic plan", slog.String("error", err.Error()))
		return o.heuristicPlan(req.Message, a, allowed), llm.Usage{}
	}

	p := out.Value
	o.normalize(&p, allowed, len(req.Preferences.Minions) > 0, maxSteps)
	if err := p.Validate(); err != nil {
		logger.WarnContext(ctx, "invalid plan, using heuristic plan", slog.String("error", err.Error()))
		return o.heuristicPlan(req.Message, a, allowed), out.Usage
	}
	return &p, out.Usage
}

// normalize resolves minion names through the registry fallback, drops
// steps the request does not allow and truncates to maxSteps. Steps
// redirected to the fallback are kept unless the request restricts minions.
func (o *Orchestrator) normalize(p *Plan, allowed map[string]bool, restricted bool, maxSteps int) {
	p.requested = make(map[string]string)
	for i := range p.Steps {
		s := &p.Steps[i]
		resolved := o.minions.ResolveName(s.Minion)
		if resolved != s.Minion {
			p.requested[s.ID] = s.Minion
			s.Minion = resolved
		}
	}
	p.prune(func(s PlanStep) bool {
		if s.Minion == "" {
			return false
		}
		_, redirected := p.requested[s.ID]
		return allowed[s.Minion] || (redirected && !restricted)
	})
	p.truncate(maxSteps)
}

// heuristicPlan derives independent steps from the analysis flags. When no
// flag is set it asks the registry for the best keyword match.
func (o *Orchestrator) heuristicPlan(message string, a *minion.Analysis, allowed map[string]bool) *Plan {
	p := &Plan{Reasoning: "derived from the request analysis"}
	add := func(name, instruction string) {
		if !allowed[name] || len(p.Steps) >= o.cfg.Steps() {
			return
		}
		p.Steps = append(p.Steps, PlanStep{
			ID:          fmt.Sprintf("s%d", len(p.Steps)+1),
			Minion:      name,
			Instruction: instruction,
		})
	}

	if a != nil {
		if a.NeedsMemory {
			add(minion.Memory, message)
		}
		if a.NeedsWeb {
			add(minion.WebNavigation, message)
		}
		if a.NeedsResearch {
			add(minion.Research, message)
		}
		if a.NeedsImage {
			add(minion.ImageGeneration, message)
		}
	}
	if len(p.Steps) == 0 {
		for _, name := range o.minions.Suggest(message, 3) {
			if allowed[name] {
				add(name, message)
				break
			}
		}
	}
	return p
}
