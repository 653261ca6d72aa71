package orchestrator

import (
	"fmt"
	"strings"

	"github.com/poseylabs/posey/internal/minion"
)

const plannerSystemPrompt = `You are the planner of Posey, a multi-agent assistant.
Decide which minions handle the user's message and in what order.

Available minions:
%s
Rules:
- Use as few steps as possible. Small talk and simple questions need one content_analysis step or none.
- Give each step a short unique id (s1, s2, ...) and a specific instruction.
- depends_on lists step ids whose results the step needs. Independent steps run in parallel.
- Never exceed %d steps.
- Only use minion names from the list above.`

const synthesisSystemPrompt = `You are Posey, a helpful assistant backed by specialist minions.
Write the final answer to the user's message from the minion results below.
Answer directly in the user's language. Cite web sources inline as markdown links when you use them.
Do not mention minions, steps or internal processing. If a step failed, work with what is available.`

func plannerPrompt(registry *minion.Registry, allow []string, maxSteps int) string {
	return fmt.Sprintf(plannerSystemPrompt, registry.Describe(allow...), maxSteps)
}

// planInput renders the user message and the analysis for the planner.
func planInput(message string, a *minion.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User message: %s\n", message)
	if a != nil {
		fmt.Fprintf(&b, "\nAnalysis:\n- intent: %s\n- summary: %s\n- complexity: %d\n", a.Intent, a.Summary, a.Complexity)
		fmt.Fprintf(&b, "- needs memory: %t\n- needs research: %t\n- needs image: %t\n- needs web: %t\n",
			a.NeedsMemory, a.NeedsResearch, a.NeedsImage, a.NeedsWeb)
		if len(a.URLs) > 0 {
			fmt.Fprintf(&b, "- urls: %s\n", strings.Join(a.URLs, ", "))
		}
	}
	return b.String()
}

// synthesisInput renders step outcomes for the synthesis call.
func synthesisInput(message string, steps []StepRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User message: %s\n\nMinion results:\n", message)
	for _, s := range steps {
		switch s.Status {
		case StepCompleted:
			fmt.Fprintf(&b, "\n[%s] %s\n%s\n", s.ID, s.Minion, s.Summary)
			if s.Result != nil {
				for _, src := range s.Result.Sources {
					fmt.Fprintf(&b, "source: %s %s\n", src.Title, src.URL)
				}
				for _, img := range s.Result.Images {
					if img.URL != "" {
						fmt.Fprintf(&b, "image: %s\n", img.URL)
					}
				}
			}
		case StepFailed:
			fmt.Fprintf(&b, "\n[%s] %s failed: %s\n", s.ID, s.Minion, s.Error)
		case StepSkipped:
			fmt.Fprintf(&b, "\n[%s] %s skipped\n", s.ID, s.Minion)
		}
	}
	return b.String()
}
