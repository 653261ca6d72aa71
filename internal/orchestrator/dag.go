package orchestrator

import (
	"fmt"

	"github.com/poseylabs/posey/internal/agent"
)

// Validate checks struct tags and the step graph: unique IDs, known
// dependencies, no self-references and no cycles.
func (p *Plan) Validate() error {
	if err := agent.Validate(p); err != nil {
		return err
	}
	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		index[s.ID] = i
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself", s.ID)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	const (
		white = 0 // Not visited.
		gray  = 1 // In current path.
		black = 2 // Fully processed.
	)
	colors := make([]int, len(p.Steps))

	var dfs func(node int) error
	dfs = func(node int) error {
		colors[node] = gray
		for _, dep := range p.Steps[node].DependsOn {
			next := index[dep]
			switch colors[next] {
			case gray:
				return fmt.Errorf("cycle detected involving steps %q and %q", p.Steps[node].ID, dep)
			case white:
				if err := dfs(next); err != nil {
					return err
				}
			}
		}
		colors[node] = black
		return nil
	}
	for i := range p.Steps {
		if colors[i] == white {
			if err := dfs(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Waves groups the steps of a valid plan into layers: every step's
// dependencies sit in earlier layers. Order within a layer follows the plan.
func (p *Plan) Waves() [][]PlanStep {
	layer := make(map[string]int, len(p.Steps))
	var waves [][]PlanStep
	remaining := p.Steps
	for len(remaining) > 0 {
		var wave, rest []PlanStep
		for _, s := range remaining {
			if ready(s, layer) {
				wave = append(wave, s)
			} else {
				rest = append(rest, s)
			}
		}
		if len(wave) == 0 {
			// Unreachable for a validated plan.
			break
		}
		for _, s := range wave {
			layer[s.ID] = len(waves)
		}
		waves = append(waves, wave)
		remaining = rest
	}
	return waves
}

func ready(s PlanStep, placed map[string]int) bool {
	for _, dep := range s.DependsOn {
		if _, ok := placed[dep]; !ok {
			return false
		}
	}
	return true
}

// truncate keeps the first n steps and drops dependencies on removed steps.
func (p *Plan) truncate(n int) {
	if len(p.Steps) <= n {
		return
	}
	p.Steps = p.Steps[:n]
	p.prune(func(PlanStep) bool { return true })
}

// prune keeps the steps for which keep returns true and drops dangling
// dependencies.
func (p *Plan) prune(keep func(PlanStep) bool) {
	kept := p.Steps[:0:0]
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if keep(s) {
			kept = append(kept, s)
			ids[s.ID] = true
		}
	}
	for i := range kept {
		var deps []string
		for _, d := range kept[i].DependsOn {
			if ids[d] {
				deps = append(deps, d)
			}
		}
		kept[i].DependsOn = deps
	}
	p.Steps = kept
}
