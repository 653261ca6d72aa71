package minion

import (
	"errors"
	"log/slog"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/image"
	"github.com/poseylabs/posey/internal/memory"
	"github.com/poseylabs/posey/internal/web"
)

// Deps carries what the built-in minions need.
type Deps struct {
	Agent    *agent.BaseAgent
	Memory   *memory.Service
	Searcher *web.Searcher
	Fetcher  *web.Fetcher
	Images   *image.Registry
	Recorder ImageRecorder
	Logger   *slog.Logger

	WebResults  int
	WebFetches  int
	RecallLimit int
	// ExtraAbilities are offered to research and navigation on top of the
	// web abilities, for example MCP tools.
	ExtraAbilities []string
}

// RegisterDefaults registers the built-in minions whose dependencies are
// present and makes content_analysis the fallback. Minions are built on
// first use.
func RegisterDefaults(r *Registry, d Deps) error {
	if d.Agent == nil {
		return errors.New("minions need an agent")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	results := d.WebResults
	if results <= 0 {
		results = 5
	}
	fetches := d.WebFetches
	if fetches <= 0 {
		fetches = 3
	}

	r.Register(ContentAnalysis, (&contentAnalysis{}).Description(), func() (Minion, error) {
		return NewContentAnalysis(d.Agent, logger.With(slog.String("minion", ContentAnalysis))), nil
	})

	if d.Memory != nil {
		r.Register(Memory, (&memoryMinion{}).Description(), func() (Minion, error) {
			return NewMemory(d.Agent, d.Memory, d.RecallLimit, logger.With(slog.String("minion", Memory))), nil
		})
	}

	if d.Fetcher != nil {
		if d.Searcher != nil {
			abilities := append([]string{"web_fetch"}, d.ExtraAbilities...)
			r.Register(Research, (&research{}).Description(), func() (Minion, error) {
				return NewResearch(d.Agent, d.Searcher, d.Fetcher, results, fetches, abilities,
					logger.With(slog.String("minion", Research))), nil
			})
		}
		abilities := append([]string{"web_fetch", "web_links"}, d.ExtraAbilities...)
		r.Register(WebNavigation, (&navigation{}).Description(), func() (Minion, error) {
			return NewWebNavigation(d.Agent, d.Fetcher, abilities, logger.With(slog.String("minion", WebNavigation))), nil
		})
	}

	if d.Images != nil && d.Images.Len() > 0 {
		r.Register(ImageGeneration, (&imageMinion{}).Description(), func() (Minion, error) {
			return NewImageGeneration(d.Agent, d.Images, d.Recorder, logger.With(slog.String("minion", ImageGeneration))), nil
		})
	}

	return r.SetFallback(ContentAnalysis)
}
