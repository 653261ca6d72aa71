package minion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/web"
)

// Findings is the research minion's structured answer.
type Findings struct {
	Summary   string   `json:"summary" validate:"required,nonblank"`
	KeyPoints []string `json:"key_points" validate:"max=10,dive,nonblank"`
	Sources   []string `json:"sources" jsonschema_description:"URLs of the pages the summary relies on"`
}

const (
	researchSystemPrompt = `You are the research minion of a multi-agent assistant.
Answer the research goal using only the numbered sources provided and pages you fetch with tools.
Cite sources by URL. Never cite a URL you did not read. Say so when the sources do not answer the goal.`

	maxSourceChars = 4000
)

type research struct {
	agent     *agent.BaseAgent
	searcher  *web.Searcher
	fetcher   *web.Fetcher
	results   int
	fetches   int
	abilities []string
	logger    *slog.Logger
}

// NewResearch returns the research minion. abilities are offered to the
// LLM while it synthesizes the findings.
func NewResearch(a *agent.BaseAgent, s *web.Searcher, f *web.Fetcher, results, fetches int, abilities []string, logger *slog.Logger) Minion {
	return &research{agent: a, searcher: s, fetcher: f, results: results, fetches: fetches, abilities: abilities, logger: logger}
}

func (m *research) Name() string { return Research }

func (m *research) Description() string {
	return "Searches the web, reads the most relevant pages and summarises current or external information with cited sources."
}

type page struct {
	result web.SearchResult
	doc    *web.Document
}

func (m *research) Run(ctx context.Context, task *Task) (*Result, error) {
	query := task.StringParam("query")
	if query == "" {
		query = task.Goal()
	}
	results, err := m.searcher.Search(ctx, query, m.results)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	if len(results) == 0 {
		return &Result{Minion: Research, Summary: fmt.Sprintf("No web results found for %q.", query)}, nil
	}

	pages := m.fetchAll(ctx, results)
	if len(pages) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New("none of the search results could be fetched")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Research goal: %s\n", task.Goal())
	prompt.WriteString(contextBlock(task))
	prompt.WriteString("\nSources:\n")
	for i, p := range pages {
		fmt.Fprintf(&prompt, "\n[%d] %s\nURL: %s\n%s\n", i+1, p.doc.Title, p.doc.URL, web.Truncate(p.doc.Markdown, maxSourceChars))
	}

	out, err := agent.Execute[Findings](ctx, m.agent, agent.Call{
		SystemPrompt: researchSystemPrompt + agent.SchemaInstruction(agent.SchemaJSON[Findings]()),
		Messages:     []llm.Message{llm.UserText(prompt.String())},
		Abilities:    m.abilities,
	})
	if err != nil {
		return nil, err
	}

	read := make(map[string]Source, len(pages))
	var order []string
	for _, p := range pages {
		read[p.doc.URL] = Source{Title: p.doc.Title, URL: p.doc.URL, Snippet: p.result.Snippet}
		order = append(order, p.doc.URL)
	}
	for _, tc := range out.ToolCalls {
		if tc.Success && tc.Resolved == "web_fetch" {
			if u, _ := tc.Input["url"].(string); u != "" {
				if _, ok := read[u]; !ok {
					read[u] = Source{URL: u}
					order = append(order, u)
				}
			}
		}
	}

	res := &Result{
		Minion:    Research,
		Summary:   out.Value.Summary,
		Usage:     out.Usage,
		ToolCalls: out.ToolCalls,
		Data:      map[string]any{"key_points": out.Value.KeyPoints, "query": query},
	}
	for _, u := range out.Value.Sources {
		if src, ok := read[u]; ok {
			res.Sources = append(res.Sources, src)
			delete(read, u)
		} else {
			m.logger.DebugContext(ctx, "dropping unread source", slog.String("url", u))
		}
	}
	if len(res.Sources) == 0 {
		for _, u := range order {
			if src, ok := read[u]; ok {
				res.Sources = append(res.Sources, src)
			}
		}
	}
	if len(out.Value.KeyPoints) > 0 {
		res.Summary += "\n\nKey points:\n- " + strings.Join(out.Value.KeyPoints, "\n- ")
	}
	return res, nil
}

// fetchAll reads up to m.fetches results concurrently, keeping search order.
// Failed fetches are logged and skipped.
func (m *research) fetchAll(ctx context.Context, results []web.SearchResult) []page {
	n := min(len(results), m.fetches)
	docs := make([]*web.Document, n)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for i := range n {
		g.Go(func() error {
			doc, err := m.fetcher.Read(gctx, results[i].URL)
			if err != nil {
				m.logger.DebugContext(gctx, "research fetch failed",
					slog.String("url", results[i].URL),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			docs[i] = doc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var pages []page
	for i, d := range docs {
		if d != nil && strings.TrimSpace(d.Markdown) != "" {
			pages = append(pages, page{result: results[i], doc: d})
		}
	}
	return pages
}
