package minion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/web"
)

// PageAnswer is the web navigation minion's structured answer.
type PageAnswer struct {
	Answer        string   `json:"answer" validate:"required,nonblank"`
	RelevantLinks []string `json:"relevant_links,omitempty" validate:"max=10,dive,url"`
}

const (
	navigationSystemPrompt = `You are the web navigation minion of a multi-agent assistant.
Answer the instruction from the page content provided. You may fetch linked pages with tools when the answer is one click away.
List links from the page that the user would want to follow next.`

	maxPages     = 3
	maxPageChars = 8000
	maxLinks     = 40
)

type navigation struct {
	agent     *agent.BaseAgent
	fetcher   *web.Fetcher
	abilities []string
	logger    *slog.Logger
}

// NewWebNavigation returns the web_navigation minion.
func NewWebNavigation(a *agent.BaseAgent, f *web.Fetcher, abilities []string, logger *slog.Logger) Minion {
	return &navigation{agent: a, fetcher: f, abilities: abilities, logger: logger}
}

func (m *navigation) Name() string { return WebNavigation }

func (m *navigation) Description() string {
	return "Visits specific web pages or URLs, reads them and answers questions about their content."
}

func (m *navigation) Run(ctx context.Context, task *Task) (*Result, error) {
	var urls []string
	if task.Analysis != nil {
		urls = task.Analysis.URLs
	}
	urls = mergeUnique(urls, ExtractURLs(task.Instruction))
	urls = mergeUnique(urls, ExtractURLs(task.Query))
	if u := task.StringParam("url"); u != "" {
		urls = mergeUnique([]string{u}, urls)
	}
	if len(urls) == 0 {
		return nil, errors.New("no URL to visit")
	}
	if len(urls) > maxPages {
		urls = urls[:maxPages]
	}

	var docs []*web.Document
	var failures []string
	for _, u := range urls {
		doc, err := m.fetcher.Read(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.InfoContext(ctx, "page visit failed", slog.String("url", u), slog.String("error", err.Error()))
			failures = append(failures, fmt.Sprintf("%s (%v)", u, err))
			continue
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("could not load any page: %s", strings.Join(failures, "; "))
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Instruction: %s\n", task.Goal())
	prompt.WriteString(contextBlock(task))
	for _, d := range docs {
		fmt.Fprintf(&prompt, "\nPage: %s\nURL: %s\n\n%s\n", d.Title, d.URL, web.Truncate(d.Markdown, maxPageChars))
		if len(d.Links) > 0 {
			prompt.WriteString("\nLinks on this page:\n")
			for _, l := range d.Links[:min(len(d.Links), maxLinks)] {
				fmt.Fprintf(&prompt, "- %s %s\n", l.Text, l.URL)
			}
		}
	}

	out, err := agent.Execute[PageAnswer](ctx, m.agent, agent.Call{
		SystemPrompt: navigationSystemPrompt + agent.SchemaInstruction(agent.SchemaJSON[PageAnswer]()),
		Messages:     []llm.Message{llm.UserText(prompt.String())},
		Abilities:    m.abilities,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Minion:    WebNavigation,
		Summary:   out.Value.Answer,
		Usage:     out.Usage,
		ToolCalls: out.ToolCalls,
		Data:      map[string]any{"relevant_links": out.Value.RelevantLinks},
	}
	for _, d := range docs {
		res.Sources = append(res.Sources, Source{Title: d.Title, URL: d.URL, Snippet: d.Excerpt})
	}
	if len(failures) > 0 {
		res.Data["failed"] = failures
	}
	return res, nil
}
