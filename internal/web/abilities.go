package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poseylabs/posey/internal/ability"
)

const maxMarkdownChars = 12000

// ReadOnlyAbilities names the web abilities whose output depends only on
// their parameters, so results can be shared between users.
var ReadOnlyAbilities = []string{"web_search", "web_fetch", "web_links"}

// SearchAbility exposes Search as web_search.
type SearchAbility struct {
	searcher *Searcher
	limit    int
}

func NewSearchAbility(s *Searcher, defaultLimit int) *SearchAbility {
	return &SearchAbility{searcher: s, limit: defaultLimit}
}

func (a *SearchAbility) Name() string { return "web_search" }
func (a *SearchAbility) Description() string {
	return "Search the web and return titles, URLs and snippets of the top results."
}
func (a *SearchAbility) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
			"limit": map[string]any{"type": "integer", "description": "Number of results (1-10)"},
		},
		"required": []string{"query"},
	}
}

func (a *SearchAbility) Validate(params map[string]any) error {
	_, err := ability.StringParam(params, "query")
	return err
}

func (a *SearchAbility) Execute(ctx context.Context, params map[string]any) (*ability.Result, error) {
	query, _ := ability.StringParam(params, "query")
	results, err := a.searcher.Search(ctx, query, ability.IntParam(params, "limit", a.limit))
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding results: %w", err)
	}
	return &ability.Result{
		Output:   string(out),
		Success:  true,
		Metadata: map[string]any{"count": len(results)},
	}, nil
}

// FetchAbility exposes Read as web_fetch, returning markdown.
type FetchAbility struct {
	fetcher *Fetcher
}

func NewFetchAbility(f *Fetcher) *FetchAbility { return &FetchAbility{fetcher: f} }

func (a *FetchAbility) Name() string { return "web_fetch" }
func (a *FetchAbility) Description() string {
	return "Fetch a public web page and return its main content as markdown."
}
func (a *FetchAbility) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "http or https URL"},
		},
		"required": []string{"url"},
	}
}

func (a *FetchAbility) Validate(params map[string]any) error {
	raw, err := ability.StringParam(params, "url")
	if err != nil {
		return err
	}
	_, err = ValidateURL(raw, a.fetcher.allowed)
	return err
}

func (a *FetchAbility) Execute(ctx context.Context, params map[string]any) (*ability.Result, error) {
	raw, _ := ability.StringParam(params, "url")
	doc, err := a.fetcher.Read(ctx, raw)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if doc.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", doc.Title)
	}
	fmt.Fprintf(&b, "Source: %s\n\n", doc.URL)
	b.WriteString(Truncate(doc.Markdown, maxMarkdownChars))
	return &ability.Result{
		Output:   b.String(),
		Success:  true,
		Metadata: map[string]any{"url": doc.URL, "title": doc.Title, "words": doc.WordCount},
	}, nil
}

// LinksAbility exposes link extraction as web_links.
type LinksAbility struct {
	fetcher *Fetcher
}

func NewLinksAbility(f *Fetcher) *LinksAbility { return &LinksAbility{fetcher: f} }

func (a *LinksAbility) Name() string { return "web_links" }
func (a *LinksAbility) Description() string {
	return "List the links on a web page, optionally only those on the same site."
}
func (a *LinksAbility) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":       map[string]any{"type": "string", "description": "Page URL"},
			"same_site": map[string]any{"type": "boolean", "description": "Only links on the page's host"},
			"limit":     map[string]any{"type": "integer", "description": "Maximum links (default 50)"},
		},
		"required": []string{"url"},
	}
}

func (a *LinksAbility) Validate(params map[string]any) error {
	raw, err := ability.StringParam(params, "url")
	if err != nil {
		return err
	}
	_, err = ValidateURL(raw, a.fetcher.allowed)
	return err
}

func (a *LinksAbility) Execute(ctx context.Context, params map[string]any) (*ability.Result, error) {
	raw, _ := ability.StringParam(params, "url")
	page, err := a.fetcher.Fetch(ctx, raw)
	if err != nil {
		return nil, err
	}
	links, err := LinksFromHTML(page.Body, page.FinalURL)
	if err != nil {
		return nil, err
	}

	sameSite, _ := params["same_site"].(bool)
	limit := ability.IntParam(params, "limit", 50)
	if limit <= 0 {
		limit = 50
	}
	host := hostOf(page.FinalURL)
	filtered := make([]Link, 0, min(len(links), limit))
	for _, l := range links {
		if len(filtered) >= limit {
			break
		}
		if sameSite && hostOf(l.URL) != host {
			continue
		}
		filtered = append(filtered, l)
	}

	out, err := json.MarshalIndent(filtered, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding links: %w", err)
	}
	return &ability.Result{
		Output:   string(out),
		Success:  true,
		Metadata: map[string]any{"total": len(links), "returned": len(filtered)},
	}, nil
}

func hostOf(raw string) string {
	u, err := ValidateURL(raw, nil)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
