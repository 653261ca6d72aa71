package web

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DuckDuckGoHTML is the no-JavaScript search endpoint.
const DuckDuckGoHTML = "https://html.duckduckgo.com/html/"

const maxSearchResults = 10

// SearchResult is one organic hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher queries DuckDuckGo's HTML endpoint.
type Searcher struct {
	endpoint  string
	userAgent string
	client    *http.Client
}

// NewSearcher returns a Searcher. An empty endpoint means DuckDuckGoHTML.
func NewSearcher(endpoint, userAgent string) *Searcher {
	if endpoint == "" {
		endpoint = DuckDuckGoHTML
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Searcher{
		endpoint:  endpoint,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Search returns up to limit results for query.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if len(query) > 500 {
		return nil, fmt.Errorf("query too long (max 500 characters)")
	}
	limit = min(max(limit, 1), maxSearchResults)

	form := url.Values{"q": {query}, "b": {""}, "kl": {"us-en"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing search results: %w", err)
	}
	return parseResults(doc, limit), nil
}

func parseResults(doc *goquery.Document, limit int) []SearchResult {
	var out []SearchResult
	seen := make(map[string]bool)
	doc.Find("div.result").EachWithBreak(func(_ int, r *goquery.Selection) bool {
		if r.HasClass("result--ad") {
			return true
		}
		a := r.Find("a.result__a").First()
		href, ok := a.Attr("href")
		if !ok {
			return true
		}
		target := resultURL(href)
		if target == "" || seen[target] {
			return true
		}
		seen[target] = true
		out = append(out, SearchResult{
			Title:   collapseSpace(a.Text()),
			URL:     target,
			Snippet: collapseSpace(r.Find(".result__snippet").First().Text()),
		})
		return len(out) < limit
	})
	return out
}

// resultURL unwraps DuckDuckGo redirect links (//duckduckgo.com/l/?uddg=...).
func resultURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") || u.Host == "" {
		target := u.Query().Get("uddg")
		if target == "" {
			return ""
		}
		u, err = url.Parse(target)
		if err != nil {
			return ""
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
