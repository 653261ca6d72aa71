package web

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"

	"github.com/poseylabs/posey/internal/ability"
)

// Document is the readable content of a page.
type Document struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Byline    string `json:"byline,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
	SiteName  string `json:"site_name,omitempty"`
	Language  string `json:"language,omitempty"`
	Text      string `json:"text"`
	Markdown  string `json:"markdown"`
	Links     []Link `json:"links,omitempty"`
	WordCount int    `json:"word_count"`
}

// Link is an anchor found in a page, resolved against the page URL.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text,omitempty"`
}

// Extract runs readability over html, converts the article to markdown and
// collects the page links. When readability finds no article the whole
// body is used instead.
func Extract(html, pageURL string) (*Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid page URL %q", pageURL)
	}

	doc := &Document{URL: pageURL}
	links, title, bodyHTML, bodyText, err := scan(html, base)
	if err != nil {
		return nil, err
	}
	doc.Links = links

	articleHTML := bodyHTML
	article, rerr := readability.FromReader(strings.NewReader(html), base)
	if rerr == nil {
		var hb, tb bytes.Buffer
		if err := article.RenderHTML(&hb); err == nil && strings.TrimSpace(hb.String()) != "" {
			articleHTML = hb.String()
		}
		if err := article.RenderText(&tb); err == nil {
			doc.Text = strings.TrimSpace(tb.String())
		}
		doc.Title = article.Title()
		doc.Byline = article.Byline()
		doc.Excerpt = article.Excerpt()
		doc.SiteName = article.SiteName()
		doc.Language = article.Language()
	}
	if doc.Title == "" {
		doc.Title = title
	}
	if doc.Text == "" {
		doc.Text = bodyText
	}

	md, err := htmltomarkdown.ConvertString(articleHTML, converter.WithDomain(base.Scheme+"://"+base.Host))
	if err != nil {
		md = doc.Text
	}
	doc.Markdown = cleanMarkdown(md)
	doc.WordCount = len(strings.Fields(doc.Text))
	return doc, nil
}

// scan parses html once with goquery for links, title and a body fallback.
func scan(html string, base *url.URL) ([]Link, string, string, string, error) {
	q, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, "", "", "", fmt.Errorf("parsing html: %w", err)
	}
	title := strings.TrimSpace(q.Find("title").First().Text())

	q.Find("script, style, noscript").Remove()
	body := q.Find("body")
	bodyHTML, _ := body.Html()
	bodyText := collapseSpace(body.Text())

	return ExtractLinks(q, base), title, bodyHTML, bodyText, nil
}

// ExtractLinks returns unique http(s) links in document order.
func ExtractLinks(q *goquery.Document, base *url.URL) []Link {
	var links []Link
	seen := make(map[string]bool)
	q.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		u := abs.String()
		if seen[u] {
			return
		}
		seen[u] = true
		links = append(links, Link{URL: u, Text: collapseSpace(s.Text())})
	})
	return links
}

// LinksFromHTML parses html and returns its links.
func LinksFromHTML(html, pageURL string) ([]Link, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL %q: %w", pageURL, err)
	}
	q, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	return ExtractLinks(q, base), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanMarkdown collapses runs of blank lines and trailing spaces.
func cleanMarkdown(md string) string {
	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank <= 1 {
				out = append(out, "")
			}
			continue
		}
		blank = 0
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Truncate cuts md near maxLen on a paragraph or sentence boundary.
func Truncate(md string, maxLen int) string {
	if maxLen <= 0 || len(md) <= maxLen {
		return md
	}
	cut := ability.CutUTF8(md, maxLen)
	if i := strings.LastIndex(cut, "\n\n"); i > maxLen/2 {
		return cut[:i] + "\n\n[content truncated]"
	}
	if i := strings.LastIndex(cut, ". "); i > maxLen/2 {
		return cut[:i+1] + "\n\n[content truncated]"
	}
	return cut + "...\n\n[content truncated]"
}
