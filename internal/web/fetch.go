// Package web fetches pages safely, extracts readable content, searches
// the web and optionally renders pages in headless Chromium.
package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/poseylabs/posey/internal/config"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; Posey/1.0)"
	maxRedirects     = 5
)

// Page is a raw HTTP response body.
type Page struct {
	URL         string `json:"url"`
	FinalURL    string `json:"final_url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        string `json:"-"`
	Truncated   bool   `json:"truncated"`
}

// IsHTML reports whether the response looks like an HTML document.
func (p *Page) IsHTML() bool {
	return p.ContentType == "" || strings.Contains(p.ContentType, "html")
}

// Fetcher performs guarded GET requests. Every request and every redirect
// target passes the allowlist and the private-address check.
type Fetcher struct {
	allowed   []string
	maxBytes  int64
	timeout   time.Duration
	userAgent string
	client    *http.Client
	checkHost hostChecker
	renderer  *Renderer // nil = plain HTTP only
	logger    *slog.Logger
}

// NewFetcher builds a Fetcher from config. A nil config uses defaults.
func NewFetcher(cfg *config.WebConfig, logger *slog.Logger) *Fetcher {
	if cfg == nil {
		cfg = &config.WebConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		allowed:   cfg.AllowedDomains,
		maxBytes:  cfg.MaxBytes(),
		timeout:   cfg.Timeout(),
		userAgent: cfg.UserAgent,
		checkHost: CheckHost,
		logger:    logger,
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if cfg.AllowPrivateNetworks {
		logger.Warn("web fetcher may reach private addresses")
		f.checkHost = func(context.Context, string) error { return nil }
	}
	f.client = &http.Client{CheckRedirect: f.checkRedirect}
	if cfg.Browser != nil && cfg.Browser.Enabled {
		f.renderer = NewRenderer(cfg.Browser, f.userAgent, logger)
	}
	return f
}

// Renderer returns the headless renderer, or nil when disabled.
func (f *Fetcher) Renderer() *Renderer { return f.renderer }

// Close releases the headless browser if one was launched.
func (f *Fetcher) Close() error {
	if f.renderer == nil {
		return nil
	}
	return f.renderer.Close()
}

func (f *Fetcher) guard(ctx context.Context, raw string) error {
	u, err := ValidateURL(raw, f.allowed)
	if err != nil {
		return err
	}
	return f.checkHost(ctx, u.Hostname())
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}
	if err := f.guard(req.Context(), req.URL.String()); err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}

// Fetch GETs rawURL with the body capped at the configured size.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if err := f.guard(ctx, rawURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	f.logger.DebugContext(ctx, "fetching page", slog.String("url", rawURL))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	page := &Page{
		URL:         rawURL,
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
	}
	if int64(len(body)) > f.maxBytes {
		body = body[:f.maxBytes]
		page.Truncated = true
	}
	page.Body = string(body)

	if resp.StatusCode >= 400 {
		return page, fmt.Errorf("fetching %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return page, nil
}

// Read loads rawURL (rendering it in the browser when enabled) and
// extracts its readable content.
func (f *Fetcher) Read(ctx context.Context, rawURL string) (*Document, error) {
	html, finalURL, err := f.load(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return Extract(html, finalURL)
}

func (f *Fetcher) load(ctx context.Context, rawURL string) (string, string, error) {
	if f.renderer != nil {
		if err := f.guard(ctx, rawURL); err != nil {
			return "", "", err
		}
		html, finalURL, err := f.renderer.Render(ctx, rawURL)
		if err == nil {
			return html, finalURL, nil
		}
		f.logger.WarnContext(ctx, "headless render failed, falling back to HTTP",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
	}
	page, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", "", err
	}
	if !page.IsHTML() {
		return "<pre>" + escapeText(page.Body) + "</pre>", page.FinalURL, nil
	}
	return page.Body, page.FinalURL, nil
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeText(s string) string { return textEscaper.Replace(s) }
