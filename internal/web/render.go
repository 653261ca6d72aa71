package web

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/poseylabs/posey/internal/config"
)

// Renderer loads pages in headless Chromium. The browser is launched on
// the first Render and reused until Close.
type Renderer struct {
	binPath   string
	width     int
	height    int
	userAgent string
	logger    *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewRenderer configures a renderer without launching anything.
func NewRenderer(cfg *config.BrowserConfig, userAgent string, logger *slog.Logger) *Renderer {
	r := &Renderer{binPath: cfg.BinPath, width: cfg.Width, height: cfg.Height, userAgent: userAgent, logger: logger}
	if r.width <= 0 {
		r.width = 1280
	}
	if r.height <= 0 {
		r.height = 800
	}
	return r
}

func (r *Renderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	bin := r.binPath
	if bin == "" {
		if p, ok := launcher.LookPath(); ok {
			bin = p
		}
	}
	l := launcher.New().Headless(true).Leakless(true)
	if bin != "" {
		l = l.Bin(bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	r.browser = b
	r.logger.Info("headless browser started", slog.String("bin", bin))
	return b, nil
}

// Render navigates to rawURL, waits for load and returns the final HTML
// and URL. The caller is responsible for SSRF checks on rawURL.
func (r *Renderer) Render(ctx context.Context, rawURL string) (string, string, error) {
	b, err := r.connect()
	if err != nil {
		return "", "", err
	}

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", "", fmt.Errorf("opening page: %w", err)
	}
	defer page.Close()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{Width: r.width, Height: r.height}); err != nil {
		return "", "", fmt.Errorf("setting viewport: %w", err)
	}
	if r.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: r.userAgent}); err != nil {
			return "", "", fmt.Errorf("setting user agent: %w", err)
		}
	}
	if err := page.Navigate(rawURL); err != nil {
		return "", "", fmt.Errorf("navigating to %s: %w", rawURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", "", fmt.Errorf("waiting for load: %w", err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", "", fmt.Errorf("reading page html: %w", err)
	}
	finalURL := rawURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}
	return html, finalURL, nil
}

// Close shuts the browser down if it was started.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}
