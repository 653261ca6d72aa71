// Package openai generates images with the OpenAI Images API (DALL-E).
package openai

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/poseylabs/posey/internal/image"
)

const defaultModel = goopenai.CreateImageModelDallE3

// Client implements image.Provider.
type Client struct {
	client *goopenai.Client
	model  string
	logger *slog.Logger
}

// Option configures the client.
type Option func(*goopenai.ClientConfig)

// WithBaseURL points the client at an OpenAI-compatible server. The URL
// includes the /v1 suffix.
func WithBaseURL(url string) Option {
	return func(c *goopenai.ClientConfig) { c.BaseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *goopenai.ClientConfig) { c.HTTPClient = hc }
}

// NewClient returns a DALL-E provider. An empty model means dall-e-3.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(&cfg)
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{client: goopenai.NewClientWithConfig(cfg), model: model, logger: logger}
}

func (c *Client) Name() string { return "openai" }

// Generate calls /images/generations. dall-e-3 only accepts n=1, so larger
// counts are issued as sequential requests.
func (c *Client) Generate(ctx context.Context, req *image.Request) (*image.Result, error) {
	prompt := req.Prompt
	if req.NegativePrompt != "" {
		prompt += "\n\nAvoid: " + req.NegativePrompt
	}

	calls, perCall := 1, req.Count
	if c.model == goopenai.CreateImageModelDallE3 {
		calls, perCall = req.Count, 1
	}

	res := &image.Result{Provider: c.Name(), Model: c.model}
	for range calls {
		ir := goopenai.ImageRequest{
			Prompt:         prompt,
			Model:          c.model,
			N:              perCall,
			Size:           req.Size,
			ResponseFormat: goopenai.CreateImageResponseFormatURL,
		}
		if style := dalleStyle(req.Style); style != "" && c.model == goopenai.CreateImageModelDallE3 {
			ir.Style = style
		}
		resp, err := c.client.CreateImage(ctx, ir)
		if err != nil {
			return nil, err
		}
		for _, d := range resp.Data {
			res.Images = append(res.Images, image.Image{URL: d.URL, B64: d.B64JSON, RevisedPrompt: d.RevisedPrompt})
		}
	}

	c.logger.DebugContext(ctx, "image generation completed",
		slog.String("provider", c.Name()),
		slog.String("model", c.model),
		slog.Int("images", len(res.Images)),
	)
	return res, nil
}

// dalleStyle maps free-form styles onto the two values DALL-E accepts.
func dalleStyle(style string) string {
	switch strings.ToLower(strings.TrimSpace(style)) {
	case "":
		return ""
	case "natural", "photo", "photographic", "realistic":
		return goopenai.CreateImageStyleNatural
	default:
		return goopenai.CreateImageStyleVivid
	}
}
