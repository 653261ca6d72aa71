// Package stability generates images with the Stability AI REST API.
package stability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/poseylabs/posey/internal/image"
	"github.com/poseylabs/posey/internal/llm"
)

const (
	defaultBaseURL = "https://api.stability.ai"
	defaultEngine  = "stable-diffusion-xl-1024-v1-0"
	cfgScale       = 7
	steps          = 30
)

// Client implements image.Provider over the v1 text-to-image endpoint.
type Client struct {
	apiKey     string
	engine     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(apiKey, engine string, logger *slog.Logger, opts ...Option) *Client {
	if engine == "" {
		engine = defaultEngine
	}
	c := &Client{
		apiKey:     apiKey,
		engine:     engine,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "stability" }

type textPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type generationRequest struct {
	TextPrompts []textPrompt `json:"text_prompts"`
	CfgScale    int          `json:"cfg_scale"`
	Height      int          `json:"height"`
	Width       int          `json:"width"`
	Samples     int          `json:"samples"`
	Steps       int          `json:"steps"`
	StylePreset string       `json:"style_preset,omitempty"`
}

type generationResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		Seed         int64  `json:"seed"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// Generate posts to /v1/generation/{engine}/text-to-image. Images come back
// inline as base64.
func (c *Client) Generate(ctx context.Context, req *image.Request) (*image.Result, error) {
	w, h, err := image.ParseSize(req.Size)
	if err != nil {
		return nil, err
	}
	body := generationRequest{
		TextPrompts: []textPrompt{{Text: req.Prompt, Weight: 1}},
		CfgScale:    cfgScale,
		Height:      h,
		Width:       w,
		Samples:     req.Count,
		Steps:       steps,
		StylePreset: stylePreset(req.Style),
	}
	if req.NegativePrompt != "" {
		body.TextPrompts = append(body.TextPrompts, textPrompt{Text: req.NegativePrompt, Weight: -1})
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	url := fmt.Sprintf("%s/v1/generation/%s/text-to-image", c.baseURL, c.engine)
	var out generationResponse
	if err := llm.PostJSON(ctx, c.httpClient, c.Name(), url, header, body, &out); err != nil {
		return nil, err
	}

	res := &image.Result{Provider: c.Name(), Model: c.engine}
	for _, a := range out.Artifacts {
		if a.FinishReason == "CONTENT_FILTERED" {
			c.logger.WarnContext(ctx, "stability filtered an image", slog.Int64("seed", a.Seed))
			continue
		}
		res.Images = append(res.Images, image.Image{B64: a.Base64})
	}
	if len(res.Images) == 0 {
		return nil, fmt.Errorf("stability returned no usable images")
	}
	return res, nil
}

var presets = map[string]bool{
	"3d-model": true, "analog-film": true, "anime": true, "cinematic": true,
	"comic-book": true, "digital-art": true, "enhance": true, "fantasy-art": true,
	"isometric": true, "line-art": true, "low-poly": true, "modeling-compound": true,
	"neon-punk": true, "origami": true, "photographic": true, "pixel-art": true,
	"tile-texture": true,
}

// stylePreset returns style when Stability knows it, else "".
func stylePreset(style string) string {
	s := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(style)), " ", "-")
	if presets[s] {
		return s
	}
	return ""
}
