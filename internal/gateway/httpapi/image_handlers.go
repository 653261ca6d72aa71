package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/poseylabs/posey/internal/image"
	"github.com/poseylabs/posey/internal/minion"
)

// ImageRequest is the JSON body for POST /v1/images.
type ImageRequest struct {
	image.Request
	Provider       string `json:"provider,omitempty"` // Empty = default provider.
	ConversationID string `json:"conversation_id,omitempty"`
}

func (g *Gateway) handleImageGenerate(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.images == nil || g.images.Len() == 0 {
		return abort(c, http.StatusServiceUnavailable, "image generation is not configured")
	}
	if !g.allow(c, userID, g.config.ImageCost) {
		return nil
	}

	var req ImageRequest
	if err := c.Bind(&req); err != nil {
		return abort(c, http.StatusBadRequest, "invalid request body")
	}
	if err := req.Normalize(); err != nil {
		return abort(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Context()
	res, err := g.images.Generate(ctx, req.Provider, &req.Request)
	if err != nil {
		return g.fail(c, err)
	}

	if g.recorder != nil {
		imgs := make([]minion.Image, 0, len(res.Images))
		for _, img := range res.Images {
			imgs = append(imgs, minion.Image{
				URL:           img.URL,
				B64:           img.B64,
				Prompt:        req.Prompt,
				RevisedPrompt: img.RevisedPrompt,
				Provider:      res.Provider,
				Model:         res.Model,
			})
		}
		if err := g.recorder.RecordImages(ctx, userID, req.ConversationID, imgs); err != nil {
			g.logger.WarnContext(ctx, "recording images failed", slog.String("error", err.Error()))
		}
	}
	return c.OK(res)
}
