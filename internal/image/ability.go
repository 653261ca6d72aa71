package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/poseylabs/posey/internal/ability"
)

// Ability exposes the registry as image_generate. Base64 payloads are
// dropped from the tool output; only URLs and counts reach the LLM.
type Ability struct {
	registry *Registry
}

func NewAbility(r *Registry) *Ability { return &Ability{registry: r} }

// RegisterAbility adds image_generate to reg without building it. The
// build fails on first use when r has no providers.
func RegisterAbility(reg *ability.Registry, r *Registry) {
	var a Ability
	spec := ability.Spec{Name: a.Name(), Description: a.Description(), InputSchema: a.InputSchema()}
	reg.RegisterFactory(spec, func() (ability.Ability, error) {
		if r == nil || r.Len() == 0 {
			return nil, errors.New("no image providers configured")
		}
		return NewAbility(r), nil
	})
}

func (a *Ability) Name() string { return "image_generate" }
func (a *Ability) Description() string {
	return "Generate images from a text prompt. Returns image URLs when the provider supplies them."
}

func (a *Ability) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt":          map[string]any{"type": "string", "description": "What to draw"},
			"negative_prompt": map[string]any{"type": "string", "description": "What to avoid"},
			"size":            map[string]any{"type": "string", "description": "WIDTHxHEIGHT, e.g. 1024x1024"},
			"style":           map[string]any{"type": "string"},
			"count":           map[string]any{"type": "integer", "description": "1-4"},
			"provider":        map[string]any{"type": "string", "description": "Provider name; empty uses the default"},
		},
		"required": []string{"prompt"},
	}
}

func (a *Ability) Validate(params map[string]any) error {
	_, err := ability.StringParam(params, "prompt")
	return err
}

func (a *Ability) Execute(ctx context.Context, params map[string]any) (*ability.Result, error) {
	prompt, _ := ability.StringParam(params, "prompt")
	req := &Request{
		Prompt: prompt,
		Count:  ability.IntParam(params, "count", 1),
	}
	req.NegativePrompt, _ = params["negative_prompt"].(string)
	req.Size, _ = params["size"].(string)
	req.Style, _ = params["style"].(string)
	provider, _ := params["provider"].(string)

	res, err := a.registry.Generate(ctx, provider, req)
	if err != nil {
		return nil, err
	}

	type summary struct {
		URL           string `json:"url,omitempty"`
		Inline        bool   `json:"inline,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	}
	out := make([]summary, 0, len(res.Images))
	for _, img := range res.Images {
		out = append(out, summary{URL: img.URL, Inline: img.B64 != "", RevisedPrompt: img.RevisedPrompt})
	}
	data, err := json.Marshal(map[string]any{"provider": res.Provider, "model": res.Model, "images": out})
	if err != nil {
		return nil, fmt.Errorf("encoding image result: %w", err)
	}
	return &ability.Result{
		Output:   string(data),
		Success:  true,
		Metadata: map[string]any{"provider": res.Provider, "count": len(res.Images), "result": res},
	}, nil
}
