package minion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poseylabs/posey/internal/agent"
	"github.com/poseylabs/posey/internal/image"
	"github.com/poseylabs/posey/internal/llm"
)

// ImagePlan is the prompt the image minion derives from the instruction.
type ImagePlan struct {
	Prompt         string `json:"prompt" validate:"required,nonblank,max=4000" jsonschema_description:"Detailed visual description for the image model"`
	NegativePrompt string `json:"negative_prompt,omitempty" validate:"max=1000"`
	Size           string `json:"size,omitempty" validate:"omitempty,oneof=1024x1024 1792x1024 1024x1792 1152x896 896x1152 512x512" jsonschema:"enum=1024x1024,enum=1792x1024,enum=1024x1792,enum=1152x896,enum=896x1152,enum=512x512"`
	Style          string `json:"style,omitempty" validate:"max=64"`
	Count          int    `json:"count,omitempty" validate:"omitempty,min=1,max=4"`
}

// ImageRecorder persists generated images.
type ImageRecorder interface {
	RecordImages(ctx context.Context, userID, conversationID string, images []Image) error
}

const imageSystemPrompt = `You are the image generation minion of a multi-agent assistant.
Turn the request into a prompt for a text-to-image model: subject, composition, lighting, style and mood.
Use a landscape size for scenes and a portrait size for people unless the user asks otherwise.
Generate one image unless the user asks for more.`

type imageMinion struct {
	agent    *agent.BaseAgent
	images   *image.Registry
	recorder ImageRecorder
	logger   *slog.Logger
}

// NewImageGeneration returns the image_generation minion. recorder may be nil.
func NewImageGeneration(a *agent.BaseAgent, images *image.Registry, recorder ImageRecorder, logger *slog.Logger) Minion {
	return &imageMinion{agent: a, images: images, recorder: recorder, logger: logger}
}

func (m *imageMinion) Name() string { return ImageGeneration }

func (m *imageMinion) Description() string {
	return "Creates images, drawings, illustrations and logos from a description."
}

func (m *imageMinion) Run(ctx context.Context, task *Task) (*Result, error) {
	out, err := agent.Execute[ImagePlan](ctx, m.agent, agent.Call{
		SystemPrompt: imageSystemPrompt + agent.SchemaInstruction(agent.SchemaJSON[ImagePlan]()),
		Messages:     []llm.Message{llm.UserText(task.Goal() + contextBlock(task))},
	})
	if err != nil {
		return nil, err
	}
	plan := out.Value

	provider := task.StringParam("image_provider")
	gen, err := m.images.Generate(ctx, provider, &image.Request{
		Prompt:         plan.Prompt,
		NegativePrompt: plan.NegativePrompt,
		Size:           plan.Size,
		Style:          plan.Style,
		Count:          plan.Count,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Minion: ImageGeneration,
		Usage:  out.Usage,
		Data:   map[string]any{"plan": plan, "provider": gen.Provider},
	}
	for _, img := range gen.Images {
		res.Images = append(res.Images, Image{
			URL:           img.URL,
			B64:           img.B64,
			Prompt:        plan.Prompt,
			RevisedPrompt: img.RevisedPrompt,
			Provider:      gen.Provider,
			Model:         gen.Model,
		})
	}
	res.Summary = fmt.Sprintf("Generated %d image(s) with %s from the prompt: %s", len(res.Images), gen.Provider, plan.Prompt)

	if m.recorder != nil {
		if err := m.recorder.RecordImages(ctx, task.UserID, task.ConversationID, res.Images); err != nil {
			m.logger.WarnContext(ctx, "recording images failed", slog.String("error", err.Error()))
		}
	}
	return res, nil
}
