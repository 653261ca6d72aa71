package storage

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/poseylabs/posey/internal/llm"
	"github.com/poseylabs/posey/internal/minion"
	"github.com/poseylabs/posey/internal/orchestrator"
)

// sanitizeRole enforces that only "user" and "assistant" roles are stored.
func sanitizeRole(role string) string {
	if llm.Role(role) == llm.RoleAssistant {
		return string(llm.RoleAssistant)
	}
	return string(llm.RoleUser)
}

// estimateTokens uses the ~4 chars/token heuristic.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

func toMessageModel(convID string, seqNum int, m orchestrator.Message) MessageModel {
	return MessageModel{
		ID:             uuid.New(),
		ConversationID: convID,
		SeqNum:         seqNum,
		Role:           sanitizeRole(m.Role),
		Content:        m.Content,
		RunID:          m.RunID,
		TokenEstimate:  estimateTokens(m.Content),
		CreatedAt:      m.CreatedAt,
	}
}

func toMessage(m *MessageModel) orchestrator.Message {
	return orchestrator.Message{
		Role:      m.Role,
		Content:   m.Content,
		RunID:     m.RunID,
		CreatedAt: m.CreatedAt,
	}
}

// marshalJSONB returns nil for nil values so the column stays NULL.
func marshalJSONB(v any) (JSONB, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return JSONB(data), nil
}

func unmarshalJSONB(data JSONB, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func toRunModel(run *orchestrator.Run) (*RunModel, error) {
	m := &RunModel{
		ID:             run.ID,
		UserID:         run.UserID,
		ConversationID: run.ConversationID,
		Query:          run.Query,
		Answer:         run.Answer,
		Status:         string(run.Status),
		Error:          run.Error,
		InputTokens:    run.Usage.InputTokens,
		OutputTokens:   run.Usage.OutputTokens,
		CreatedAt:      run.CreatedAt,
		CompletedAt:    run.CompletedAt,
	}
	var err error
	if len(run.Followups) > 0 {
		if m.Followups, err = marshalJSONB(run.Followups); err != nil {
			return nil, fmt.Errorf("marshaling followups: %w", err)
		}
	}
	if run.Analysis != nil {
		if m.Analysis, err = marshalJSONB(run.Analysis); err != nil {
			return nil, fmt.Errorf("marshaling analysis: %w", err)
		}
	}
	if run.Plan != nil {
		if m.Plan, err = marshalJSONB(run.Plan); err != nil {
			return nil, fmt.Errorf("marshaling plan: %w", err)
		}
	}
	if m.Steps, err = marshalJSONB(withoutImagePayloads(run.Steps)); err != nil {
		return nil, fmt.Errorf("marshaling steps: %w", err)
	}
	return m, nil
}

// withoutImagePayloads copies steps, dropping base64 image data. Images
// are referenced by URL only once stored.
func withoutImagePayloads(steps []orchestrator.StepRecord) []orchestrator.StepRecord {
	out := make([]orchestrator.StepRecord, len(steps))
	for i, s := range steps {
		out[i] = s
		if s.Result == nil || len(s.Result.Images) == 0 {
			continue
		}
		res := *s.Result
		res.Images = make([]minion.Image, len(s.Result.Images))
		for j, img := range s.Result.Images {
			img.B64 = ""
			res.Images[j] = img
		}
		out[i].Result = &res
	}
	return out
}

func toRun(m *RunModel) (*orchestrator.Run, error) {
	run := &orchestrator.Run{
		ID:             m.ID,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		Query:          m.Query,
		Answer:         m.Answer,
		Status:         orchestrator.RunStatus(m.Status),
		Error:          m.Error,
		Usage:          llm.Usage{InputTokens: m.InputTokens, OutputTokens: m.OutputTokens},
		CreatedAt:      m.CreatedAt.UTC(),
		CompletedAt:    m.CompletedAt.UTC(),
	}
	if err := unmarshalJSONB(m.Followups, &run.Followups); err != nil {
		return nil, fmt.Errorf("run %s followups: %w", m.ID, err)
	}
	if len(m.Analysis) > 0 {
		run.Analysis = &minion.Analysis{}
		if err := unmarshalJSONB(m.Analysis, run.Analysis); err != nil {
			return nil, fmt.Errorf("run %s analysis: %w", m.ID, err)
		}
	}
	if len(m.Plan) > 0 {
		run.Plan = &orchestrator.Plan{}
		if err := unmarshalJSONB(m.Plan, run.Plan); err != nil {
			return nil, fmt.Errorf("run %s plan: %w", m.ID, err)
		}
	}
	if err := unmarshalJSONB(m.Steps, &run.Steps); err != nil {
		return nil, fmt.Errorf("run %s steps: %w", m.ID, err)
	}
	return run, nil
}

func toImageModel(userID, convID string, img minion.Image) ImageModel {
	return ImageModel{
		ID:             uuid.New(),
		UserID:         userID,
		ConversationID: convID,
		URL:            img.URL,
		Prompt:         img.Prompt,
		RevisedPrompt:  img.RevisedPrompt,
		Provider:       img.Provider,
		Model:          img.Model,
	}
}
