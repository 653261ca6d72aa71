package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/poseylabs/posey/internal/orchestrator"
)

// Compile-time interface check.
var _ orchestrator.ConversationStore = (*ConversationRepository)(nil)

// DefaultHistoryMessages bounds History when the caller passes no limit.
const DefaultHistoryMessages = 50

// ConversationRepository implements orchestrator.ConversationStore with GORM.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreate returns an existing conversation or creates a new one. A
// conversation owned by another user is reported as not found.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, userID, convID string) (string, error) {
	if convID == "" {
		convID = uuid.NewString()
	}

	var existing ConversationModel
	err := r.db.WithContext(ctx).Where("id = ?", convID).First(&existing).Error
	if err == nil {
		if existing.UserID != userID {
			return "", orchestrator.ErrConversationNotFound
		}
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("looking up conversation: %w", err)
	}

	now := time.Now().UTC()
	model := ConversationModel{ID: convID, UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	return model.ID, nil
}

// Append adds messages after the current highest sequence number.
func (r *ConversationRepository) Append(ctx context.Context, convID string, msgs ...orchestrator.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ConversationModel{}).Where("id = ?", convID).Update("updated_at", time.Now().UTC())
		if res.Error != nil {
			return fmt.Errorf("touching conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return orchestrator.ErrConversationNotFound
		}

		var maxSeq int
		err := tx.Model(&MessageModel{}).
			Where("conversation_id = ?", convID).
			Select("COALESCE(MAX(seq_num), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("getting max seq_num: %w", err)
		}

		now := time.Now().UTC()
		models := make([]MessageModel, 0, len(msgs))
		for i, m := range msgs {
			if m.CreatedAt.IsZero() {
				m.CreatedAt = now
			}
			models = append(models, toMessageModel(convID, maxSeq+i+1, m))
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("inserting messages: %w", err)
		}
		return nil
	})
}

// History returns the most recent messages, oldest first.
func (r *ConversationRepository) History(ctx context.Context, userID, convID string, limit int) ([]orchestrator.Message, error) {
	if err := r.checkOwner(ctx, userID, convID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryMessages
	}

	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("seq_num DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}

	out := make([]orchestrator.Message, len(models))
	for i := range models {
		out[len(models)-1-i] = toMessage(&models[i])
	}
	return out, nil
}

// Delete removes the conversation and its messages.
func (r *ConversationRepository) Delete(ctx context.Context, userID, convID string) error {
	if err := r.checkOwner(ctx, userID, convID); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", convID).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("deleting conversation messages: %w", err)
		}
		if err := tx.Where("id = ?", convID).Delete(&ConversationModel{}).Error; err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		return nil
	})
}

func (r *ConversationRepository) checkOwner(ctx context.Context, userID, convID string) error {
	var conv ConversationModel
	err := r.db.WithContext(ctx).Select("id", "user_id").Where("id = ?", convID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && conv.UserID != userID) {
		return orchestrator.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("looking up conversation: %w", err)
	}
	return nil
}
