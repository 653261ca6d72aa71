package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a jsonb column on Postgres and a
// text column on SQLite.
type JSONB json.RawMessage

// ConversationModel maps to the "conversations" table.
type ConversationModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"not null;index:idx_conv_user"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

// MessageModel maps to the "conversation_messages" table.
type MessageModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID string    `gorm:"size:64;not null;index:idx_convmsg_seq"`
	SeqNum         int       `gorm:"not null;index:idx_convmsg_seq"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"type:text"`
	RunID          string    `gorm:"size:64"`
	TokenEstimate  int       `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (MessageModel) TableName() string { return "conversation_messages" }

// RunModel maps to the "runs" table. Nested structures are stored as JSON.
type RunModel struct {
	ID             string    `gorm:"primaryKey;size:64"`
	UserID         string    `gorm:"not null;index:idx_runs_user"`
	ConversationID string    `gorm:"size:64;index"`
	Query          string    `gorm:"type:text;not null"`
	Answer         string    `gorm:"type:text"`
	Status         string    `gorm:"not null"`
	Error          string    `gorm:"type:text"`
	Followups      JSONB     `gorm:"type:jsonb"`
	Analysis       JSONB     `gorm:"type:jsonb"`
	Plan           JSONB     `gorm:"type:jsonb"`
	Steps          JSONB     `gorm:"type:jsonb"`
	InputTokens    int       `gorm:"not null;default:0"`
	OutputTokens   int       `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"index:idx_runs_user;index"`
	CompletedAt    time.Time
}

func (RunModel) TableName() string { return "runs" }

// ImageModel maps to the "images" table. Base64 payloads are not stored.
type ImageModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index"`
	ConversationID string    `gorm:"size:64"`
	URL            string    `gorm:"type:text"`
	Prompt         string    `gorm:"type:text;not null"`
	RevisedPrompt  string    `gorm:"type:text"`
	Provider       string    `gorm:"not null"`
	Model          string
	CreatedAt      time.Time `gorm:"index"`
}

func (ImageModel) TableName() string { return "images" }

// models lists every table in creation order.
func models() []any {
	return []any{
		&ConversationModel{},
		&MessageModel{},
		&RunModel{},
		&ImageModel{},
	}
}
