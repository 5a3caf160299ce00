package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActionType identifies the kind of guarded action a usage record describes.
type ActionType string

const (
	ActionPromptGeneration ActionType = "prompt_generation"
	ActionSave             ActionType = "save"
	ActionEnhancement      ActionType = "enhancement"
	ActionAPICall          ActionType = "api_call"
)

// Valid reports whether the action type is one of the known actions.
func (a ActionType) Valid() bool {
	switch a {
	case ActionPromptGeneration, ActionSave, ActionEnhancement, ActionAPICall:
		return true
	}
	return false
}

// UsageRecord is one completed action attempt. Rows are append-only.
type UsageRecord struct {
	ID              uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	UserID          string     `gorm:"not null;index:idx_usage_user_action_time,priority:1" json:"user_id"`
	ActionType      ActionType `gorm:"type:varchar(32);not null;index:idx_usage_user_action_time,priority:2" json:"action_type"`
	Success         bool       `gorm:"not null;default:false" json:"success"`
	TokensUsed      int        `gorm:"not null;default:0" json:"tokens_used"`
	EstimatedTokens int        `gorm:"not null;default:0" json:"estimated_tokens"`
	Endpoint        string     `json:"endpoint,omitempty"`
	CreatedAt       time.Time  `gorm:"not null;index:idx_usage_user_action_time,priority:3" json:"created_at"`
}

func (u *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

func (UsageRecord) TableName() string {
	return "usage_records"
}
