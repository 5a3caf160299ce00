package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SavedPrompt is a prompt a user stored for reuse.
type SavedPrompt struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	UserID    string    `gorm:"not null;index" json:"user_id"`
	Title     string    `gorm:"not null" json:"title"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Format    string    `gorm:"type:varchar(16);default:'xml'" json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *SavedPrompt) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	return nil
}

func (SavedPrompt) TableName() string {
	return "saved_prompts"
}
