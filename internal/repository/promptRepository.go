package repository

import (
	"context"
	"errors"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/storage"
	"gorm.io/gorm"
)

type PromptRepository struct {
	db *storage.Database
}

func NewPromptRepository(db *storage.Database) *PromptRepository {
	return &PromptRepository{db: db}
}

func (r *PromptRepository) Create(ctx context.Context, prompt *models.SavedPrompt) error {
	return r.db.DB.WithContext(ctx).Create(prompt).Error
}

// Returns nil when the prompt does not exist or belongs to another user
func (r *PromptRepository) FindByID(ctx context.Context, userID, id string) (*models.SavedPrompt, error) {
	var prompt models.SavedPrompt
	err := r.db.DB.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&prompt).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &prompt, nil
}

func (r *PromptRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.SavedPrompt, error) {
	var prompts []models.SavedPrompt
	err := r.db.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&prompts).Error

	return prompts, err
}
