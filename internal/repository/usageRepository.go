package repository

import (
	"context"
	"slices"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ledger"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/storage"
)

const insertBatchSize = 100

// UsageRepository is the gorm-backed ledger store.
type UsageRepository struct {
	db *storage.Database
}

func NewUsageRepository(db *storage.Database) *UsageRepository {
	return &UsageRepository{db: db}
}

// Inserts usage records in batches. Timestamps are stored in UTC so range
// queries compare consistently on every dialect.
func (r *UsageRepository) Insert(ctx context.Context, records []models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([]models.UsageRecord, len(records))
	for i, rec := range records {
		rec.CreatedAt = rec.CreatedAt.UTC()
		rows[i] = rec
	}

	return r.db.DB.WithContext(ctx).CreateInBatches(&rows, insertBatchSize).Error
}

// Retrieves records matching the filter, oldest first
func (r *UsageRepository) Find(ctx context.Context, filter ledger.Filter) ([]models.UsageRecord, error) {
	var records []models.UsageRecord

	query := r.db.DB.WithContext(ctx).Where("user_id = ?", filter.UserID)
	if len(filter.Actions) > 0 {
		actions := make([]string, len(filter.Actions))
		for i, action := range filter.Actions {
			actions[i] = string(action)
		}
		query = query.Where("action_type IN ?", actions)
	}
	if filter.SuccessOnly {
		query = query.Where("success = ?", true)
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To.UTC())
	}

	if len(filter.Columns) > 0 {
		query = query.Select(selectColumns(filter.Columns))
	}

	err := query.Order("created_at ASC").Find(&records).Error
	return records, err
}

// id and created_at are always loaded so callers can order and de-duplicate
func selectColumns(columns []string) []string {
	out := []string{"id", "created_at"}
	for _, c := range columns {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// Deletes every record of a user
func (r *UsageRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.UsageRecord{})

	return result.RowsAffected, result.Error
}
