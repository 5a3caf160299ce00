package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps usage records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.UsageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, records []models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		s.records = append(s.records, rec)
	}
	return nil
}

func (s *MemoryStore) Find(_ context.Context, filter Filter) ([]models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.UsageRecord
	for _, rec := range s.records {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteByUser(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var deleted int64
	for _, rec := range s.records {
		if rec.UserID == userID {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return deleted, nil
}

func matches(rec models.UsageRecord, f Filter) bool {
	if rec.UserID != f.UserID {
		return false
	}
	if len(f.Actions) > 0 && !slices.Contains(f.Actions, rec.ActionType) {
		return false
	}
	if f.SuccessOnly && !rec.Success {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
