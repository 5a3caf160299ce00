package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/storage"
)

// Postgres and SQLite both accept this upsert. The CASE expressions run
// against the locked existing row, so the reset-or-increment decision and the
// write are a single statement.
const upsertCounterSQL = `
INSERT INTO rate_limit_entries
	(identifier, identifier_type, endpoint, request_count, window_start_ms, window_duration_seconds, updated_at)
VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT (identifier, endpoint) DO UPDATE SET
	request_count = CASE
		WHEN ? - rate_limit_entries.window_start_ms >= ? THEN 1
		ELSE rate_limit_entries.request_count + 1
	END,
	window_start_ms = CASE
		WHEN ? - rate_limit_entries.window_start_ms >= ? THEN excluded.window_start_ms
		ELSE rate_limit_entries.window_start_ms
	END,
	identifier_type = excluded.identifier_type,
	window_duration_seconds = excluded.window_duration_seconds,
	updated_at = excluded.updated_at
RETURNING request_count, window_start_ms`

// DatabaseStore keeps counters in the rate_limit_entries table. Rows are
// overwritten when their window elapses and never deleted.
type DatabaseStore struct {
	db *storage.Database
}

func NewDatabaseStore(db *storage.Database) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Increment(ctx context.Context, key Key, window time.Duration, now time.Time) (Counter, error) {
	if s == nil || s.db == nil || s.db.DB == nil {
		return Counter{}, errors.New("rate limit database: not configured")
	}

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	var row struct {
		RequestCount  int
		WindowStartMs int64
	}
	err := s.db.DB.WithContext(ctx).Raw(upsertCounterSQL,
		key.Identifier, string(key.Type), key.Endpoint,
		AlignWindow(now, window).UnixMilli(), int(window.Seconds()), now.UTC(),
		nowMs, windowMs,
		nowMs, windowMs,
	).Scan(&row).Error
	if err != nil {
		return Counter{}, err
	}
	if row.RequestCount == 0 {
		return Counter{}, errors.New("rate limit database: upsert returned no row")
	}

	return Counter{Count: row.RequestCount, WindowStart: time.UnixMilli(row.WindowStartMs).UTC()}, nil
}
