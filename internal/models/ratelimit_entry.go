package models

import "time"

// IdentifierType says what a rate limit identifier refers to.
type IdentifierType string

const (
	IdentifierUser IdentifierType = "user"
	IdentifierIP   IdentifierType = "ip"
)

// RateLimitEntry is the fixed-window counter for one (identifier, endpoint) pair.
// Rows are overwritten in place and never deleted.
type RateLimitEntry struct {
	ID                    uint           `gorm:"primaryKey" json:"-"`
	Identifier            string         `gorm:"not null;uniqueIndex:idx_rate_limit_identifier_endpoint,priority:1" json:"identifier"`
	IdentifierType        IdentifierType `gorm:"type:varchar(8);not null" json:"identifier_type"`
	Endpoint              string         `gorm:"not null;uniqueIndex:idx_rate_limit_identifier_endpoint,priority:2" json:"endpoint"`
	RequestCount          int            `gorm:"not null;default:0" json:"request_count"`
	WindowStartMs         int64          `gorm:"not null" json:"window_start_ms"`
	WindowDurationSeconds int            `gorm:"not null" json:"window_duration_seconds"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// WindowStart returns the aligned start of the entry's current window.
func (e RateLimitEntry) WindowStart() time.Time {
	return time.UnixMilli(e.WindowStartMs).UTC()
}

func (RateLimitEntry) TableName() string {
	return "rate_limit_entries"
}
