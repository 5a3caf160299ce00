package ratelimit

import (
	"context"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
)

// Key identifies one fixed-window counter.
type Key struct {
	Identifier string
	Type       models.IdentifierType
	Endpoint   string
}

// Rule is the request budget for one window.
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// Unlimited reports whether the rule disables limiting.
func (r Rule) Unlimited() bool {
	return r.MaxRequests <= 0 || r.Window < time.Millisecond
}

// Counter is the state a store returns after incrementing.
type Counter struct {
	Count       int
	WindowStart time.Time
}

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Count      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds, only set when denied
}

// Store increments the counter for key atomically. When the stored window
// has elapsed it must reset the count to 1 with windowStart as the new start;
// otherwise it adds 1. Read-then-write implementations undercount under
// concurrent requests and are not acceptable.
type Store interface {
	Increment(ctx context.Context, key Key, window time.Duration, now time.Time) (Counter, error)
}

// AlignWindow returns the start of the fixed window containing now.
func AlignWindow(now time.Time, window time.Duration) time.Time {
	ms := now.UnixMilli()
	w := window.Milliseconds()
	if w <= 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.UnixMilli(ms - ms%w).UTC()
}

// expired reports whether a window starting at startMs no longer covers nowMs.
func expired(nowMs, startMs int64, window time.Duration) bool {
	return nowMs-startMs >= window.Milliseconds()
}
