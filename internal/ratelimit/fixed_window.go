package ratelimit

import (
	"context"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/apierr"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// FixedWindowLimiter counts requests per (identifier, endpoint) in windows
// aligned to multiples of the window length. A burst straddling a boundary
// can pass up to twice MaxRequests in a short span; that is accepted.
//
// A store failure rejects the request (fail closed): the limiter protects
// shared infrastructure, so an unknown count is treated as over the limit.
type FixedWindowLimiter struct {
	store   Store
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewFixedWindow(store Store, nowFn func() time.Time, m *metrics.Metrics) *FixedWindowLimiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &FixedWindowLimiter{
		store:   store,
		now:     nowFn,
		metrics: m,
	}
}

// Allow counts the request and reports whether it fits in the current window.
// The only error returned is *apierr.StoreUnavailableError.
func (f *FixedWindowLimiter) Allow(ctx context.Context, key Key, rule Rule) (Result, error) {
	if rule.Unlimited() {
		return Result{Allowed: true, Limit: rule.MaxRequests}, nil
	}

	now := f.now()
	counter, err := f.store.Increment(ctx, key, rule.Window, now)
	if err != nil {
		f.metrics.RateLimitStoreError()
		log.WithError(err).WithFields(log.Fields{
			"identifier": key.Identifier,
			"endpoint":   key.Endpoint,
		}).Error("rate limit: store unavailable, rejecting request")
		return Result{}, &apierr.StoreUnavailableError{Component: "rate limit", Err: err}
	}

	windowMs := rule.Window.Milliseconds()
	elapsed := now.UnixMilli() - counter.WindowStart.UnixMilli()

	result := Result{
		Allowed:   counter.Count <= rule.MaxRequests,
		Limit:     rule.MaxRequests,
		Count:     counter.Count,
		Remaining: max(0, rule.MaxRequests-counter.Count),
		Reset:     counter.WindowStart.Add(rule.Window),
	}
	if !result.Allowed {
		result.RetryAfter = int(ceilDiv(max(0, windowMs-elapsed), 1000))
	}

	f.metrics.RateLimitCheck(key.Endpoint, result.Allowed)
	return result, nil
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
