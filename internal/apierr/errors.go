// Package apierr defines the errors the admission path surfaces to callers
// and how each one maps onto an HTTP response.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeRateLimit          = "RATE_LIMIT_ERROR"
	CodeTokenCapExceeded   = "TOKEN_CAP_EXCEEDED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUpstream           = "UPSTREAM_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// QuotaExceededError is returned when a tier quota denies the action.
// RetryAfter is zero when waiting does not lift the denial.
type QuotaExceededError struct {
	Reason     string
	QuotaInfo  any
	RetryAfter int
}

func (e *QuotaExceededError) Error() string { return e.Reason }

func (e *QuotaExceededError) StatusCode() int { return http.StatusTooManyRequests }

func (e *QuotaExceededError) Code() string { return CodeQuotaExceeded }

// RateLimitError is returned when the fixed-window limiter rejects a request.
type RateLimitError struct {
	Endpoint   string
	Limit      int
	RetryAfter int
	Reset      time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests exceeded for %s, retry after %ds", e.Limit, e.Endpoint, e.RetryAfter)
}

func (e *RateLimitError) StatusCode() int { return http.StatusTooManyRequests }

func (e *RateLimitError) Code() string { return CodeRateLimit }

// StoreUnavailableError wraps a backing store failure. Callers decide whether
// it fails the request.
type StoreUnavailableError struct {
	Component string
	Err       error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Component, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

func (e *StoreUnavailableError) Code() string { return CodeServiceUnavailable }

// TokenCapExceededError is raised after a completed AI call whose reported
// usage went over the per-call cap. The upstream cost is already spent.
type TokenCapExceededError struct {
	Actual int
	Limit  int
}

func (e *TokenCapExceededError) Error() string {
	return fmt.Sprintf("response used %d tokens, above the per-request limit of %d", e.Actual, e.Limit)
}

func (e *TokenCapExceededError) StatusCode() int { return http.StatusBadRequest }

func (e *TokenCapExceededError) Code() string { return CodeTokenCapExceeded }

// UpstreamError is a failed call to the AI completion upstream.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream request failed: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned %d: %v", e.Status, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) StatusCode() int { return http.StatusBadGateway }

func (e *UpstreamError) Code() string { return CodeUpstream }

// Body is the JSON error envelope returned to callers.
type Body struct {
	Error      bool   `json:"error"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	QuotaInfo  any    `json:"quotaInfo,omitempty"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

// Response maps err onto a status code and body. Store failures and unknown
// errors get a generic message so internals do not leak.
func Response(err error) (int, Body) {
	var quotaErr *QuotaExceededError
	var rateErr *RateLimitError
	var capErr *TokenCapExceededError
	var storeErr *StoreUnavailableError
	var upstreamErr *UpstreamError

	switch {
	case errors.As(err, &quotaErr):
		body := Body{
			Error:     true,
			Message:   quotaErr.Reason,
			Code:      quotaErr.Code(),
			QuotaInfo: quotaErr.QuotaInfo,
		}
		if quotaErr.RetryAfter > 0 {
			retryAfter := quotaErr.RetryAfter
			body.RetryAfter = &retryAfter
		}
		return quotaErr.StatusCode(), body
	case errors.As(err, &rateErr):
		retryAfter := rateErr.RetryAfter
		return rateErr.StatusCode(), Body{
			Error:      true,
			Message:    "Too many requests, please slow down",
			Code:       rateErr.Code(),
			RetryAfter: &retryAfter,
		}
	case errors.As(err, &capErr):
		return capErr.StatusCode(), Body{
			Error:   true,
			Message: capErr.Error(),
			Code:    capErr.Code(),
		}
	case errors.As(err, &storeErr):
		return storeErr.StatusCode(), Body{
			Error:   true,
			Message: "Service temporarily unavailable",
			Code:    storeErr.Code(),
		}
	case errors.As(err, &upstreamErr):
		return upstreamErr.StatusCode(), Body{
			Error:   true,
			Message: "Upstream service error",
			Code:    upstreamErr.Code(),
		}
	default:
		return http.StatusInternalServerError, Body{
			Error:   true,
			Message: "Internal Server Error",
			Code:    CodeInternal,
		}
	}
}

// RetryAfter returns the Retry-After seconds carried by err, if any.
func RetryAfter(err error) (int, bool) {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter, true
	}
	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) && quotaErr.RetryAfter > 0 {
		return quotaErr.RetryAfter, true
	}
	return 0, false
}
