package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestResponse(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantRetry  bool
	}{
		{
			name:       "quota",
			err:        &QuotaExceededError{Reason: "Monthly prompt limit of 100 reached"},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   CodeQuotaExceeded,
		},
		{
			name:       "quota with window reset",
			err:        &QuotaExceededError{Reason: "Hourly limit of 10 prompts reached", RetryAfter: 1800},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   CodeQuotaExceeded,
			wantRetry:  true,
		},
		{
			name:       "wrapped rate limit",
			err:        fmt.Errorf("admit: %w", &RateLimitError{Limit: 5, RetryAfter: 1}),
			wantStatus: http.StatusTooManyRequests,
			wantCode:   CodeRateLimit,
			wantRetry:  true,
		},
		{
			name:       "token cap",
			err:        &TokenCapExceededError{Actual: 3000, Limit: 2000},
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeTokenCapExceeded,
		},
		{
			name:       "store",
			err:        &StoreUnavailableError{Component: "rate limit", Err: errors.New("dial tcp: refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "upstream",
			err:        &UpstreamError{Status: 500, Err: errors.New("model overloaded")},
			wantStatus: http.StatusBadGateway,
			wantCode:   CodeUpstream,
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := Response(tt.err)
			if status != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, status)
			}
			if body.Code != tt.wantCode || !body.Error {
				t.Fatalf("unexpected body %+v", body)
			}
			if (body.RetryAfter != nil) != tt.wantRetry {
				t.Fatalf("expected retryAfter presence %v, got %+v", tt.wantRetry, body.RetryAfter)
			}
		})
	}
}

func TestResponse_StoreMessageIsGeneric(t *testing.T) {
	_, body := Response(&StoreUnavailableError{Component: "rate limit", Err: errors.New("password authentication failed")})
	if body.Message != "Service temporarily unavailable" {
		t.Fatalf("expected generic message, got %q", body.Message)
	}
}

func TestStoreUnavailableError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &StoreUnavailableError{Component: "ledger", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
}

func TestRetryAfter(t *testing.T) {
	if n, ok := RetryAfter(&QuotaExceededError{RetryAfter: 1800}); !ok || n != 1800 {
		t.Fatalf("expected quota retry after 1800, got %d %v", n, ok)
	}
	if _, ok := RetryAfter(&QuotaExceededError{Reason: "API access requires upgrade"}); ok {
		t.Fatalf("expected no retry after for a feature gate")
	}
	if n, ok := RetryAfter(fmt.Errorf("admit: %w", &RateLimitError{RetryAfter: 7})); !ok || n != 7 {
		t.Fatalf("expected rate limit retry after 7, got %d %v", n, ok)
	}
}
