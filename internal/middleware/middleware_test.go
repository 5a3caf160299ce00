package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/admission"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ledger"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/quota"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ratelimit"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type noUsage struct{}

func (noUsage) Query(context.Context, ledger.Filter) ([]models.UsageRecord, error) {
	return nil, nil
}

type recorder struct {
	mu      sync.Mutex
	records []models.UsageRecord
}

func (r *recorder) Record(rec models.UsageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) all() []models.UsageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.UsageRecord(nil), r.records...)
}

func newPipeline(rec *recorder, rule ratelimit.Rule) *admission.Pipeline {
	return admission.NewPipeline(admission.Deps{
		Limiter:   ratelimit.NewFixedWindow(ratelimit.NewMemoryStore(), nil, nil),
		Rules:     ratelimit.Rules{Default: rule},
		Evaluator: quota.NewEvaluator(noUsage{}, time.UTC, nil, nil),
		Recorder:  rec,
	})
}

func newRouter(p *admission.Pipeline, handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(), RequestID())
	r.POST("/guarded", Identity(), Admission(p, models.ActionPromptGeneration), handler)
	return r
}

func post(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/guarded", bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdmission_AdmitsAndRecordsSuccess(t *testing.T) {
	rec := &recorder{}
	r := newRouter(newPipeline(rec, ratelimit.Rule{MaxRequests: 5, Window: time.Minute}), func(c *gin.Context) {
		body, _ := io.ReadAll(c.Request.Body)
		c.Data(http.StatusOK, "application/json", body)
	})

	payload := `{"task":"Summarize this"}`
	w := post(r, payload, map[string]string{HeaderUserID: "u1", HeaderUserTier: "pro"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != payload {
		t.Fatalf("expected handler to see the full body, got %q", w.Body.String())
	}
	if got := w.Header().Get(admission.HeaderQuotaTier); got != "pro" {
		t.Fatalf("expected tier header pro, got %q", got)
	}
	if got := w.Header().Get(admission.HeaderRateLimitLimit); got != "5" {
		t.Fatalf("expected rate limit header 5, got %q", got)
	}

	records := rec.all()
	if len(records) != 1 || !records[0].Success || records[0].UserID != "u1" {
		t.Fatalf("expected one successful record for u1, got %+v", records)
	}
	if records[0].Endpoint != "/guarded" {
		t.Fatalf("expected route path as endpoint, got %q", records[0].Endpoint)
	}
}

func TestAdmission_FailedHandlerRecordsFailure(t *testing.T) {
	rec := &recorder{}
	r := newRouter(newPipeline(rec, ratelimit.Rule{}), func(c *gin.Context) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream down"})
	})

	post(r, `{}`, map[string]string{HeaderUserID: "u1"})

	records := rec.all()
	if len(records) != 1 || records[0].Success {
		t.Fatalf("expected one failed record, got %+v", records)
	}
}

func TestAdmission_TokensRequiredDeniedUpFront(t *testing.T) {
	rec := &recorder{}
	called := false
	r := newRouter(newPipeline(rec, ratelimit.Rule{}), func(c *gin.Context) {
		called = true
		c.Status(http.StatusOK)
	})

	w := post(r, `{}`, map[string]string{HeaderUserID: "u1", HeaderTokensRequired: "5000"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if called {
		t.Fatalf("handler must not run for a denied request")
	}
	if got := w.Header().Get("Retry-After"); got != "" {
		t.Fatalf("expected no Retry-After when waiting does not help, got %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "Request requires 5000 tokens, exceeding the per-request limit of 2000"
	if body["message"] != want || body["code"] != "QUOTA_EXCEEDED" {
		t.Fatalf("unexpected body: %v", body)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("denied requests are not recorded")
	}
}

func TestAdmission_RateLimitedSetsRetryAfter(t *testing.T) {
	rec := &recorder{}
	r := newRouter(newPipeline(rec, ratelimit.Rule{MaxRequests: 1, Window: time.Hour}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	headers := map[string]string{HeaderUserID: "u1"}
	if w := post(r, `{}`, headers); w.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", w.Code)
	}
	w := post(r, `{}`, headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAdmission_QuotaDenialSetsRetryAfter(t *testing.T) {
	usage := ledger.New(ledger.NewMemoryStore(), ledger.Config{}, nil)
	defer usage.Close(context.Background())

	p := admission.NewPipeline(admission.Deps{
		Limiter:   ratelimit.NewFixedWindow(ratelimit.NewMemoryStore(), nil, nil),
		Evaluator: quota.NewEvaluator(usage, time.UTC, nil, nil),
		Recorder:  usage,
	})
	r := newRouter(p, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	headers := map[string]string{HeaderUserID: "u1", HeaderUserTier: "free"}
	for i := 1; i <= 10; i++ {
		if w := post(r, `{}`, headers); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := post(r, `{}`, headers)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the hourly quota to deny request 11, got %d", w.Code)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 || retryAfter > 3600 {
		t.Fatalf("expected Retry-After within the hour, got %q", w.Header().Get("Retry-After"))
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "QUOTA_EXCEEDED" || body["retryAfter"] != float64(retryAfter) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestIdentity_AnonymousIsFreeTier(t *testing.T) {
	r := gin.New()
	r.GET("/", Identity(), func(c *gin.Context) {
		c.String(http.StatusOK, string(UserTier(c)))
	})

	cases := []struct {
		name    string
		userID  string
		tierHdr string
		want    tier.Name
	}{
		{"anonymous ignores tier header", "", "enterprise", tier.Free},
		{"known user", "u1", "Enterprise", tier.Enterprise},
		{"unknown tier", "u1", "platinum", tier.Free},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(HeaderUserID, tc.userID)
			req.Header.Set(HeaderUserTier, tc.tierHdr)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if got := tier.Name(w.Body.String()); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRequestID_PropagatesOrGenerates(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextRequestID))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Body.String() != "req-123" || w.Header().Get(HeaderRequestID) != "req-123" {
		t.Fatalf("expected propagated request id, got body %q header %q", w.Body.String(), w.Header().Get(HeaderRequestID))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Body.String() == "" || w.Body.String() != w.Header().Get(HeaderRequestID) {
		t.Fatalf("expected generated request id, got %q", w.Body.String())
	}
}

func TestRecovery_ReturnsErrorEnvelope(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/", func(c *gin.Context) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "INTERNAL_ERROR" || body["message"] != "Internal Server Error" {
		t.Fatalf("unexpected body: %v", body)
	}
}
