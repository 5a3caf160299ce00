package quota

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ledger"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
)

type storeSource struct {
	store *ledger.MemoryStore
}

func (s storeSource) Query(ctx context.Context, f ledger.Filter) ([]models.UsageRecord, error) {
	return s.store.Find(ctx, f)
}

type failingSource struct{}

func (failingSource) Query(context.Context, ledger.Filter) ([]models.UsageRecord, error) {
	return nil, errors.New("database is locked")
}

// 2025-03-15 12:30 UTC
var testNow = time.Date(2025, 3, 15, 12, 30, 0, 0, time.UTC)

func newTestEvaluator(t *testing.T, now time.Time) (*Evaluator, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	return NewEvaluator(storeSource{store}, time.UTC, func() time.Time { return now }, nil), store
}

func seed(t *testing.T, store *ledger.MemoryStore, n int, rec models.UsageRecord, step time.Duration) {
	t.Helper()
	records := make([]models.UsageRecord, n)
	for i := range records {
		r := rec
		r.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * step)
		records[i] = r
	}
	if err := store.Insert(context.Background(), records); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func intPtr(v int) *int { return &v }

func TestEvaluate_MonthlyPromptCap(t *testing.T) {
	tests := []struct {
		name    string
		used    int
		allowed bool
	}{
		{"99 used allows the 100th", 99, true},
		{"100 used denies the 101st", 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, store := newTestEvaluator(t, testNow)
			// spread over the first days of the month so the hourly cap stays clear
			seed(t, store, tt.used, models.UsageRecord{
				UserID: "u1", ActionType: models.ActionPromptGeneration, Success: true,
				CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			}, time.Hour)

			d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration})
			if d.Allowed != tt.allowed {
				t.Fatalf("expected allowed=%v, got %v (reason %q)", tt.allowed, d.Allowed, d.Reason)
			}
			if !tt.allowed && !strings.Contains(d.Reason, "100") {
				t.Fatalf("expected reason to mention the limit, got %q", d.Reason)
			}
			if d.Usage.MonthlyPrompts != tt.used {
				t.Fatalf("expected usage %d, got %d", tt.used, d.Usage.MonthlyPrompts)
			}
			if want := 100 - tt.used; d.Remaining.MonthlyPrompts != want {
				t.Fatalf("expected remaining %d, got %d", want, d.Remaining.MonthlyPrompts)
			}
		})
	}
}

func TestEvaluate_HourlyCap(t *testing.T) {
	tests := []struct {
		used    int
		allowed bool
	}{
		{8, true},
		{9, true},
		{10, false},
	}

	for _, tt := range tests {
		ev, store := newTestEvaluator(t, testNow)
		seed(t, store, tt.used, models.UsageRecord{
			UserID: "u1", ActionType: models.ActionPromptGeneration, Success: true,
			CreatedAt: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
		}, time.Minute)

		d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration})
		if d.Allowed != tt.allowed {
			t.Fatalf("%d used: expected allowed=%v, got %v (reason %q)", tt.used, tt.allowed, d.Allowed, d.Reason)
		}
		if !tt.allowed && !strings.Contains(d.Reason, "Hourly") {
			t.Fatalf("%d used: expected hourly reason, got %q", tt.used, d.Reason)
		}
	}
}

func TestEvaluate_HourlyCapCountsEnhancements(t *testing.T) {
	ev, store := newTestEvaluator(t, testNow)
	seed(t, store, 5, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionPromptGeneration, Success: true,
		CreatedAt: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}, time.Minute)
	seed(t, store, 5, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionEnhancement, Success: true,
		CreatedAt: time.Date(2025, 3, 15, 12, 10, 0, 0, time.UTC),
	}, time.Minute)

	d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration})
	if d.Allowed {
		t.Fatalf("expected hourly cap to include enhancements")
	}
	if d.Usage.HourlyPrompts != 10 {
		t.Fatalf("expected 10 hourly prompts, got %d", d.Usage.HourlyPrompts)
	}
}

func TestEvaluate_MonthBoundary(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 1, 0, time.UTC)
	ev, store := newTestEvaluator(t, now)
	seed(t, store, 100, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionPromptGeneration, Success: true,
		CreatedAt: time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC),
	}, 0)

	d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration})
	if !d.Allowed {
		t.Fatalf("expected January usage not to count in February, got %q", d.Reason)
	}
	if d.Usage.MonthlyPrompts != 0 || d.Usage.HourlyPrompts != 0 {
		t.Fatalf("expected zero usage, got %+v", d.Usage)
	}
	wantReset := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if !d.ResetDates.Monthly.Equal(wantReset) {
		t.Fatalf("expected monthly reset %v, got %v", wantReset, d.ResetDates.Monthly)
	}
}

func TestEvaluate_FailedRecordsNotCounted(t *testing.T) {
	ev, store := newTestEvaluator(t, testNow)
	seed(t, store, 20, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionPromptGeneration, Success: false,
		CreatedAt: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}, time.Second)

	d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration})
	if !d.Allowed || d.Usage.HourlyPrompts != 0 {
		t.Fatalf("expected failed records to be ignored, got %+v", d)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	ev, store := newTestEvaluator(t, testNow)
	seed(t, store, 7, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionEnhancement, Success: true, TokensUsed: 30,
		CreatedAt: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	}, time.Hour)

	req := Request{UserID: "u1", Tier: tier.Pro, Action: models.ActionEnhancement}
	first := ev.Evaluate(context.Background(), req)
	second := ev.Evaluate(context.Background(), req)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected identical decisions, got %+v and %+v", first, second)
	}
	if first.Usage.MonthlyEnrichments != 7 || first.Usage.MonthlyEnrichmentTokens != 210 {
		t.Fatalf("expected 7 enrichments and 210 tokens, got %+v", first.Usage)
	}
	if first.Remaining.MonthlyEnrichments != 193 {
		t.Fatalf("expected 193 remaining enrichments, got %d", first.Remaining.MonthlyEnrichments)
	}
}

func TestEvaluate_FailsOpenOnLedgerError(t *testing.T) {
	ev := NewEvaluator(failingSource{}, nil, func() time.Time { return testNow }, nil)

	d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration})
	if !d.Allowed {
		t.Fatalf("expected fail open, got denial %q", d.Reason)
	}
	if d.Usage != (Usage{}) {
		t.Fatalf("expected zero usage, got %+v", d.Usage)
	}
	if d.Remaining.MonthlyPrompts != 100 {
		t.Fatalf("expected full remaining quota, got %d", d.Remaining.MonthlyPrompts)
	}
}

func TestEvaluate_FeatureGate(t *testing.T) {
	ev, store := newTestEvaluator(t, testNow)
	// free user also over the monthly cap; the feature gate must win
	seed(t, store, 100, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionPromptGeneration, Success: true,
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}, time.Hour)

	d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Free, Action: models.ActionAPICall})
	if d.Allowed || d.Reason != "API access requires upgrade" {
		t.Fatalf("expected API access gate, got allowed=%v reason=%q", d.Allowed, d.Reason)
	}

	d = ev.Evaluate(context.Background(), Request{
		UserID: "u2", Tier: tier.Pro, Action: models.ActionSave,
		RequiredFeatures: []tier.Feature{tier.FeatureCustomModels},
	})
	if d.Allowed || d.Reason != "Custom models requires upgrade" {
		t.Fatalf("expected custom models gate, got allowed=%v reason=%q", d.Allowed, d.Reason)
	}
}

func TestEvaluate_DailyAPICap(t *testing.T) {
	ev, store := newTestEvaluator(t, testNow)
	seed(t, store, 1000, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionAPICall, Success: true,
		CreatedAt: time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
	}, time.Second)
	// yesterday's calls must not count
	seed(t, store, 5, models.UsageRecord{
		UserID: "u2", ActionType: models.ActionAPICall, Success: true,
		CreatedAt: time.Date(2025, 3, 14, 23, 0, 0, 0, time.UTC),
	}, time.Minute)

	d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Pro, Action: models.ActionAPICall})
	if d.Allowed || !strings.Contains(d.Reason, "1000") {
		t.Fatalf("expected daily cap denial, got allowed=%v reason=%q", d.Allowed, d.Reason)
	}

	d = ev.Evaluate(context.Background(), Request{UserID: "u2", Tier: tier.Pro, Action: models.ActionAPICall})
	if !d.Allowed || d.Usage.DailyAPICalls != 0 {
		t.Fatalf("expected previous day not counted, got %+v", d)
	}
}

func TestEvaluate_TokenRequirement(t *testing.T) {
	ev, _ := newTestEvaluator(t, testNow)

	d := ev.Evaluate(context.Background(), Request{
		UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration, TokensRequired: intPtr(2000),
	})
	if !d.Allowed {
		t.Fatalf("expected requirement equal to the limit to pass, got %q", d.Reason)
	}

	d = ev.Evaluate(context.Background(), Request{
		UserID: "u1", Tier: tier.Free, Action: models.ActionPromptGeneration, TokensRequired: intPtr(2001),
	})
	if d.Allowed || !strings.Contains(d.Reason, "2000") {
		t.Fatalf("expected token requirement denial, got allowed=%v reason=%q", d.Allowed, d.Reason)
	}
}

func TestEvaluate_UnknownTierFallsBackToFree(t *testing.T) {
	ev, _ := newTestEvaluator(t, testNow)

	d := ev.Evaluate(context.Background(), Request{UserID: "u1", Tier: "platinum", Action: models.ActionSave})
	if d.Tier != tier.Free {
		t.Fatalf("expected free tier, got %q", d.Tier)
	}
}

func TestSnapshot(t *testing.T) {
	ev, store := newTestEvaluator(t, testNow)
	seed(t, store, 3, models.UsageRecord{
		UserID: "u1", ActionType: models.ActionPromptGeneration, Success: true,
		CreatedAt: time.Date(2025, 3, 15, 12, 5, 0, 0, time.UTC),
	}, time.Minute)

	d := ev.Snapshot(context.Background(), "u1", tier.Pro)
	if !d.Allowed || d.Usage.MonthlyPrompts != 3 || d.Remaining.HourlyPrompts != 97 {
		t.Fatalf("unexpected snapshot: %+v", d)
	}
	if !d.ResetDates.Hourly.Equal(time.Date(2025, 3, 15, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected hourly reset %v", d.ResetDates.Hourly)
	}
	if !d.ResetDates.Daily.Equal(time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected daily reset %v", d.ResetDates.Daily)
	}
}

type filterCapture struct {
	mu      sync.Mutex
	filters []ledger.Filter
}

func (c *filterCapture) Query(_ context.Context, f ledger.Filter) ([]models.UsageRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
	return nil, nil
}

func TestEvaluate_LoadsOnlyAggregatedColumns(t *testing.T) {
	source := &filterCapture{}
	e := NewEvaluator(source, time.UTC, func() time.Time { return testNow }, nil)

	e.Evaluate(context.Background(), Request{UserID: "u1", Tier: tier.Enterprise, Action: models.ActionPromptGeneration})

	if len(source.filters) != 3 {
		t.Fatalf("expected 3 window queries, got %d", len(source.filters))
	}
	for _, f := range source.filters {
		if len(f.Columns) != 2 || f.Columns[0] != "action_type" || f.Columns[1] != "tokens_used" {
			t.Fatalf("expected narrowed columns, got %v", f.Columns)
		}
	}
}

func TestEvaluate_RetryAfterFollowsViolatedWindow(t *testing.T) {
	ev, store := newTestEvaluator(t, testNow)
	seed(t, store, 10, models.UsageRecord{
		UserID: "hourly", ActionType: models.ActionPromptGeneration, Success: true,
		CreatedAt: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC),
	}, time.Minute)
	seed(t, store, 100, models.UsageRecord{
		UserID: "monthly", ActionType: models.ActionPromptGeneration, Success: true,
		CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}, time.Hour)

	tests := []struct {
		name   string
		req    Request
		reason string
		want   int
	}{
		{"hourly cap resets at the top of the hour", Request{UserID: "hourly", Tier: tier.Free, Action: models.ActionPromptGeneration}, "Hourly limit of 10 prompts reached", 1800},
		{"monthly cap resets on the first of next month", Request{UserID: "monthly", Tier: tier.Free, Action: models.ActionPromptGeneration}, "Monthly prompt limit of 100 reached", 16*86400 + 11*3600 + 1800},
		{"feature gate has no reset", Request{UserID: "u1", Tier: tier.Free, Action: models.ActionAPICall}, "API access requires upgrade", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ev.Evaluate(context.Background(), tt.req)
			if d.Allowed || d.Reason != tt.reason {
				t.Fatalf("expected denial %q, got allowed=%v reason %q", tt.reason, d.Allowed, d.Reason)
			}
			if d.RetryAfter != tt.want {
				t.Fatalf("expected retryAfter %d, got %d", tt.want, d.RetryAfter)
			}
		})
	}
}
