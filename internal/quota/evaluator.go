// Package quota derives admission decisions from the usage ledger and the
// tier policy table. It never persists state of its own.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ledger"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/metrics"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// UsageSource answers ledger queries. *ledger.Ledger satisfies it.
type UsageSource interface {
	Query(ctx context.Context, filter ledger.Filter) ([]models.UsageRecord, error)
}

// Request is one action to evaluate.
type Request struct {
	UserID string
	Tier   tier.Name
	Action models.ActionType
	// TokensRequired is an explicit per-request token requirement declared
	// by the caller. Nil means none was declared.
	TokensRequired   *int
	RequiredFeatures []tier.Feature
}

// Usage counts successful records inside the current windows.
type Usage struct {
	MonthlyPrompts          int `json:"monthlyPrompts"`
	MonthlyEnrichments      int `json:"monthlyEnrichments"`
	MonthlyEnrichmentTokens int `json:"monthlyEnrichmentTokens"`
	HourlyPrompts           int `json:"hourlyPrompts"`
	DailyAPICalls           int `json:"dailyApiCalls"`
}

// Remaining is max(0, limit - used) for every counted dimension. It does not
// include the request being evaluated.
type Remaining struct {
	MonthlyPrompts     int `json:"monthlyPrompts"`
	MonthlyEnrichments int `json:"monthlyEnrichments"`
	HourlyPrompts      int `json:"hourlyPrompts"`
	DailyAPICalls      int `json:"dailyApiCalls"`
}

// ResetDates are the exclusive upper bounds of each window.
type ResetDates struct {
	Monthly time.Time `json:"monthly"`
	Hourly  time.Time `json:"hourly"`
	Daily   time.Time `json:"daily"`
}

// Decision is the outcome of an evaluation. It doubles as the quotaInfo
// payload of a denial.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason,omitempty"`
	Tier       tier.Name   `json:"tier"`
	Limits     tier.Policy `json:"limits"`
	Usage      Usage       `json:"usage"`
	Remaining  Remaining   `json:"remaining"`
	ResetDates ResetDates  `json:"resetDates"`

	// RetryAfter is the number of seconds until the violated window resets.
	// Zero when waiting does not lift the denial.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// Evaluator checks an action against its tier's quotas.
type Evaluator struct {
	source  UsageSource
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Metrics
}

func NewEvaluator(source UsageSource, loc *time.Location, nowFn func() time.Time, m *metrics.Metrics) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Evaluator{
		source:  source,
		loc:     loc,
		now:     nowFn,
		metrics: m,
	}
}

// Evaluate decides whether req may proceed. Checks run in a fixed order and
// the first violation wins: feature gate, monthly cap, hourly cap, daily API
// cap, declared token requirement.
//
// A ledger failure is treated as zero usage (fail open) and logged; Evaluate
// itself never fails.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Decision {
	policy := tier.PolicyFor(string(req.Tier))
	now := e.now()
	d := e.snapshot(ctx, req.UserID, policy, now)

	if reason, resetAt := check(req, policy, d.Usage, d.ResetDates); reason != "" {
		d.Allowed = false
		d.Reason = reason
		if !resetAt.IsZero() {
			d.RetryAfter = secondsUntil(now, resetAt)
		}
	}

	e.metrics.QuotaDecision(string(policy.Tier), string(req.Action), d.Allowed)
	if !d.Allowed {
		log.WithFields(log.Fields{
			"user_id": req.UserID,
			"tier":    policy.Tier,
			"action":  req.Action,
		}).Info("quota: denied: ", d.Reason)
	}
	return d
}

// Snapshot returns the user's current usage and remaining quota without
// evaluating an action.
func (e *Evaluator) Snapshot(ctx context.Context, userID string, name tier.Name) Decision {
	return e.snapshot(ctx, userID, tier.PolicyFor(string(name)), e.now())
}

func (e *Evaluator) snapshot(ctx context.Context, userID string, policy tier.Policy, now time.Time) Decision {
	windows := WindowsAt(now, e.loc)

	usage, err := e.loadUsage(ctx, userID, windows)
	if err != nil {
		e.metrics.QuotaStoreError()
		log.WithError(err).WithField("user_id", userID).Error("quota: usage query failed, treating usage as zero")
		usage = Usage{}
	}

	return Decision{
		Allowed: true,
		Tier:    policy.Tier,
		Limits:  policy,
		Usage:   usage,
		Remaining: Remaining{
			MonthlyPrompts:     remaining(policy.MonthlyPrompts, usage.MonthlyPrompts),
			MonthlyEnrichments: remaining(policy.MonthlyEnrichments, usage.MonthlyEnrichments),
			HourlyPrompts:      remaining(policy.MaxPromptsPerHour, usage.HourlyPrompts),
			DailyAPICalls:      remaining(policy.DailyAPICalls, usage.DailyAPICalls),
		},
		ResetDates: ResetDates{
			Monthly: windows.Month.End,
			Hourly:  windows.Hour.End,
			Daily:   windows.Day.End,
		},
	}
}

var promptActions = []models.ActionType{models.ActionPromptGeneration, models.ActionEnhancement}

// usageColumns are the only record fields the aggregates read.
var usageColumns = []string{"action_type", "tokens_used"}

// loadUsage runs the three window queries concurrently.
func (e *Evaluator) loadUsage(ctx context.Context, userID string, w Windows) (Usage, error) {
	var monthly, hourly, daily []models.UsageRecord

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		monthly, err = e.source.Query(gctx, ledger.Filter{
			UserID: userID, Actions: promptActions, SuccessOnly: true,
			From: w.Month.Start, To: w.Month.End, Columns: usageColumns,
		})
		return err
	})
	g.Go(func() error {
		var err error
		hourly, err = e.source.Query(gctx, ledger.Filter{
			UserID: userID, Actions: promptActions, SuccessOnly: true,
			From: w.Hour.Start, To: w.Hour.End, Columns: usageColumns,
		})
		return err
	})
	g.Go(func() error {
		var err error
		daily, err = e.source.Query(gctx, ledger.Filter{
			UserID: userID, Actions: []models.ActionType{models.ActionAPICall}, SuccessOnly: true,
			From: w.Day.Start, To: w.Day.End, Columns: usageColumns,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return Usage{}, fmt.Errorf("load usage for %s: %w", userID, err)
	}

	var u Usage
	for _, rec := range monthly {
		switch rec.ActionType {
		case models.ActionPromptGeneration:
			u.MonthlyPrompts++
		case models.ActionEnhancement:
			u.MonthlyEnrichments++
			u.MonthlyEnrichmentTokens += rec.TokensUsed
		}
	}
	u.HourlyPrompts = len(hourly)
	u.DailyAPICalls = len(daily)
	return u, nil
}

// check returns the first violated limit and, for windowed caps, when that
// window resets.
func check(req Request, policy tier.Policy, u Usage, resets ResetDates) (string, time.Time) {
	required := req.RequiredFeatures
	if req.Action == models.ActionAPICall {
		required = append([]tier.Feature{tier.FeatureAPIAccess}, required...)
	}
	for _, f := range required {
		if !policy.Has(f) {
			return fmt.Sprintf("%s requires upgrade", f), time.Time{}
		}
	}

	switch req.Action {
	case models.ActionPromptGeneration:
		if u.MonthlyPrompts >= policy.MonthlyPrompts {
			return fmt.Sprintf("Monthly prompt limit of %d reached", policy.MonthlyPrompts), resets.Monthly
		}
	case models.ActionEnhancement:
		if u.MonthlyEnrichments >= policy.MonthlyEnrichments {
			return fmt.Sprintf("Monthly enrichment limit of %d reached", policy.MonthlyEnrichments), resets.Monthly
		}
	}

	if req.Action == models.ActionPromptGeneration || req.Action == models.ActionEnhancement {
		if u.HourlyPrompts >= policy.MaxPromptsPerHour {
			return fmt.Sprintf("Hourly limit of %d prompts reached", policy.MaxPromptsPerHour), resets.Hourly
		}
	}

	if req.Action == models.ActionAPICall && u.DailyAPICalls >= policy.DailyAPICalls {
		return fmt.Sprintf("Daily API call limit of %d reached", policy.DailyAPICalls), resets.Daily
	}

	if req.TokensRequired != nil && *req.TokensRequired > policy.MaxTokensPerRequest {
		return fmt.Sprintf("Request requires %d tokens, exceeding the per-request limit of %d",
			*req.TokensRequired, policy.MaxTokensPerRequest), time.Time{}
	}

	return "", time.Time{}
}

func remaining(limit, used int) int {
	return max(0, limit-used)
}

// secondsUntil rounds up so a client never retries before the reset.
func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 1
	}
	return int((d + time.Second - 1) / time.Second)
}
