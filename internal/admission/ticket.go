package admission

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/quota"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ratelimit"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	log "github.com/sirupsen/logrus"
)

const (
	HeaderQuotaTier                = "X-Quota-Tier"
	HeaderMonthlyPromptsRemaining  = "X-Quota-Monthly-Prompts-Remaining"
	HeaderMonthlyEnrichmentsRemain = "X-Quota-Monthly-Enrichments-Remaining"
	HeaderHourlyRemaining          = "X-Quota-Hourly-Remaining"
	HeaderDailyAPICallsRemaining   = "X-Quota-Daily-Api-Calls-Remaining"
	HeaderResetMonthly             = "X-Quota-Reset-Monthly"
	HeaderRateLimitLimit           = "X-RateLimit-Limit"
	HeaderRateLimitRemaining       = "X-RateLimit-Remaining"
	HeaderRateLimitReset           = "X-RateLimit-Reset"
	HeaderTokenEstimate            = "X-Token-Estimate"
)

// Result is the outcome of the guarded action.
type Result struct {
	Success    bool
	TokensUsed int
	Body       any
}

// Ticket is an admitted action. Its usage is recorded exactly once, by
// whichever of Finalize or Settle runs first.
type Ticket struct {
	pipeline *Pipeline
	subject  string
	action   models.ActionType
	endpoint string
	policy   tier.Policy
	decision quota.Decision
	rate     ratelimit.Result
	estimate int

	once sync.Once
}

func (t *Ticket) Decision() quota.Decision { return t.decision }

func (t *Ticket) Policy() tier.Policy { return t.policy }

func (t *Ticket) Estimate() int { return t.estimate }

// Headers are the quota and rate limit headers of a successful response.
func (t *Ticket) Headers() http.Header {
	h := http.Header{}
	h.Set(HeaderQuotaTier, string(t.decision.Tier))
	h.Set(HeaderMonthlyPromptsRemaining, strconv.Itoa(t.decision.Remaining.MonthlyPrompts))
	h.Set(HeaderMonthlyEnrichmentsRemain, strconv.Itoa(t.decision.Remaining.MonthlyEnrichments))
	h.Set(HeaderHourlyRemaining, strconv.Itoa(t.decision.Remaining.HourlyPrompts))
	h.Set(HeaderDailyAPICallsRemaining, strconv.Itoa(t.decision.Remaining.DailyAPICalls))
	h.Set(HeaderResetMonthly, t.decision.ResetDates.Monthly.UTC().Format(time.RFC3339))
	if t.rate.Limit > 0 {
		h.Set(HeaderRateLimitLimit, strconv.Itoa(t.rate.Limit))
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(t.rate.Remaining))
		h.Set(HeaderRateLimitReset, strconv.FormatInt(t.rate.Reset.Unix(), 10))
	}
	h.Set(HeaderTokenEstimate, strconv.Itoa(t.estimate))
	return h
}

// Finalize applies the post-call token cap to a completed action and records
// its usage. When the actual token count exceeds the tier's per-call cap the
// result is replaced by *apierr.TokenCapExceededError and the usage is
// recorded as unsuccessful. The upstream call has already happened; the cap
// only changes what the caller sees.
func (t *Ticket) Finalize(res Result) (Result, error) {
	if err := t.pipeline.budgeter.Enforce(res.TokensUsed, t.policy); err != nil {
		t.pipeline.metrics.TokenCapExceeded(string(t.policy.Tier))
		log.WithFields(log.Fields{
			"user_id":  t.subject,
			"endpoint": t.endpoint,
			"tokens":   res.TokensUsed,
		}).Warn("admission: token cap exceeded")
		t.record(false, res.TokensUsed)
		return Result{}, err
	}
	t.record(res.Success, res.TokensUsed)
	return res, nil
}

// Settle records usage without token information. It is a no-op once the
// ticket has been finalized.
func (t *Ticket) Settle(success bool) {
	t.record(success, 0)
}

func (t *Ticket) record(success bool, tokensUsed int) {
	t.once.Do(func() {
		if t.pipeline.recorder == nil {
			return
		}
		t.pipeline.recorder.Record(models.UsageRecord{
			UserID:          t.subject,
			ActionType:      t.action,
			Success:         success,
			TokensUsed:      tokensUsed,
			EstimatedTokens: t.estimate,
			Endpoint:        t.endpoint,
		})
	})
}
