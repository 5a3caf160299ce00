// Package admission runs every guarded action through rate limiting, quota
// evaluation and token budgeting, and records its usage once it completes.
package admission

import (
	"context"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/apierr"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/metrics"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/quota"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ratelimit"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tier"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tokens"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Limiter interface {
	Allow(ctx context.Context, key ratelimit.Key, rule ratelimit.Rule) (ratelimit.Result, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, req quota.Request) quota.Decision
}

// Recorder accepts usage records without blocking. *ledger.Ledger satisfies it.
type Recorder interface {
	Record(rec models.UsageRecord)
}

// Request is one inbound guarded action. An empty UserID marks an anonymous
// caller, who is identified by IPAddress instead.
type Request struct {
	UserID           string
	Tier             tier.Name
	Action           models.ActionType
	IPAddress        string
	Endpoint         string
	TokensRequired   *int
	Payload          []byte
	RequiredFeatures []tier.Feature
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Limiter   Limiter
	Rules     ratelimit.Rules
	Evaluator Evaluator
	Budgeter  *tokens.Budgeter
	Recorder  Recorder
	Metrics   *metrics.Metrics
}

type Pipeline struct {
	limiter   Limiter
	rules     ratelimit.Rules
	evaluator Evaluator
	budgeter  *tokens.Budgeter
	recorder  Recorder
	metrics   *metrics.Metrics
}

func NewPipeline(deps Deps) *Pipeline {
	budgeter := deps.Budgeter
	if budgeter == nil {
		budgeter = tokens.NewBudgeter(0)
	}
	return &Pipeline{
		limiter:   deps.Limiter,
		rules:     deps.Rules,
		evaluator: deps.Evaluator,
		budgeter:  budgeter,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
	}
}

// Admit decides whether req may run. On success the returned Ticket must be
// finalized or settled once the action completes. Errors are
// *apierr.RateLimitError, *apierr.QuotaExceededError or
// *apierr.StoreUnavailableError; a rate limit outcome takes precedence over
// a quota denial.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Ticket, error) {
	start := time.Now()
	defer func() { p.metrics.AdmitDuration(time.Since(start)) }()

	policy := tier.PolicyFor(string(req.Tier))
	subject, idType := identify(req)
	estimate := p.estimate(req)

	var (
		rate     ratelimit.Result
		rateErr  error
		decision quota.Decision
	)

	var g errgroup.Group
	g.Go(func() error {
		rate, rateErr = p.limiter.Allow(ctx, ratelimit.Key{
			Identifier: subject,
			Type:       idType,
			Endpoint:   req.Endpoint,
		}, p.rules.For(req.Endpoint))
		return nil
	})
	g.Go(func() error {
		decision = p.evaluator.Evaluate(ctx, quota.Request{
			UserID:           subject,
			Tier:             policy.Tier,
			Action:           req.Action,
			TokensRequired:   req.TokensRequired,
			RequiredFeatures: req.RequiredFeatures,
		})
		return nil
	})
	_ = g.Wait()

	if rateErr != nil {
		return nil, rateErr
	}
	if !rate.Allowed {
		return nil, &apierr.RateLimitError{
			Endpoint:   req.Endpoint,
			Limit:      rate.Limit,
			RetryAfter: rate.RetryAfter,
			Reset:      rate.Reset,
		}
	}
	if !decision.Allowed {
		return nil, &apierr.QuotaExceededError{
			Reason:     decision.Reason,
			QuotaInfo:  decision,
			RetryAfter: decision.RetryAfter,
		}
	}

	return &Ticket{
		pipeline: p,
		subject:  subject,
		action:   req.Action,
		endpoint: req.Endpoint,
		policy:   policy,
		decision: decision,
		rate:     rate,
		estimate: estimate,
	}, nil
}

func (p *Pipeline) estimate(req Request) int {
	if len(req.Payload) == 0 {
		return 0
	}
	n, err := p.budgeter.EstimatePayload(req.Payload)
	if err != nil {
		log.WithError(err).WithField("endpoint", req.Endpoint).Warn("admission: token estimate failed, continuing with 0")
		return 0
	}
	p.metrics.TokenEstimate(n)
	return n
}

func identify(req Request) (string, models.IdentifierType) {
	if req.UserID != "" {
		return req.UserID, models.IdentifierUser
	}
	return "ip:" + req.IPAddress, models.IdentifierIP
}
