// Package admission sequences the gate checks for each incoming request and
// produces a single admit/deny decision with a machine-readable reason.
package admission

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/promptgate/promptgate/internal/challenge"
	"github.com/promptgate/promptgate/internal/costs"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/verification"
)

// Reason identifies why a request was denied.
type Reason string

// Denial reasons returned to clients.
const (
	ReasonChallengeMissing    Reason = "challenge_missing"
	ReasonChallengeWrongOwner Reason = "challenge_wrong_owner"
	ReasonCostSoftThrottle    Reason = "cost_soft_throttle"
	ReasonCostDailyCap        Reason = "cost_daily_cap"
	ReasonRateLimitedIdentity Reason = "rate_limited_identity"
	ReasonRateLimitedGlobal   Reason = "rate_limited_global"
)

// Request carries everything the pipeline needs to decide admission.
type Request struct {
	Identity          string // Stable tracking identity.
	ChallengeID       string // One-time challenge accompanying the request.
	VerificationToken string // Optional bot-verification vendor token.
	EstimateMicros    int64  // Upper-bound cost estimate in micro-dollars.
}

// Decision is the terminal state of the admission state machine.
type Decision struct {
	Admitted   bool
	Reason     Reason
	Message    string
	RetryAfter time.Duration
	Tier       ratelimit.Tier
}

// Pipeline runs the admission stages in fixed order. Verification runs
// first because its outcome selects the rate-limit tier for later stages;
// each stage may short-circuit with a deny.
type Pipeline struct {
	verifier   *verification.Adapter
	challenges *challenge.Manager
	costs      *costs.Throttle
	limiter    *ratelimit.Limiter
}

// NewPipeline constructs a Pipeline from its stage components.
func NewPipeline(verifier *verification.Adapter, challenges *challenge.Manager, costThrottle *costs.Throttle, limiter *ratelimit.Limiter) *Pipeline {
	return &Pipeline{
		verifier:   verifier,
		challenges: challenges,
		costs:      costThrottle,
		limiter:    limiter,
	}
}

// Admit evaluates the request. A returned error means the counter store is
// unreachable; every enumerated denial is a Decision, never an error.
func (p *Pipeline) Admit(ctx context.Context, req Request) (Decision, error) {
	tier := ratelimit.TierNormal
	outcome := p.verifier.Verify(ctx, req.Identity, req.VerificationToken)
	if outcome != verification.Verified || p.verifier.IsStrict(ctx, req.Identity) {
		tier = ratelimit.TierStrict
	}
	if outcome != verification.Verified {
		log.WithFields(log.Fields{
			"identity": req.Identity,
			"outcome":  outcome.String(),
		}).Info("admission: strict tier selected")
	}

	if errValidate := p.challenges.Validate(ctx, req.Identity, req.ChallengeID); errValidate != nil {
		switch {
		case errors.Is(errValidate, challenge.ErrWrongOwner):
			return Decision{Reason: ReasonChallengeWrongOwner, Message: "challenge was issued to a different client", Tier: tier}, nil
		case errors.Is(errValidate, challenge.ErrMissing):
			return Decision{Reason: ReasonChallengeMissing, Message: "challenge is missing, expired, or already used", Tier: tier}, nil
		default:
			return Decision{}, errValidate
		}
	}

	costOutcome, errCost := p.costs.CheckAndRecord(ctx, req.Identity, req.EstimateMicros)
	if errCost != nil {
		return Decision{}, errCost
	}
	switch costOutcome.Verdict {
	case costs.HardThrottle:
		return Decision{Reason: ReasonCostDailyCap, Message: "daily spend limit reached", RetryAfter: costOutcome.RetryAfter, Tier: tier}, nil
	case costs.SoftThrottle:
		return Decision{Reason: ReasonCostSoftThrottle, Message: "spending too fast, slow down", RetryAfter: costOutcome.RetryAfter, Tier: tier}, nil
	}

	idResult, errIdentity := p.limiter.Allow(ctx, ratelimit.ScopeIdentity, req.Identity, tier)
	if errIdentity != nil {
		return Decision{}, errIdentity
	}
	if !idResult.Allowed {
		return Decision{Reason: ReasonRateLimitedIdentity, Message: "too many requests", RetryAfter: idResult.RetryAfter, Tier: tier}, nil
	}

	globalResult, errGlobal := p.limiter.Allow(ctx, ratelimit.ScopeGlobal, req.Identity, tier)
	if errGlobal != nil {
		return Decision{}, errGlobal
	}
	if !globalResult.Allowed {
		return Decision{Reason: ReasonRateLimitedGlobal, Message: "service is busy, try again shortly", RetryAfter: globalResult.RetryAfter, Tier: tier}, nil
	}

	return Decision{Admitted: true, Tier: tier}, nil
}

// ReportCost feeds the actual billed cost back into the spend ledgers after
// the protected pipeline completes.
func (p *Pipeline) ReportCost(ctx context.Context, identity string, estimateMicros, actualMicros int64) error {
	return p.costs.Reconcile(ctx, identity, estimateMicros, actualMicros)
}
