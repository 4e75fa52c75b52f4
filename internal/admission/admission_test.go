package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/promptgate/promptgate/internal/challenge"
	"github.com/promptgate/promptgate/internal/costs"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
	"github.com/promptgate/promptgate/internal/verification"
)

type fixture struct {
	store      *store.MemoryStore
	accessor   *settings.Accessor
	challenges *challenge.Manager
	pipeline   *Pipeline
	now        time.Time
}

// newFixture wires a full pipeline on the in-memory store. vendorEndpoint
// may be empty, in which case every request verifies.
func newFixture(t *testing.T, vendorEndpoint string) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		now:   time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}
	nowFn := func() time.Time { return f.now }
	f.store.SetNowFunc(nowFn)
	f.accessor = settings.NewAccessor(f.store, true)
	f.challenges = challenge.NewManager(f.store, f.accessor, nowFn)

	verifier := verification.NewAdapter(vendorEndpoint, "secret", nil, f.store, f.accessor)
	throttle := costs.NewThrottle(f.store, f.accessor, nowFn)
	limiter := ratelimit.NewLimiter(f.store, f.accessor, nowFn)
	f.pipeline = NewPipeline(verifier, f.challenges, throttle, limiter)

	// Tests issue challenges back to back.
	f.setConfig(t, settings.IssueMinIntervalSecondsKey, 0)
	return f
}

func (f *fixture) setConfig(t *testing.T, key string, value int64) {
	t.Helper()
	raw, _ := json.Marshal(value)
	if errSet := f.accessor.SetValue(context.Background(), key, raw); errSet != nil {
		t.Fatalf("set %s: %v", key, errSet)
	}
}

func (f *fixture) issue(t *testing.T, identity string) string {
	t.Helper()
	issued, errIssue := f.challenges.Issue(context.Background(), identity)
	if errIssue != nil {
		t.Fatalf("issue: %v", errIssue)
	}
	return issued.ID
}

func (f *fixture) admit(t *testing.T, req Request) Decision {
	t.Helper()
	decision, errAdmit := f.pipeline.Admit(context.Background(), req)
	if errAdmit != nil {
		t.Fatalf("admit: %v", errAdmit)
	}
	return decision
}

func TestAdmitHappyPath(t *testing.T) {
	f := newFixture(t, "")
	decision := f.admit(t, Request{
		Identity:       "abc",
		ChallengeID:    f.issue(t, "abc"),
		EstimateMicros: 5000,
	})
	if !decision.Admitted {
		t.Fatalf("denied: %s %s", decision.Reason, decision.Message)
	}
	if decision.Tier != ratelimit.TierNormal {
		t.Fatalf("tier %v, want normal", decision.Tier)
	}
}

func TestAdmitMissingChallenge(t *testing.T) {
	f := newFixture(t, "")
	decision := f.admit(t, Request{Identity: "abc", ChallengeID: "bogus"})
	if decision.Admitted || decision.Reason != ReasonChallengeMissing {
		t.Fatalf("decision %+v, want challenge_missing", decision)
	}
}

func TestAdmitWrongOwnerChallenge(t *testing.T) {
	f := newFixture(t, "")
	id := f.issue(t, "abc")
	decision := f.admit(t, Request{Identity: "mallory", ChallengeID: id})
	if decision.Admitted || decision.Reason != ReasonChallengeWrongOwner {
		t.Fatalf("decision %+v, want challenge_wrong_owner", decision)
	}
}

func TestAdmitChallengeConsumedExactlyOnce(t *testing.T) {
	f := newFixture(t, "")
	id := f.issue(t, "abc")

	if decision := f.admit(t, Request{Identity: "abc", ChallengeID: id, EstimateMicros: 100}); !decision.Admitted {
		t.Fatalf("first use denied: %s", decision.Reason)
	}
	decision := f.admit(t, Request{Identity: "abc", ChallengeID: id, EstimateMicros: 100})
	if decision.Admitted || decision.Reason != ReasonChallengeMissing {
		t.Fatalf("decision %+v, want challenge_missing on replay", decision)
	}
}

func TestAdmitCostBeforeRateLimit(t *testing.T) {
	f := newFixture(t, "")
	f.setConfig(t, settings.CostWindowThresholdMicrosKey, 1000)
	f.setConfig(t, settings.IdentityPerMinuteKey, 1)

	// Fill the cost window, then exhaust the rate window.
	if decision := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 1000}); !decision.Admitted {
		t.Fatalf("denied: %s", decision.Reason)
	}

	// Both the cost throttle and the identity rate limit would now deny;
	// the cost stage runs first.
	decision := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 1000})
	if decision.Reason != ReasonCostSoftThrottle {
		t.Fatalf("reason %s, want cost_soft_throttle", decision.Reason)
	}
	if decision.RetryAfter <= 0 {
		t.Fatal("soft throttle should carry a retry hint")
	}
}

func TestAdmitIdentityBeforeGlobal(t *testing.T) {
	f := newFixture(t, "")
	f.setConfig(t, settings.IdentityPerMinuteKey, 1)
	f.setConfig(t, settings.GlobalPerMinuteKey, 1)

	if decision := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 100}); !decision.Admitted {
		t.Fatalf("denied: %s", decision.Reason)
	}
	decision := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 100})
	if decision.Reason != ReasonRateLimitedIdentity {
		t.Fatalf("reason %s, want rate_limited_identity", decision.Reason)
	}
}

func TestAdmitGlobalAcrossIdentities(t *testing.T) {
	f := newFixture(t, "")
	f.setConfig(t, settings.GlobalPerMinuteKey, 1)

	if decision := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 100}); !decision.Admitted {
		t.Fatalf("denied: %s", decision.Reason)
	}
	// A different identity under its own limit still trips the aggregate.
	decision := f.admit(t, Request{Identity: "def", ChallengeID: f.issue(t, "def"), EstimateMicros: 100})
	if decision.Reason != ReasonRateLimitedGlobal {
		t.Fatalf("reason %s, want rate_limited_global", decision.Reason)
	}
}

func TestAdmitDeniedStageLeavesEarlierCountersSpent(t *testing.T) {
	f := newFixture(t, "")
	f.setConfig(t, settings.GlobalPerMinuteKey, 1)

	f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 100})
	id := f.issue(t, "def")
	decision := f.admit(t, Request{Identity: "def", ChallengeID: id, EstimateMicros: 100})
	if decision.Reason != ReasonRateLimitedGlobal {
		t.Fatalf("reason %s, want rate_limited_global", decision.Reason)
	}

	// The challenge consumed by the denied attempt stays consumed.
	replay := f.admit(t, Request{Identity: "def", ChallengeID: id, EstimateMicros: 100})
	if replay.Reason != ReasonChallengeMissing {
		t.Fatalf("reason %s, want challenge_missing", replay.Reason)
	}
}

func TestVendorOutageNeverErrors(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(vendor.Close)

	f := newFixture(t, vendor.URL)
	ctx := context.Background()

	// With the vendor failing for every request, outcomes are strict-tier
	// admissions or rate-limit denials, never pipeline errors.
	f.setConfig(t, settings.IdentityPerMinuteKey, 20)
	f.setConfig(t, settings.StrictTierDivisorKey, 10)

	seen := map[Reason]int{}
	for i := 0; i < 5; i++ {
		decision, errAdmit := f.pipeline.Admit(ctx, Request{
			Identity:          "abc",
			ChallengeID:       f.issue(t, "abc"),
			VerificationToken: "tok",
			EstimateMicros:    100,
		})
		if errAdmit != nil {
			t.Fatalf("request %d: pipeline error %v", i, errAdmit)
		}
		if decision.Tier != ratelimit.TierStrict {
			t.Fatalf("request %d: tier %v, want strict", i, decision.Tier)
		}
		seen[decision.Reason]++
	}
	// 20/10 = 2 strict requests per minute; the rest are rate limited.
	if seen[""] != 2 {
		t.Fatalf("strict admissions %d, want 2 (reasons: %v)", seen[""], seen)
	}
	if seen[ReasonRateLimitedIdentity] != 3 {
		t.Fatalf("strict denials %d, want 3 (reasons: %v)", seen[ReasonRateLimitedIdentity], seen)
	}
}

func TestStrictMarkerPersistsAcrossRequests(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success": false}`))
	}))
	t.Cleanup(vendor.Close)
	f := newFixture(t, vendor.URL)

	// First request is rejected by the vendor and marks the identity.
	first := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), VerificationToken: "bad", EstimateMicros: 100})
	if first.Tier != ratelimit.TierStrict {
		t.Fatalf("tier %v, want strict", first.Tier)
	}

	// A later request without any token stays strict because of the marker.
	second := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 100})
	if second.Tier != ratelimit.TierStrict {
		t.Fatalf("tier %v, want strict from marker", second.Tier)
	}
}

func TestReportCostFeedsLedger(t *testing.T) {
	f := newFixture(t, "")
	f.setConfig(t, settings.CostWindowThresholdMicrosKey, 10000)
	ctx := context.Background()

	if decision := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 5000}); !decision.Admitted {
		t.Fatalf("denied: %s", decision.Reason)
	}
	// Actual bill doubles the estimate; the next request sees the sum over
	// the threshold.
	if errReport := f.pipeline.ReportCost(ctx, "abc", 5000, 10000); errReport != nil {
		t.Fatalf("report cost: %v", errReport)
	}
	decision := f.admit(t, Request{Identity: "abc", ChallengeID: f.issue(t, "abc"), EstimateMicros: 5000})
	if decision.Reason != ReasonCostSoftThrottle {
		t.Fatalf("reason %s, want cost_soft_throttle", decision.Reason)
	}
}
