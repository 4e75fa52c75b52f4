// Package ratelimit enforces sliding-window request limits at two scopes,
// per-identity and global, each over minute and hour windows kept as ordered
// sets in the counter store.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
)

// Tier selects which limit constants apply to a request.
type Tier int

const (
	// TierNormal applies the configured limits as-is.
	TierNormal Tier = iota
	// TierStrict divides the limits by the configured divisor, used when
	// bot verification cannot be confirmed.
	TierStrict
)

// Scope indicates which dimension a limit applies to.
type Scope int

const (
	// ScopeIdentity limits a single tracked identity.
	ScopeIdentity Scope = iota
	// ScopeGlobal limits the aggregate across all identities.
	ScopeGlobal
)

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

type window struct {
	key    string
	length time.Duration
	limit  int
}

// Limiter checks and records sliding-window counters in the counter store.
type Limiter struct {
	store    store.CounterStore
	settings *settings.Accessor
	nowFn    func() time.Time
}

// NewLimiter constructs a Limiter with default dependencies when nil.
func NewLimiter(counterStore store.CounterStore, accessor *settings.Accessor, nowFn func() time.Time) *Limiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Limiter{store: counterStore, settings: accessor, nowFn: nowFn}
}

// Allow evaluates both granularities for the scope. Entries are added only
// after every granularity passes, but a denial by a later pipeline stage
// does not roll entries back; the resulting slight over-count is a
// deliberate conservative bias.
func (l *Limiter) Allow(ctx context.Context, scope Scope, identity string, tier Tier) (Result, error) {
	now := l.nowFn()
	windows := l.windows(ctx, scope, identity, tier)

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		res, errCheck := l.check(ctx, w, now)
		if errCheck != nil {
			return Result{}, errCheck
		}
		if !res.Allowed {
			return res, nil
		}
	}
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString()
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		entry := store.Member{Score: scoreAt(now), Member: member}
		if errAdd := l.store.ZAdd(ctx, w.key, entry, w.length); errAdd != nil {
			return Result{}, errAdd
		}
	}
	return Result{Allowed: true}, nil
}

// check prunes entries older than the window, then compares the surviving
// count against the limit and derives a retry hint from the oldest survivor.
func (l *Limiter) check(ctx context.Context, w window, now time.Time) (Result, error) {
	cutoff := scoreAt(now.Add(-w.length))
	if errPrune := l.store.ZRemRangeByScore(ctx, w.key, 0, cutoff); errPrune != nil {
		return Result{}, errPrune
	}
	count, errCount := l.store.ZCard(ctx, w.key)
	if errCount != nil {
		return Result{}, errCount
	}
	if count < int64(w.limit) {
		return Result{Allowed: true}, nil
	}
	retryAfter := w.length
	if oldest, errOldest := l.store.ZRangeWithScores(ctx, w.key, 0, 0); errOldest == nil && len(oldest) > 0 {
		freesAt := oldest[0].Score + w.length.Seconds() - scoreAt(now)
		if freesAt < 0 {
			freesAt = 0
		}
		retryAfter = time.Duration(math.Ceil(freesAt)) * time.Second
	}
	return Result{Allowed: false, RetryAfter: retryAfter}, nil
}

// windows resolves the active limits for a scope at the given tier.
func (l *Limiter) windows(ctx context.Context, scope Scope, identity string, tier Tier) []window {
	var perMinute, perHour int
	var minuteKey, hourKey string
	switch scope {
	case ScopeGlobal:
		perMinute = l.settings.GlobalPerMinute(ctx)
		perHour = l.settings.GlobalPerHour(ctx)
		minuteKey = "rate:global:m"
		hourKey = "rate:global:h"
	default:
		perMinute = l.settings.IdentityPerMinute(ctx)
		perHour = l.settings.IdentityPerHour(ctx)
		minuteKey = "rate:id:" + identity + ":m"
		hourKey = "rate:id:" + identity + ":h"
	}
	if tier == TierStrict {
		divisor := l.settings.StrictTierDivisor(ctx)
		perMinute = tighten(perMinute, divisor)
		perHour = tighten(perHour, divisor)
	}
	return []window{
		{key: minuteKey, length: time.Minute, limit: perMinute},
		{key: hourKey, length: time.Hour, limit: perHour},
	}
}

// tighten divides a limit for the strict tier, never below one request.
func tighten(limit, divisor int) int {
	if limit <= 0 {
		return limit
	}
	tightened := limit / divisor
	if tightened < 1 {
		tightened = 1
	}
	return tightened
}

// scoreAt renders a timestamp as a fractional-second sort score.
func scoreAt(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
