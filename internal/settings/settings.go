// Package settings resolves tunable admission parameters. Every read goes
// through the counter store before falling back to a compiled default, so
// horizontally scaled instances observe configuration changes immediately
// instead of serving stale values from a process-local cache.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/promptgate/promptgate/internal/store"
)

// Accessor reads dynamic configuration from the counter store on every call.
type Accessor struct {
	store      store.CounterStore
	production bool
}

// NewAccessor constructs an Accessor. The production flag selects the
// stricter compiled defaults where they differ by environment.
func NewAccessor(counterStore store.CounterStore, production bool) *Accessor {
	return &Accessor{store: counterStore, production: production}
}

// Production reports whether production defaults are active.
func (a *Accessor) Production() bool { return a.production }

// Value returns the raw stored value for key and whether it was present.
func (a *Accessor) Value(ctx context.Context, key string) (json.RawMessage, bool) {
	if a == nil || a.store == nil {
		return nil, false
	}
	raw, ok, errGet := a.store.Get(ctx, configKeyPrefix+key)
	if errGet != nil || !ok {
		return nil, false
	}
	return json.RawMessage(raw), true
}

// SetValue stores a raw value for key in the counter store.
func (a *Accessor) SetValue(ctx context.Context, key string, value json.RawMessage) error {
	return a.store.Set(ctx, configKeyPrefix+key, string(value), 0)
}

// DeleteValue removes a stored value, restoring the compiled default.
func (a *Accessor) DeleteValue(ctx context.Context, key string) error {
	return a.store.Delete(ctx, configKeyPrefix+key)
}

func (a *Accessor) intValue(ctx context.Context, key string, fallback int) int {
	raw, ok := a.Value(ctx, key)
	if !ok {
		return fallback
	}
	parsed, okParse := parseNonNegativeInt(raw)
	if !okParse {
		return fallback
	}
	return parsed
}

func (a *Accessor) secondsValue(ctx context.Context, key string, fallbackSeconds int) time.Duration {
	return time.Duration(a.intValue(ctx, key, fallbackSeconds)) * time.Second
}

// IssueMinInterval returns the minimum gap between challenge issuances.
func (a *Accessor) IssueMinInterval(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, IssueMinIntervalSecondsKey, DefaultIssueMinIntervalSeconds)
}

// MaxActiveChallenges returns the per-identity cap on unexpired challenges.
func (a *Accessor) MaxActiveChallenges(ctx context.Context) int {
	fallback := DefaultMaxActiveChallenges
	if !a.production {
		fallback = DefaultMaxActiveChallengesNonProd
	}
	return a.intValue(ctx, MaxActiveChallengesKey, fallback)
}

// ChallengeTTL returns the challenge lifetime.
func (a *Accessor) ChallengeTTL(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, ChallengeTTLSecondsKey, DefaultChallengeTTLSeconds)
}

// IssueBan returns the first-offense issuance ban duration.
func (a *Accessor) IssueBan(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, IssueBanSecondsKey, DefaultIssueBanSeconds)
}

// IssueBanRepeat returns the repeat-offense issuance ban duration.
func (a *Accessor) IssueBanRepeat(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, IssueBanRepeatSecondsKey, DefaultIssueBanRepeatSeconds)
}

// IssueBanLookback returns the window in which issuance violations escalate.
func (a *Accessor) IssueBanLookback(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, IssueBanLookbackSecondsKey, DefaultIssueBanLookbackSeconds)
}

// IdentityPerMinute returns the per-identity minute limit.
func (a *Accessor) IdentityPerMinute(ctx context.Context) int {
	return a.intValue(ctx, IdentityPerMinuteKey, DefaultIdentityPerMinute)
}

// IdentityPerHour returns the per-identity hour limit.
func (a *Accessor) IdentityPerHour(ctx context.Context) int {
	return a.intValue(ctx, IdentityPerHourKey, DefaultIdentityPerHour)
}

// GlobalPerMinute returns the aggregate minute limit.
func (a *Accessor) GlobalPerMinute(ctx context.Context) int {
	return a.intValue(ctx, GlobalPerMinuteKey, DefaultGlobalPerMinute)
}

// GlobalPerHour returns the aggregate hour limit.
func (a *Accessor) GlobalPerHour(ctx context.Context) int {
	return a.intValue(ctx, GlobalPerHourKey, DefaultGlobalPerHour)
}

// StrictTierDivisor returns the strict-tier tightening factor, never below 1.
func (a *Accessor) StrictTierDivisor(ctx context.Context) int {
	divisor := a.intValue(ctx, StrictTierDivisorKey, DefaultStrictTierDivisor)
	if divisor < 1 {
		divisor = 1
	}
	return divisor
}

// CostWindowThresholdMicros returns the rolling spend threshold in micro-dollars.
func (a *Accessor) CostWindowThresholdMicros(ctx context.Context) int64 {
	return int64(a.intValue(ctx, CostWindowThresholdMicrosKey, DefaultCostWindowThresholdMicros))
}

// CostWindow returns the rolling spend window length.
func (a *Accessor) CostWindow(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, CostWindowSecondsKey, DefaultCostWindowSeconds)
}

// CostDailyCapMicros returns the calendar-day spend cap in micro-dollars.
func (a *Accessor) CostDailyCapMicros(ctx context.Context) int64 {
	return int64(a.intValue(ctx, CostDailyCapMicrosKey, DefaultCostDailyCapMicros))
}

// CostThrottle returns the soft-throttle cooldown duration.
func (a *Accessor) CostThrottle(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, CostThrottleSecondsKey, DefaultCostThrottleSeconds)
}

// VerificationTimeout bounds the bot-verification vendor call.
func (a *Accessor) VerificationTimeout(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, VerificationTimeoutSecondsKey, DefaultVerificationTimeoutSeconds)
}

// StrictMarkerTTL returns how long an identity stays on the strict tier.
func (a *Accessor) StrictMarkerTTL(ctx context.Context) time.Duration {
	return a.secondsValue(ctx, StrictMarkerTTLSecondsKey, DefaultStrictMarkerTTLSeconds)
}

// RequestCostEstimateMicros returns the pre-flight cost estimate per request.
func (a *Accessor) RequestCostEstimateMicros(ctx context.Context) int64 {
	return int64(a.intValue(ctx, RequestCostEstimateMicrosKey, DefaultRequestCostEstimateMicros))
}

// KnownKeys lists every dynamic config key the admin surface may write.
var KnownKeys = map[string]struct{}{
	IssueMinIntervalSecondsKey:    {},
	MaxActiveChallengesKey:        {},
	ChallengeTTLSecondsKey:        {},
	IssueBanSecondsKey:            {},
	IssueBanRepeatSecondsKey:      {},
	IssueBanLookbackSecondsKey:    {},
	IdentityPerMinuteKey:          {},
	IdentityPerHourKey:            {},
	GlobalPerMinuteKey:            {},
	GlobalPerHourKey:              {},
	StrictTierDivisorKey:          {},
	CostWindowThresholdMicrosKey:  {},
	CostWindowSecondsKey:          {},
	CostDailyCapMicrosKey:         {},
	CostThrottleSecondsKey:        {},
	VerificationTimeoutSecondsKey: {},
	StrictMarkerTTLSecondsKey:     {},
	RequestCostEstimateMicrosKey:  {},
}

// ErrUnknownKey rejects writes to keys the pipeline does not consult.
var ErrUnknownKey = errors.New("settings: unknown key")

// ErrInvalidValue rejects values that do not parse as a non-negative integer.
var ErrInvalidValue = errors.New("settings: value must be a non-negative integer")

// ValidateValue checks that key is known and raw parses for it.
func ValidateValue(key string, raw json.RawMessage) error {
	if _, ok := KnownKeys[key]; !ok {
		return ErrUnknownKey
	}
	if _, okParse := parseNonNegativeInt(raw); !okParse {
		return ErrInvalidValue
	}
	return nil
}

func parseNonNegativeInt(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var parsedInt int
	if errUnmarshalInt := json.Unmarshal(raw, &parsedInt); errUnmarshalInt == nil {
		return parsedInt, parsedInt >= 0
	}
	var parsedString string
	if errUnmarshalString := json.Unmarshal(raw, &parsedString); errUnmarshalString == nil {
		parsed, errParse := strconv.Atoi(strings.TrimSpace(parsedString))
		if errParse != nil {
			return 0, false
		}
		return parsed, parsed >= 0
	}
	var parsedFloat float64
	if errUnmarshalFloat := json.Unmarshal(raw, &parsedFloat); errUnmarshalFloat == nil {
		if math.IsNaN(parsedFloat) || math.IsInf(parsedFloat, 0) {
			return 0, false
		}
		if parsedFloat < 0 || parsedFloat != math.Trunc(parsedFloat) {
			return 0, false
		}
		return int(parsedFloat), true
	}
	return 0, false
}
