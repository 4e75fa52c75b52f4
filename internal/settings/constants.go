package settings

// Dynamic config keys and compiled defaults. Every threshold the admission
// pipeline consults is resolvable through these keys; a missing stored value
// falls back to the default.
const (
	// IssueMinIntervalSecondsKey controls the minimum gap between challenge issuances.
	IssueMinIntervalSecondsKey = "ISSUE_MIN_INTERVAL_SECONDS"
	// MaxActiveChallengesKey caps unexpired challenges per identity.
	MaxActiveChallengesKey = "MAX_ACTIVE_CHALLENGES"
	// ChallengeTTLSecondsKey controls how long an issued challenge stays valid.
	ChallengeTTLSecondsKey = "CHALLENGE_TTL_SECONDS"
	// IssueBanSecondsKey is the first-offense issuance ban duration.
	IssueBanSecondsKey = "ISSUE_BAN_SECONDS"
	// IssueBanRepeatSecondsKey is the repeat-offense issuance ban duration.
	IssueBanRepeatSecondsKey = "ISSUE_BAN_REPEAT_SECONDS"
	// IssueBanLookbackSecondsKey is the window in which violations escalate.
	IssueBanLookbackSecondsKey = "ISSUE_BAN_LOOKBACK_SECONDS"
	// IdentityPerMinuteKey is the per-identity requests-per-minute limit.
	IdentityPerMinuteKey = "RATE_LIMIT_IDENTITY_PER_MINUTE"
	// IdentityPerHourKey is the per-identity requests-per-hour limit.
	IdentityPerHourKey = "RATE_LIMIT_IDENTITY_PER_HOUR"
	// GlobalPerMinuteKey is the aggregate requests-per-minute limit.
	GlobalPerMinuteKey = "RATE_LIMIT_GLOBAL_PER_MINUTE"
	// GlobalPerHourKey is the aggregate requests-per-hour limit.
	GlobalPerHourKey = "RATE_LIMIT_GLOBAL_PER_HOUR"
	// StrictTierDivisorKey divides limits when bot verification is not confirmed.
	StrictTierDivisorKey = "STRICT_TIER_DIVISOR"
	// CostWindowThresholdMicrosKey is the rolling-window spend threshold in micro-dollars.
	CostWindowThresholdMicrosKey = "COST_WINDOW_THRESHOLD_MICROS"
	// CostWindowSecondsKey is the rolling spend window length.
	CostWindowSecondsKey = "COST_WINDOW_SECONDS"
	// CostDailyCapMicrosKey is the calendar-day spend cap in micro-dollars.
	CostDailyCapMicrosKey = "COST_DAILY_CAP_MICROS"
	// CostThrottleSecondsKey is the soft-throttle cooldown duration.
	CostThrottleSecondsKey = "COST_THROTTLE_SECONDS"
	// VerificationTimeoutSecondsKey bounds the bot-verification vendor call.
	VerificationTimeoutSecondsKey = "VERIFICATION_TIMEOUT_SECONDS"
	// StrictMarkerTTLSecondsKey controls how long an identity stays on the strict tier.
	StrictMarkerTTLSecondsKey = "STRICT_MARKER_TTL_SECONDS"
	// RequestCostEstimateMicrosKey is the pre-flight upper-bound cost estimate per request.
	RequestCostEstimateMicrosKey = "REQUEST_COST_ESTIMATE_MICROS"

	// DefaultIssueMinIntervalSeconds is the fallback issuance gap.
	DefaultIssueMinIntervalSeconds = 3
	// DefaultMaxActiveChallenges is the production fallback active-challenge cap.
	DefaultMaxActiveChallenges = 15
	// DefaultMaxActiveChallengesNonProd tolerates page-load bursts in development.
	DefaultMaxActiveChallengesNonProd = 60
	// DefaultChallengeTTLSeconds is the fallback challenge lifetime.
	DefaultChallengeTTLSeconds = 300
	// DefaultIssueBanSeconds is the fallback first-offense ban.
	DefaultIssueBanSeconds = 60
	// DefaultIssueBanRepeatSeconds is the fallback repeat-offense ban.
	DefaultIssueBanRepeatSeconds = 300
	// DefaultIssueBanLookbackSeconds is the fallback escalation window.
	DefaultIssueBanLookbackSeconds = 600
	// DefaultIdentityPerMinute is the fallback per-identity minute limit.
	DefaultIdentityPerMinute = 10
	// DefaultIdentityPerHour is the fallback per-identity hour limit.
	DefaultIdentityPerHour = 120
	// DefaultGlobalPerMinute is the fallback aggregate minute limit.
	DefaultGlobalPerMinute = 300
	// DefaultGlobalPerHour is the fallback aggregate hour limit.
	DefaultGlobalPerHour = 10000
	// DefaultStrictTierDivisor is the fallback strict-tier tightening factor.
	DefaultStrictTierDivisor = 10
	// DefaultCostWindowThresholdMicros is the fallback rolling spend threshold ($0.02).
	DefaultCostWindowThresholdMicros = 20000
	// DefaultCostWindowSeconds is the fallback rolling window length (10 minutes).
	DefaultCostWindowSeconds = 600
	// DefaultCostDailyCapMicros is the fallback daily spend cap ($1.00).
	DefaultCostDailyCapMicros = 1000000
	// DefaultCostThrottleSeconds is the fallback soft-throttle cooldown.
	DefaultCostThrottleSeconds = 30
	// DefaultVerificationTimeoutSeconds bounds the vendor call by default.
	DefaultVerificationTimeoutSeconds = 5
	// DefaultStrictMarkerTTLSeconds is the fallback strict-tier persistence.
	DefaultStrictMarkerTTLSeconds = 600
	// DefaultRequestCostEstimateMicros is the fallback per-request estimate ($0.005).
	DefaultRequestCostEstimateMicros = 5000
)

// configKeyPrefix namespaces dynamic config values in the counter store.
const configKeyPrefix = "cfg:"
