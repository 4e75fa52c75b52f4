// Package costs tracks monetary spend per identity in a short rolling window
// and a calendar-day ledger, and trips soft or hard throttles when either
// exceeds its configured threshold. Amounts are micro-dollars throughout.
package costs

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
)

// Verdict is the cost throttle decision for a request.
type Verdict int

const (
	// Allow admits the request and records its cost.
	Allow Verdict = iota
	// SoftThrottle denies temporarily; the client may retry after the cooldown.
	SoftThrottle
	// HardThrottle denies for the rest of the calendar day.
	HardThrottle
)

// Outcome carries the verdict and a retry hint for throttled requests.
type Outcome struct {
	Verdict    Verdict
	RetryAfter time.Duration
}

// dayLedgerTTL keeps day keys alive past midnight without ever resetting
// the accumulation mid-day.
const dayLedgerTTL = 48 * time.Hour

// Throttle enforces rolling-window and daily spend limits per identity.
type Throttle struct {
	store    store.CounterStore
	settings *settings.Accessor
	nowFn    func() time.Time
}

// NewThrottle constructs a Throttle with default dependencies when nil.
func NewThrottle(counterStore store.CounterStore, accessor *settings.Accessor, nowFn func() time.Time) *Throttle {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Throttle{store: counterStore, settings: accessor, nowFn: nowFn}
}

func windowKey(identity string) string { return "cost:win:" + identity }
func throttleKey(identity string) string { return "cost:thr:" + identity }

func dayKey(identity string, now time.Time) string {
	return "cost:day:" + identity + ":" + now.UTC().Format("20060102")
}

// CheckAndRecord applies the daily cap, then the rolling window, and records
// the estimated cost into both ledgers on admission. The daily cap is
// checked first and does not touch the rolling window. Disabled outside
// production to avoid false positives on development traffic bursts.
func (t *Throttle) CheckAndRecord(ctx context.Context, identity string, estimateMicros int64) (Outcome, error) {
	if !t.settings.Production() {
		return Outcome{Verdict: Allow}, nil
	}
	now := t.nowFn()

	dayTotal, errDay := t.dayTotal(ctx, identity, now)
	if errDay != nil {
		return Outcome{}, errDay
	}
	if dayTotal >= t.settings.CostDailyCapMicros(ctx) {
		return Outcome{Verdict: HardThrottle, RetryAfter: untilMidnightUTC(now)}, nil
	}

	throttled, errThr := t.store.Exists(ctx, throttleKey(identity))
	if errThr != nil {
		return Outcome{}, errThr
	}
	if throttled {
		remaining, errTTL := t.store.TTL(ctx, throttleKey(identity))
		if errTTL != nil {
			return Outcome{}, errTTL
		}
		return Outcome{Verdict: SoftThrottle, RetryAfter: remaining}, nil
	}

	windowSum, errSum := t.windowSum(ctx, identity, now)
	if errSum != nil {
		return Outcome{}, errSum
	}
	// Boundary is inclusive: once the recorded running sum reaches the
	// threshold exactly, the next request is throttled.
	if windowSum >= t.settings.CostWindowThresholdMicros(ctx) {
		cooldown := t.settings.CostThrottle(ctx)
		if errMark := t.store.Set(ctx, throttleKey(identity), "cost_spike", cooldown); errMark != nil {
			return Outcome{}, errMark
		}
		return Outcome{Verdict: SoftThrottle, RetryAfter: cooldown}, nil
	}

	if errRecord := t.record(ctx, identity, estimateMicros, now); errRecord != nil {
		return Outcome{}, errRecord
	}
	return Outcome{Verdict: Allow}, nil
}

// Reconcile adjusts both ledgers with the actual billed cost once the
// protected pipeline reports it. Positive deltas are added to the rolling
// window and the day ledger; negative deltas only reduce the day ledger,
// leaving the window conservatively high.
func (t *Throttle) Reconcile(ctx context.Context, identity string, estimateMicros, actualMicros int64) error {
	if !t.settings.Production() {
		return nil
	}
	delta := actualMicros - estimateMicros
	if delta == 0 {
		return nil
	}
	now := t.nowFn()
	if delta > 0 {
		if errAdd := t.addWindowEntry(ctx, identity, delta, now); errAdd != nil {
			return errAdd
		}
	}
	_, errIncr := t.store.IncrByFloat(ctx, dayKey(identity, now), float64(delta), dayLedgerTTL)
	return errIncr
}

// record writes cost into the rolling window and the day ledger together.
func (t *Throttle) record(ctx context.Context, identity string, micros int64, now time.Time) error {
	if errAdd := t.addWindowEntry(ctx, identity, micros, now); errAdd != nil {
		return errAdd
	}
	_, errIncr := t.store.IncrByFloat(ctx, dayKey(identity, now), float64(micros), dayLedgerTTL)
	return errIncr
}

func (t *Throttle) addWindowEntry(ctx context.Context, identity string, micros int64, now time.Time) error {
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString() + ":" + strconv.FormatInt(micros, 10)
	entry := store.Member{Score: float64(now.UnixNano()) / float64(time.Second), Member: member}
	return t.store.ZAdd(ctx, windowKey(identity), entry, t.settings.CostWindow(ctx))
}

// windowSum prunes expired entries and sums the surviving window costs.
func (t *Throttle) windowSum(ctx context.Context, identity string, now time.Time) (int64, error) {
	key := windowKey(identity)
	cutoff := float64(now.Add(-t.settings.CostWindow(ctx)).UnixNano()) / float64(time.Second)
	if errPrune := t.store.ZRemRangeByScore(ctx, key, 0, cutoff); errPrune != nil {
		return 0, errPrune
	}
	members, errRange := t.store.ZRangeWithScores(ctx, key, 0, -1)
	if errRange != nil {
		return 0, errRange
	}
	var sum int64
	for _, m := range members {
		parts := strings.Split(m.Member, ":")
		if len(parts) == 0 {
			continue
		}
		micros, errParse := strconv.ParseInt(parts[len(parts)-1], 10, 64)
		if errParse != nil {
			continue
		}
		sum += micros
	}
	return sum, nil
}

// dayTotal reads the calendar-day accumulation for identity.
func (t *Throttle) dayTotal(ctx context.Context, identity string, now time.Time) (int64, error) {
	raw, ok, errGet := t.store.Get(ctx, dayKey(identity, now))
	if errGet != nil {
		return 0, errGet
	}
	if !ok {
		return 0, nil
	}
	parsed, errParse := strconv.ParseFloat(raw, 64)
	if errParse != nil {
		return 0, nil
	}
	return int64(parsed), nil
}

func untilMidnightUTC(now time.Time) time.Duration {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(utc)
}
