// Package challenge issues and consumes one-time tokens that prove a request
// is not a replay. Tokens are bound to the issuing identity and validate at
// most once, enforced by the counter store's atomic consume primitive.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/promptgate/promptgate/internal/settings"
	"github.com/promptgate/promptgate/internal/store"
)

// Sentinel errors for issuance and validation failures.
var (
	// ErrIssuanceRateLimited means the identity issued too recently or is banned.
	ErrIssuanceRateLimited = errors.New("challenge: issuance rate limited")
	// ErrTooManyActive means the identity holds too many unexpired challenges.
	ErrTooManyActive = errors.New("challenge: too many active challenges")
	// ErrMissing means the challenge was never issued or already expired.
	ErrMissing = errors.New("challenge: missing or expired")
	// ErrWrongOwner means the challenge belongs to a different identity.
	ErrWrongOwner = errors.New("challenge: wrong owner")
)

// RetryableError carries a retry hint alongside an issuance failure.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RetryableError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped sentinel.
func (e *RetryableError) Unwrap() error { return e.Err }

// Challenge is an issued one-time token.
type Challenge struct {
	ID        string    // 32 random bytes, hex encoded.
	ExpiresAt time.Time // Absolute expiry.
}

// tokenBytes is the challenge id entropy in bytes.
const tokenBytes = 32

// Manager issues, caps, and consumes challenges through the counter store.
type Manager struct {
	store    store.CounterStore
	settings *settings.Accessor
	nowFn    func() time.Time
}

// NewManager constructs a Manager with default dependencies when nil.
func NewManager(counterStore store.CounterStore, accessor *settings.Accessor, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{store: counterStore, settings: accessor, nowFn: nowFn}
}

func tokenKey(id string) string       { return "chal:tok:" + id }
func indexKey(identity string) string { return "chal:idx:" + identity }
func lastKey(identity string) string  { return "chal:last:" + identity }
func banKey(identity string) string   { return "chal:ban:" + identity }
func violKey(identity string) string  { return "chal:viol:" + identity }

// Issue creates a new challenge bound to identity, or a retryable error
// when the identity issues too fast or holds too many active challenges.
func (m *Manager) Issue(ctx context.Context, identity string) (Challenge, error) {
	now := m.nowFn()

	banned, errBan := m.store.Exists(ctx, banKey(identity))
	if errBan != nil {
		return Challenge{}, errBan
	}
	if banned {
		remaining, errTTL := m.store.TTL(ctx, banKey(identity))
		if errTTL != nil {
			return Challenge{}, errTTL
		}
		return Challenge{}, &RetryableError{Err: ErrIssuanceRateLimited, RetryAfter: remaining}
	}

	minInterval := m.settings.IssueMinInterval(ctx)
	if minInterval > 0 {
		recent, errLast := m.store.Exists(ctx, lastKey(identity))
		if errLast != nil {
			return Challenge{}, errLast
		}
		if recent {
			return Challenge{}, m.escalate(ctx, identity)
		}
	}

	limit := m.settings.MaxActiveChallenges(ctx)
	idx := indexKey(identity)
	if errPrune := m.store.ZRemRangeByScore(ctx, idx, 0, float64(now.Unix())); errPrune != nil {
		return Challenge{}, errPrune
	}
	active, errCount := m.store.ZCard(ctx, idx)
	if errCount != nil {
		return Challenge{}, errCount
	}
	if active >= int64(limit) {
		retryAfter := time.Duration(0)
		if oldest, errOldest := m.store.ZRangeWithScores(ctx, idx, 0, 0); errOldest == nil && len(oldest) > 0 {
			retryAfter = time.Unix(int64(oldest[0].Score), 0).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Challenge{}, &RetryableError{Err: ErrTooManyActive, RetryAfter: retryAfter}
	}

	id, errToken := newToken()
	if errToken != nil {
		return Challenge{}, errToken
	}
	ttl := m.settings.ChallengeTTL(ctx)
	expiresAt := now.Add(ttl)

	if errSet := m.store.Set(ctx, tokenKey(id), identity, ttl); errSet != nil {
		return Challenge{}, errSet
	}
	if errIndex := m.store.ZAdd(ctx, idx, store.Member{Score: float64(expiresAt.Unix()), Member: id}, ttl); errIndex != nil {
		return Challenge{}, errIndex
	}
	if minInterval > 0 {
		if errMark := m.store.Set(ctx, lastKey(identity), "1", minInterval); errMark != nil {
			return Challenge{}, errMark
		}
	}
	return Challenge{ID: id, ExpiresAt: expiresAt}, nil
}

// escalate records an issuance-limit violation and applies a progressive
// ban: one minute on the first offense, five on repeats within the
// lookback window. The ban lives only in the store, so every instance
// sees it immediately.
func (m *Manager) escalate(ctx context.Context, identity string) error {
	strikes, errIncr := m.store.Incr(ctx, violKey(identity), m.settings.IssueBanLookback(ctx))
	if errIncr != nil {
		return errIncr
	}
	banFor := m.settings.IssueBan(ctx)
	if strikes > 1 {
		banFor = m.settings.IssueBanRepeat(ctx)
	}
	if errSet := m.store.Set(ctx, banKey(identity), "issuance_abuse", banFor); errSet != nil {
		return errSet
	}
	log.WithFields(log.Fields{
		"identity": identity,
		"strikes":  strikes,
		"ban_for":  banFor.String(),
	}).Warn("challenge: issuance ban applied")
	return &RetryableError{Err: ErrIssuanceRateLimited, RetryAfter: banFor}
}

// Validate consumes a challenge exactly once. The token mapping is deleted
// atomically before success is reported, so a concurrent second validation
// of the same id observes a missing key.
func (m *Manager) Validate(ctx context.Context, identity, challengeID string) error {
	if challengeID == "" || len(challengeID) != tokenBytes*2 {
		return ErrMissing
	}
	outcome, errConsume := m.store.ConsumeMatch(ctx, tokenKey(challengeID), identity)
	if errConsume != nil {
		return errConsume
	}
	switch outcome {
	case store.Consumed:
		if errRem := m.store.ZRem(ctx, indexKey(identity), challengeID); errRem != nil {
			return errRem
		}
		return nil
	case store.ConsumeWrongValue:
		return ErrWrongOwner
	default:
		return ErrMissing
	}
}

// newToken returns a cryptographically random hex challenge id.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, errRead := rand.Read(buf); errRead != nil {
		return "", fmt.Errorf("challenge: generate token: %w", errRead)
	}
	return hex.EncodeToString(buf), nil
}
