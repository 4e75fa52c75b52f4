// Package store provides the shared counter store used by every stateful
// admission component. All admission state lives here; gateway instances
// hold no decision-affecting state of their own.
package store

import (
	"context"
	"errors"
	"time"
)

// ConsumeOutcome describes the result of an atomic consume-if-match.
type ConsumeOutcome int

const (
	// ConsumeMissing means the key did not exist.
	ConsumeMissing ConsumeOutcome = iota
	// ConsumeWrongValue means the key existed but held a different value.
	ConsumeWrongValue
	// Consumed means the key matched and was deleted.
	Consumed
)

// Member is a scored member of an ordered set.
type Member struct {
	Score  float64 // Sort score, typically a unix timestamp.
	Member string  // Opaque member payload.
}

// ErrUnavailable indicates the counter store itself cannot be reached.
// There is no safe default for admission decisions, so callers surface
// this as a server error rather than failing open.
var ErrUnavailable = errors.New("store: unavailable")

// CounterStore exposes the atomic primitives the admission pipeline needs.
// Each call is individually atomic; multi-step sequences are not
// transactional and callers accept the conservative races that implies.
type CounterStore interface {
	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value at key with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or zero when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// ConsumeMatch atomically deletes key if it holds expect, reporting
	// whether the key was missing, mismatched, or consumed.
	ConsumeMatch(ctx context.Context, key, expect string) (ConsumeOutcome, error)
	// Incr atomically increments the integer at key, setting ttl on first write.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrByFloat atomically adds delta to the float at key, setting ttl on first write.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
	// ZAdd adds a scored member to the ordered set at key and refreshes the set TTL.
	ZAdd(ctx context.Context, key string, member Member, ttl time.Duration) error
	// ZRemRangeByScore removes members with scores in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	// ZCard returns the number of members in the ordered set at key.
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeWithScores returns members ordered by ascending score, from rank
	// start through stop inclusive (negative ranks count from the end).
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
	// ZRem removes a member from the ordered set at key.
	ZRem(ctx context.Context, key, member string) error
}
