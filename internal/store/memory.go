package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memoryZSet struct {
	scores    map[string]float64
	expiresAt time.Time
}

// MemoryStore implements CounterStore with in-process maps. It is intended
// for tests and single-instance development deployments; production uses
// RedisStore so that horizontally scaled instances agree.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]memoryValue
	zsets  map[string]*memoryZSet
	nowFn  func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryValue),
		zsets:  make(map[string]*memoryZSet),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *MemoryStore) SetNowFunc(nowFn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nowFn != nil {
		s.nowFn = nowFn
	}
}

func (s *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !s.nowFn().Before(at)
}

func (s *MemoryStore) liveValue(key string) (memoryValue, bool) {
	v, ok := s.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if s.expired(v.expiresAt) {
		delete(s.values, key)
		return memoryValue{}, false
	}
	return v, true
}

func (s *MemoryStore) liveZSet(key string) *memoryZSet {
	z, ok := s.zsets[key]
	if !ok {
		return nil
	}
	if s.expired(z.expiresAt) {
		delete(s.zsets, key)
		return nil
	}
	return z
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.nowFn().Add(ttl)
}

// Get returns the value at key and whether it exists.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return "", false, nil
	}
	return v.value, true, nil
}

// Set writes value at key with a TTL.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memoryValue{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Exists reports whether key is present.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveValue(key)
	return ok, nil
}

// TTL returns the remaining lifetime of key, or zero when absent or persistent.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok || v.expiresAt.IsZero() {
		return 0, nil
	}
	remaining := v.expiresAt.Sub(s.nowFn())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ConsumeMatch atomically deletes key when it holds expect.
func (s *MemoryStore) ConsumeMatch(_ context.Context, key, expect string) (ConsumeOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	if !ok {
		return ConsumeMissing, nil
	}
	if v.value != expect {
		return ConsumeWrongValue, nil
	}
	delete(s.values, key)
	return Consumed, nil
}

// Incr atomically increments the integer at key, setting ttl on first write.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	current := int64(0)
	expiresAt := s.expiry(ttl)
	if ok {
		parsed, errParse := strconv.ParseInt(v.value, 10, 64)
		if errParse == nil {
			current = parsed
		}
		expiresAt = v.expiresAt
	}
	current++
	s.values[key] = memoryValue{value: strconv.FormatInt(current, 10), expiresAt: expiresAt}
	return current, nil
}

// IncrByFloat atomically adds delta to the float at key, setting ttl on first write.
func (s *MemoryStore) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.liveValue(key)
	current := 0.0
	expiresAt := s.expiry(ttl)
	if ok {
		parsed, errParse := strconv.ParseFloat(v.value, 64)
		if errParse == nil {
			current = parsed
		}
		expiresAt = v.expiresAt
	}
	current += delta
	s.values[key] = memoryValue{value: strconv.FormatFloat(current, 'f', -1, 64), expiresAt: expiresAt}
	return current, nil
}

// ZAdd adds a scored member to the ordered set at key and refreshes the set TTL.
func (s *MemoryStore) ZAdd(_ context.Context, key string, member Member, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		z = &memoryZSet{scores: make(map[string]float64)}
		s.zsets[key] = z
	}
	z.scores[member.Member] = member.Score
	if ttl > 0 {
		z.expiresAt = s.nowFn().Add(ttl)
	}
	return nil
}

// ZRemRangeByScore removes members with scores in [min, max].
func (s *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		return nil
	}
	for member, score := range z.scores {
		if score >= min && score <= max {
			delete(z.scores, member)
		}
	}
	return nil
}

// ZCard returns the number of members in the ordered set at key.
func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

// ZRangeWithScores returns members ordered by ascending score.
func (s *MemoryStore) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		return nil, nil
	}
	members := make([]Member, 0, len(z.scores))
	for member, score := range z.scores {
		members = append(members, Member{Score: score, Member: member})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score == members[j].Score {
			return members[i].Member < members[j].Member
		}
		return members[i].Score < members[j].Score
	})
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	return members[start : stop+1], nil
}

// ZRem removes a member from the ordered set at key.
func (s *MemoryStore) ZRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.liveZSet(key)
	if z == nil {
		return nil
	}
	delete(z.scores, member)
	return nil
}

// Compile-time interface checks.
var (
	_ CounterStore = (*MemoryStore)(nil)
	_ CounterStore = (*RedisStore)(nil)
)
