package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeMatchScript deletes a key only when it holds the expected value.
// Returns 1 when consumed, -1 on a value mismatch, 0 when the key is absent.
var consumeMatchScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  return 0
end
if current ~= ARGV[1] then
  return -1
end
redis.call("DEL", KEYS[1])
return 1
`)

// incrWithExpireScript increments a counter and sets its TTL on first write.
var incrWithExpireScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// incrByFloatWithExpireScript adds to a float counter, setting TTL on first write.
var incrByFloatWithExpireScript = redis.NewScript(`
local current = redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return current
`)

// RedisStore implements CounterStore on a Redis instance shared by all
// gateway instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore with an optional key prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: strings.TrimSpace(prefix)}
}

// Ping verifies connectivity to the backing Redis instance.
func (s *RedisStore) Ping(ctx context.Context) error {
	if errPing := s.client.Ping(ctx).Err(); errPing != nil {
		return wrapRedisErr(errPing)
	}
	return nil
}

func (s *RedisStore) buildKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// Get returns the value at key and whether it exists.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, errGet := s.client.Get(ctx, s.buildKey(key)).Result()
	if errGet == redis.Nil {
		return "", false, nil
	}
	if errGet != nil {
		return "", false, wrapRedisErr(errGet)
	}
	return val, true, nil
}

// Set writes value at key with a TTL.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if errSet := s.client.Set(ctx, s.buildKey(key), value, ttl).Err(); errSet != nil {
		return wrapRedisErr(errSet)
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if errDel := s.client.Del(ctx, s.buildKey(key)).Err(); errDel != nil {
		return wrapRedisErr(errDel)
	}
	return nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, errExists := s.client.Exists(ctx, s.buildKey(key)).Result()
	if errExists != nil {
		return false, wrapRedisErr(errExists)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key, or zero when absent or persistent.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, errTTL := s.client.TTL(ctx, s.buildKey(key)).Result()
	if errTTL != nil {
		return 0, wrapRedisErr(errTTL)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// ConsumeMatch atomically deletes key when it holds expect.
func (s *RedisStore) ConsumeMatch(ctx context.Context, key, expect string) (ConsumeOutcome, error) {
	res, errEval := consumeMatchScript.Run(ctx, s.client, []string{s.buildKey(key)}, expect).Result()
	if errEval != nil {
		return ConsumeMissing, wrapRedisErr(errEval)
	}
	switch toInt64(res) {
	case 1:
		return Consumed, nil
	case -1:
		return ConsumeWrongValue, nil
	default:
		return ConsumeMissing, nil
	}
}

// Incr atomically increments the integer at key, setting ttl on first write.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, errEval := incrWithExpireScript.Run(ctx, s.client, []string{s.buildKey(key)}, ttl.Milliseconds()).Result()
	if errEval != nil {
		return 0, wrapRedisErr(errEval)
	}
	return toInt64(res), nil
}

// IncrByFloat atomically adds delta to the float at key, setting ttl on first write.
func (s *RedisStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	res, errEval := incrByFloatWithExpireScript.Run(ctx, s.client,
		[]string{s.buildKey(key)},
		strconv.FormatFloat(delta, 'f', -1, 64),
		ttl.Milliseconds(),
	).Result()
	if errEval != nil {
		return 0, wrapRedisErr(errEval)
	}
	switch v := res.(type) {
	case string:
		parsed, errParse := strconv.ParseFloat(v, 64)
		if errParse != nil {
			return 0, errParse
		}
		return parsed, nil
	case int64:
		return float64(v), nil
	default:
		return 0, ErrUnavailable
	}
}

// ZAdd adds a scored member to the ordered set at key and refreshes the set TTL.
func (s *RedisStore) ZAdd(ctx context.Context, key string, member Member, ttl time.Duration) error {
	full := s.buildKey(key)
	if errAdd := s.client.ZAdd(ctx, full, redis.Z{Score: member.Score, Member: member.Member}).Err(); errAdd != nil {
		return wrapRedisErr(errAdd)
	}
	if ttl > 0 {
		if errExpire := s.client.Expire(ctx, full, ttl).Err(); errExpire != nil {
			return wrapRedisErr(errExpire)
		}
	}
	return nil
}

// ZRemRangeByScore removes members with scores in [min, max].
func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	errRem := s.client.ZRemRangeByScore(ctx, s.buildKey(key),
		strconv.FormatFloat(min, 'f', -1, 64),
		strconv.FormatFloat(max, 'f', -1, 64),
	).Err()
	if errRem != nil {
		return wrapRedisErr(errRem)
	}
	return nil
}

// ZCard returns the number of members in the ordered set at key.
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, errCard := s.client.ZCard(ctx, s.buildKey(key)).Result()
	if errCard != nil {
		return 0, wrapRedisErr(errCard)
	}
	return n, nil
}

// ZRangeWithScores returns members ordered by ascending score.
func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	rows, errRange := s.client.ZRangeWithScores(ctx, s.buildKey(key), start, stop).Result()
	if errRange != nil {
		return nil, wrapRedisErr(errRange)
	}
	members := make([]Member, 0, len(rows))
	for _, row := range rows {
		value, ok := row.Member.(string)
		if !ok {
			continue
		}
		members = append(members, Member{Score: row.Score, Member: value})
	}
	return members, nil
}

// ZRem removes a member from the ordered set at key.
func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	if errRem := s.client.ZRem(ctx, s.buildKey(key), member).Err(); errRem != nil {
		return wrapRedisErr(errRem)
	}
	return nil
}

func toInt64(res any) int64 {
	switch v := res.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
