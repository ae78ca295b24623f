package store

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	commonerrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// RedisConfig holds configuration for the Redis-backed store.
type RedisConfig struct {
	// Client is the shared connection pool; required. Pool exhaustion
	// surfaces as a backend error and feeds the circuit breaker.
	Client redis.UniversalClient

	// KeyPrefix namespaces all keys. Defaults to "admit".
	KeyPrefix string

	// Timeout bounds each backend call. Defaults to 500ms.
	Timeout time.Duration

	// InstanceID identifies this application instance. It prefixes sorted-set
	// members so same-timestamp events from different instances never
	// collide. Defaults to a random UUID.
	InstanceID string
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "admit"
	}
	if c.Timeout == 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// RedisStore implements Store against Redis. Every operation is a single
// Lua script, so check-and-consume is atomic across all instances sharing
// the backend.
type RedisStore struct {
	config RedisConfig
	seq    atomic.Uint64

	consumeScript  *redis.Script
	windowScript   *redis.Script
	recordScript   *redis.Script
	vioCountScript *redis.Script
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, commonerrors.NewValidationError("store", "client", nil, "redis client is required")
	}

	return &RedisStore{
		config:         config.withDefaults(),
		consumeScript:  redis.NewScript(luaConsumeTokens),
		windowScript:   redis.NewScript(luaCountWindow),
		recordScript:   redis.NewScript(luaRecordViolation),
		vioCountScript: redis.NewScript(luaViolationCount),
	}, nil
}

// InstanceID returns this store's instance identifier.
func (s *RedisStore) InstanceID() string {
	return s.config.InstanceID
}

// nextMember returns a sorted-set member unique across calls and across
// instances sharing the backend, so two events recorded in the same
// nanosecond remain distinct entries.
func (s *RedisStore) nextMember() string {
	return s.config.InstanceID + "-" + strconv.FormatUint(s.seq.Add(1), 10)
}

// ConsumeTokens runs the token bucket check-and-consume script.
func (s *RedisStore) ConsumeTokens(ctx context.Context, req TokenRequest, now time.Time) (TokenState, error) {
	result, err := s.run(ctx, "consume_tokens", s.consumeScript,
		[]string{s.key(req.Key)},
		req.Tokens,
		timeToFloat(now),
		req.RefillRate,
		req.Capacity,
		req.TTL.Milliseconds(),
	)
	if err != nil {
		return TokenState{}, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return TokenState{}, &RedisError{"consume_tokens", errInvalidScriptResult}
	}

	allowed, _ := vals[0].(int64)
	tokensStr, _ := vals[1].(string)
	tokens, _ := strconv.ParseFloat(tokensStr, 64)

	return TokenState{Allowed: allowed == 1, Tokens: tokens}, nil
}

// CountWindow runs the sliding window check-and-count script.
func (s *RedisStore) CountWindow(ctx context.Context, req WindowRequest, now time.Time) (WindowState, error) {
	result, err := s.run(ctx, "count_window", s.windowScript,
		[]string{s.key(req.Key)},
		now.UnixNano(),
		req.Window.Nanoseconds(),
		req.Count,
		req.Limit,
		req.TTL.Milliseconds(),
		s.nextMember(),
	)
	if err != nil {
		return WindowState{}, err
	}

	vals, ok := result.([]interface{})
	if !ok || len(vals) != 3 {
		return WindowState{}, &RedisError{"count_window", errInvalidScriptResult}
	}

	allowed, _ := vals[0].(int64)
	used, _ := vals[1].(int64)
	oldestStr, _ := vals[2].(string)
	oldestNs, _ := strconv.ParseInt(oldestStr, 10, 64)

	state := WindowState{Allowed: allowed == 1, Used: used}
	if oldestNs > 0 {
		state.Oldest = time.Unix(0, oldestNs)
	}
	return state, nil
}

// RecordViolation appends to the client's violation ZSET and returns the
// pruned, capped in-window count.
func (s *RedisStore) RecordViolation(ctx context.Context, key string, window time.Duration, maxEntries int64, now time.Time) (int64, error) {
	result, err := s.run(ctx, "record_violation", s.recordScript,
		[]string{s.key(key)},
		now.UnixNano(),
		window.Nanoseconds(),
		maxEntries,
		window.Milliseconds(),
		s.nextMember(),
	)
	if err != nil {
		return 0, err
	}

	count, ok := result.(int64)
	if !ok {
		return 0, &RedisError{"record_violation", errInvalidScriptResult}
	}
	return count, nil
}

// ViolationCount prunes and counts in-window violations.
func (s *RedisStore) ViolationCount(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	result, err := s.run(ctx, "violation_count", s.vioCountScript,
		[]string{s.key(key)},
		now.UnixNano(),
		window.Nanoseconds(),
	)
	if err != nil {
		return 0, err
	}

	count, ok := result.(int64)
	if !ok {
		return 0, &RedisError{"violation_count", errInvalidScriptResult}
	}
	return count, nil
}

// Ping verifies the backend is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if err := s.config.Client.Ping(ctx).Err(); err != nil {
		return &RedisError{"ping", err}
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.config.Client.Close()
}

func (s *RedisStore) key(k string) string {
	return s.config.KeyPrefix + ":" + k
}

// run executes a script with the configured timeout, retrying once on a
// transient failure before reporting a backend error.
func (s *RedisStore) run(ctx context.Context, op string, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	result, err := s.runOnce(ctx, script, keys, args...)
	if err != nil && isTransient(err) {
		result, err = s.runOnce(ctx, script, keys, args...)
	}
	if err != nil {
		return nil, &RedisError{op, err}
	}
	return result, nil
}

func (s *RedisStore) runOnce(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	return script.Run(ctx, s.config.Client, keys, args...).Result()
}

// isTransient reports whether an error is worth one retry. A canceled
// caller context is not.
func isTransient(err error) bool {
	return !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled)
}

var errInvalidScriptResult = errors.New("invalid script result")

// RedisError represents a backend operation failure. It unwraps to
// ErrBackendUnavailable so callers can classify it without inspecting
// driver errors.
type RedisError struct {
	Operation string
	Err       error
}

func (e *RedisError) Error() string {
	return "redis error in " + e.Operation + ": " + e.Err.Error()
}

func (e *RedisError) Unwrap() []error {
	return []error{commonerrors.ErrBackendUnavailable, e.Err}
}

// Lua scripts. Each runs as one atomic unit; no client observes
// intermediate state.

// luaConsumeTokens implements token bucket check-and-consume on a hash
// holding {tokens, last_refill}. Refill is computed from elapsed time,
// clamped to capacity; last_refill never moves backwards.
const luaConsumeTokens = `
-- KEYS[1]: counter hash
-- ARGV[1]: tokens requested
-- ARGV[2]: current time (float seconds)
-- ARGV[3]: refill rate (tokens/second)
-- ARGV[4]: max capacity
-- ARGV[5]: ttl (milliseconds)

local key = KEYS[1]
local requested = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local capacity = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

local elapsed = math.max(0, now - last)
local refilled = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if refilled >= requested then
    allowed = 1
    refilled = refilled - requested
end

redis.call('HSET', key, 'tokens', tostring(refilled), 'last_refill', tostring(math.max(now, last)))
redis.call('PEXPIRE', key, ttl)

return {allowed, tostring(refilled)}
`

// luaCountWindow implements sliding window check-and-count on a sorted set
// scored by event time in nanoseconds. The caller supplies a member unique
// per call and instance, so same-timestamp events stay distinct entries.
const luaCountWindow = `
-- KEYS[1]: window sorted set
-- ARGV[1]: current time (nanoseconds)
-- ARGV[2]: window size (nanoseconds)
-- ARGV[3]: events requested
-- ARGV[4]: limit (max events per window)
-- ARGV[5]: ttl (milliseconds)
-- ARGV[6]: unique member for added events

local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local member = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count + requested <= limit then
    for i = 1, requested do
        redis.call('ZADD', key, now, member .. '-' .. i)
    end
    redis.call('PEXPIRE', key, ttl)
    return {1, count + requested, '0'}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldest_score = '0'
if oldest[2] then
    oldest_score = oldest[2]
end
redis.call('PEXPIRE', key, ttl)
return {0, count, oldest_score}
`

// luaRecordViolation appends a violation, prunes the detection window,
// and caps the log length.
const luaRecordViolation = `
-- KEYS[1]: violation sorted set
-- ARGV[1]: current time (nanoseconds)
-- ARGV[2]: detection window (nanoseconds)
-- ARGV[3]: max entries
-- ARGV[4]: ttl (milliseconds)
-- ARGV[5]: unique member for the violation

local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_entries = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
redis.call('ZADD', key, now, ARGV[5])

local count = redis.call('ZCARD', key)
if count > max_entries then
    redis.call('ZREMRANGEBYRANK', key, 0, count - max_entries - 1)
    count = max_entries
end

redis.call('PEXPIRE', key, ttl)
return count
`

// luaViolationCount prunes the detection window and counts what remains.
const luaViolationCount = `
-- KEYS[1]: violation sorted set
-- ARGV[1]: current time (nanoseconds)
-- ARGV[2]: detection window (nanoseconds)

local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
return redis.call('ZCARD', key)
`
