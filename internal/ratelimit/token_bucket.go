package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrNotConfigured  = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket  = errors.New("invalid_rate_limit_bucket")
	errScriptResponse = errors.New("invalid_rate_limit_script_response")
)

// Refill and take run in one script so concurrent API replicas share a
// bucket. Time comes from the redis server, not from the callers.
// Returns {allowed, tokens_left}; tokens_left is a string because redis
// truncates Lua numbers to integers.
const takeTokenScript = `
local rate, burst, ttl = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])
local t = redis.call("TIME")
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens, last = tonumber(state[1]), tonumber(state[2])
if tokens == nil then
  tokens = burst
else
  tokens = math.min(burst, tokens + math.max(0, now - last) * rate / 1000)
end

local allowed = 0
if tokens >= 1 then
  allowed, tokens = 1, tokens - 1
end
redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`

// TokenBucket is a redis-backed token bucket keyed by caller-chosen strings.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{client: client, script: redis.NewScript(takeTokenScript)}
}

// Allow takes one token from key's bucket, refilled at rate tokens per
// second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (Decision, error) {
	switch {
	case t == nil || t.client == nil:
		return Decision{}, ErrNotConfigured
	case strings.TrimSpace(key) == "", rate <= 0, burst <= 0:
		return Decision{}, ErrInvalidBucket
	}

	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, idleTTL(rate, burst).Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, errScriptResponse
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	left, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, errors.Join(errScriptResponse, err)
	}

	d := Decision{Allowed: allowed == 1, Remaining: int(left)}
	if !d.Allowed {
		// Time until the bucket holds one whole token again.
		d.RetryAfter = time.Duration((1 - left) / rate * float64(time.Second))
	}
	return d, nil
}

// idleTTL expires a bucket after twice the time it takes to refill, at
// which point a fresh full bucket is equivalent.
func idleTTL(rate float64, burst int) time.Duration {
	return time.Duration(max(1, math.Ceil(2*float64(burst)/rate))) * time.Second
}
