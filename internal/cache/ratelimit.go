package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitResult is the outcome of taking one token from a bucket.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// bucket describes one token bucket: refill per second, capacity and idle expiry.
type bucket struct {
	key   string
	rate  float64
	burst int
	idle  time.Duration
}

const (
	keyBucketIdle = 2 * time.Minute
	ipBucketIdle  = 15 * time.Second
)

// takeToken refills the bucket for the elapsed milliseconds and takes one
// token if available. Returns {allowed, retry_after_ms, remaining}.
var takeToken = redis.NewScript(`
local rate = tonumber(ARGV[1]) / 1000
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'at')
local tokens = tonumber(state[1])
local at = tonumber(state[2])
if tokens == nil or at == nil then
  tokens = burst
  at = now
end
if now > at then
  tokens = math.min(burst, tokens + (now - at) * rate)
end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'at', now)
redis.call('PEXPIRE', KEYS[1], idle)
return {allowed, wait, math.floor(tokens)}
`)

// CheckKeyRateLimit takes a token from the bucket of an API key.
// A zero rate disables the limit.
func (c *Cache) CheckKeyRateLimit(ctx context.Context, keyID string, perMinute, burst int) (*RateLimitResult, error) {
	if perMinute <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: int64(burst), ResetAt: c.clock.Now()}, nil
	}
	return c.take(ctx, bucket{
		key:   c.key("rl", "key", keyID),
		rate:  float64(perMinute) / 60,
		burst: burst,
		idle:  keyBucketIdle,
	})
}

// CheckIPRateLimit takes a token from the bucket of a client address.
// Addresses are stored hashed.
func (c *Cache) CheckIPRateLimit(ctx context.Context, ip string, perSecond, burst int) (*RateLimitResult, error) {
	if perSecond <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: int64(burst), ResetAt: c.clock.Now()}, nil
	}
	return c.take(ctx, bucket{
		key:   c.key("rl", "ip", hashIP(ip)),
		rate:  float64(perSecond),
		burst: burst,
		idle:  ipBucketIdle,
	})
}

func (c *Cache) take(ctx context.Context, b bucket) (*RateLimitResult, error) {
	now := c.clock.Now()
	out, err := takeToken.Run(ctx, c.client, []string{b.key},
		b.rate, b.burst, now.UnixMilli(), b.idle.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", b.key, err)
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", b.key, out)
	}

	res := &RateLimitResult{
		Allowed:    out[0] == 1,
		RetryAfter: time.Duration(out[1]) * time.Millisecond,
		Remaining:  out[2],
	}
	// Time until the bucket is full again.
	missing := float64(b.burst) - float64(res.Remaining)
	res.ResetAt = now.Add(time.Duration(missing / b.rate * float64(time.Second)))
	return res, nil
}

// hashIP returns the first 8 bytes of the SHA-256 of ip, hex encoded.
func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}
