package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucket refills and consumes atomically so concurrent replicas agree.
// KEYS[1] bucket key, ARGV: refill rate (tokens/s), capacity, cost, now.
// State expires after a minute idle to self-clean.
var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// Redis enforces a token bucket shared across server replicas. An
// unreachable Redis fails open with a warning: availability of the LRS
// wins over strictness of the limit.
type Redis struct {
	client *redis.Client
	rps    float64
	burst  int
	log    *slog.Logger
}

// NewRedis connects the limiter to the configured Redis.
func NewRedis(cfg Config, burst int, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Redis{client: client, rps: cfg.RPS, burst: burst, log: log}
}

// Allow consumes one token from the client's shared bucket.
func (r *Redis) Allow(ctx context.Context, client string) bool {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucket.Run(ctx, r.client,
		[]string{"openlrs:ratelimit:" + client},
		r.rps, r.burst, 1, now,
	).Result()
	if err != nil {
		r.log.Warn("rate limiter unreachable, failing open", "error", err)
		return true
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		r.log.Warn("rate limiter returned malformed state, failing open")
		return true
	}
	allowed, _ := results[0].(int64)
	return allowed == 1
}
