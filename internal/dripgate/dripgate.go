// Package dripgate implements the drip-rate gate described in §4.E: a
// Redis-backed token bucket of capacity 1, refilled one token every drip
// interval D. It is the canonical mechanism the scheduler waits on before
// claiming a job, so that the minimum inter-start spacing survives process
// restarts without losing its phase. The Lua script is adapted from the
// reference service's priority-weighted rate limiter, narrowed to the
// single-tenant, capacity-1 case the drip gate needs.
package dripgate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate guards downstream calls to at most one per interval.
type Gate struct {
	redis    *redis.Client
	key      string
	interval time.Duration

	consumeScript *redis.Script
}

// New builds a Gate keyed under key, refilling one token every interval.
func New(client *redis.Client, key string, interval time.Duration) *Gate {
	g := &Gate{redis: client, key: key, interval: interval}
	g.consumeScript = redis.NewScript(consumeLua)
	return g
}

// consumeLua atomically refills (by elapsed wall-clock time since the last
// refill) and consumes at most one token from a capacity-1 bucket. It
// returns {allowed, retry_after_ms}.
const consumeLua = `
local key = KEYS[1]
local interval_ms = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
	tokens = 1
	last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
	local refilled = math.floor(elapsed / interval_ms)
	if refilled > 0 then
		tokens = math.min(1, tokens + refilled)
		last_refill = last_refill + refilled * interval_ms
	end
end

local allowed = tokens >= 1
local retry_after = 0

if allowed then
	tokens = tokens - 1
	redis.call('HSET', key, 'tokens', tokens, 'last_refill', last_refill)
	redis.call('EXPIRE', key, math.ceil(interval_ms / 1000) * 4)
else
	retry_after = last_refill + interval_ms - now
end

return {allowed and 1 or 0, retry_after}
`

// Wait blocks until a token is available or ctx is done. It is the single
// suspension point the scheduler awaits before every claim.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		allowed, retryAfter, err := g.tryConsume(ctx)
		if err != nil {
			return fmt.Errorf("dripgate: consume: %w", err)
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Gate) tryConsume(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	res, err := g.consumeScript.Run(ctx, g.redis, []string{g.key}, g.interval.Milliseconds(), now).Result()
	if err != nil {
		return false, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("dripgate: unexpected script result %v", res)
	}
	allowed := vals[0].(int64) == 1
	retryMs := vals[1].(int64)
	if retryMs < 1 {
		retryMs = 1
	}
	return allowed, time.Duration(retryMs) * time.Millisecond, nil
}

// Reset clears the bucket state, used by tests that need a fresh phase.
func (g *Gate) Reset(ctx context.Context) error {
	return g.redis.Del(ctx, g.key).Err()
}
