package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] bucket key, ARGV: rate per second, capacity, cost, now (seconds),
// ttl seconds.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// Redis is a token bucket shared by every process pointed at the same Redis.
type Redis struct {
	client    redis.Scripter
	prefix    string
	perSecond float64
	burst     int
	ttl       int
	now       func() time.Time
}

// NewRedis allows perMinute attempts per key with the given burst across
// all instances.
func NewRedis(client redis.Scripter, perMinute, burst int) *Redis {
	if perMinute <= 0 {
		perMinute = 1
	}
	if burst <= 0 {
		burst = 1
	}
	perSecond := float64(perMinute) / 60.0
	// Keep a bucket long enough to refill fully, then let Redis reclaim it.
	ttl := int(float64(burst)/perSecond) + 1
	return &Redis{
		client:    client,
		prefix:    "mediaflow:claim-throttle:",
		perSecond: perSecond,
		burst:     burst,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(r.now().UnixMicro()) / 1e6
	allowed, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key},
		r.perSecond, r.burst, 1, now, r.ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("throttle: redis token bucket: %w", err)
	}
	return allowed == 1, nil
}

// NewRedisClient builds the client used by NewRedis.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
