package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const bucketKeyPrefix = "rate_limit:auth:"

// tokenBucketScript performs the whole read-refill-consume cycle server side
// so the update is atomic across all service instances. Timestamps are in
// microseconds to stay inside Lua's exact-integer range.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'stamp')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil or stamp == nil then
  tokens = capacity
  stamp = now
end

local elapsed = now - stamp
if elapsed > 0 then
  local refilled = math.floor(elapsed / interval)
  if refilled > 0 then
    tokens = tokens + refilled
    stamp = stamp + refilled * interval
    if tokens >= capacity then
      tokens = capacity
      stamp = now
    end
  end
end

local consumed = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  consumed = 1
else
  wait = (cost - tokens) * interval - (now - stamp)
  if wait < 0 then
    wait = 0
  end
end

redis.call('HMSET', key, 'tokens', tokens, 'stamp', stamp)
redis.call('EXPIRE', key, ttl)
return {consumed, tokens, wait}
`)

// RedisStore is the distributed BucketStore: multiple service instances
// draining one shared budget per client key.
type RedisStore struct {
	client *redis.Client
	cfg    Config
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, cfg Config) (*RedisStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	// Keep bucket state around long enough for a full refill from empty.
	ttl := 2 * time.Duration(cfg.Capacity) * cfg.RefillInterval
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &RedisStore{
		client: client,
		cfg:    cfg,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RedisStore) Consume(ctx context.Context, key string, cost int64) (Probe, error) {
	if cost <= 0 {
		cost = 1
	}

	result, err := tokenBucketScript.Run(ctx, s.client,
		[]string{bucketKeyPrefix + key},
		s.cfg.Capacity,
		s.cfg.RefillInterval.Microseconds(),
		cost,
		s.now().UnixMicro(),
		int64(s.ttl.Seconds()),
	).Result()
	if err != nil {
		return Probe{}, fmt.Errorf("ratelimit: bucket script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return Probe{}, fmt.Errorf("ratelimit: unexpected script reply %v", result)
	}
	consumed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	waitMicros, _ := values[2].(int64)

	return Probe{
		Consumed:        consumed == 1,
		RemainingTokens: remaining,
		NanosToRefill:   waitMicros * int64(time.Microsecond),
	}, nil
}
