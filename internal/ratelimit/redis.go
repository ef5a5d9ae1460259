package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"villagehub.org/internal/obs"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis shares counters between gateway replicas. When Redis is unreachable it
// degrades to the in-memory fallback rather than locking everyone out.
type Redis struct {
	client   redis.UniversalClient
	window   time.Duration
	prefix   string
	fallback *InMemory
}

// NewRedis builds a limiter keyed under "vh:rl:".
func NewRedis(client redis.UniversalClient, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{
		client:   client,
		window:   window,
		prefix:   "vh:rl:",
		fallback: NewInMemory(window),
	}
}

func (l *Redis) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.client == nil {
		return l.fallback.Allow(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		obs.Logger().Warn("rate limit store unavailable, using local counters", zap.Error(err))
		return l.fallback.Allow(ctx, key, limit)
	}
	count, ttlMs := res[0], res[1]
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}
