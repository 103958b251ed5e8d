package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/janusd/janus/internal/policy"
)

// Lua scripts keep the read-roll-increment sequence atomic on the Redis
// side, so limits shared by many gateway processes stay exact. State per
// key is a hash {count, start} where start is the window start in
// milliseconds; PEXPIRE keeps abandoned keys from accumulating.
var (
	incrScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
		if (not start) or (now - start >= window) then
			start = now
			redis.call('HSET', KEYS[1], 'start', start, 'count', 0)
		end
		local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
		redis.call('PEXPIRE', KEYS[1], window)
		return {count, start}
	`)

	peekScript = redis.NewScript(`
		local now = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
		if (not start) or (now - start >= window) then
			return {0, now}
		end
		local count = tonumber(redis.call('HGET', KEYS[1], 'count')) or 0
		return {count, start}
	`)
)

// Redis is a CounterStore backed by a shared Redis instance, for limits
// enforced consistently across process boundaries.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis wraps an existing Redis client. The caller owns client
// configuration (pool size, timeouts); Close closes the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: "janus:rl:",
	}
}

// Incr implements CounterStore.
func (r *Redis) Incr(ctx context.Context, key string, p policy.Policy, now time.Time) (int64, time.Time, error) {
	return r.run(ctx, incrScript, key, p, now)
}

// Peek implements CounterStore.
func (r *Redis) Peek(ctx context.Context, key string, p policy.Policy, now time.Time) (int64, time.Time, error) {
	return r.run(ctx, peekScript, key, p, now)
}

func (r *Redis) run(ctx context.Context, script *redis.Script, key string, p policy.Policy, now time.Time) (int64, time.Time, error) {
	res, err := script.Run(ctx, r.client,
		[]string{r.keyPrefix + key},
		now.UnixMilli(), p.Window.Milliseconds(),
	).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, res)
	}
	count, _ := vals[0].(int64)
	startMs, _ := vals[1].(int64)
	return count, time.UnixMilli(startMs), nil
}

// Ping checks connectivity, for health endpoints.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
