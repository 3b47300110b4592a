package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript bumps the current slot (KEYS[1]), sets its TTL on first
// write and returns the sum over all slots in KEYS. Running it as one script
// makes the increment and the read atomic.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local total = 0
	for i = 1, #KEYS do
		local v = redis.call('GET', KEYS[i])
		if v then
			total = total + tonumber(v)
		end
	end
	return total
`)

// RedisCounter keeps counters in Redis so every engine instance shares them
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "velocity"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) keys(key Key, ts time.Time, window time.Duration) []string {
	width := slotWidth(window)
	idx := slotIndex(ts, width)
	keys := make([]string, SlotsPerWindow)
	for i := int64(0); i < SlotsPerWindow; i++ {
		keys[i] = slotKey(c.prefix, key, window, idx-i)
	}
	return keys
}

func (c *RedisCounter) Increment(ctx context.Context, key Key, ts time.Time, window time.Duration) (int64, error) {
	if err := validate(key, window); err != nil {
		return 0, err
	}
	ttl := window + slotWidth(window)

	total, err := incrementScript.Run(ctx, c.client, c.keys(key, ts, window), ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("velocity increment failed: %w", err)
	}
	return total, nil
}

func (c *RedisCounter) Count(ctx context.Context, key Key, ts time.Time, window time.Duration) (int64, error) {
	if err := validate(key, window); err != nil {
		return 0, err
	}

	vals, err := c.client.MGet(ctx, c.keys(key, ts, window)...).Result()
	if err != nil {
		return 0, fmt.Errorf("velocity count failed: %w", err)
	}

	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}
