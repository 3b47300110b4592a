package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enterprise/fraud-engine/internal/models"
)

// ErrCacheMiss is returned when a key is absent
var ErrCacheMiss = errors.New("cache miss")

// CacheClient provides JSON caching on a shared Redis connection
type CacheClient struct {
	client redis.UniversalClient
	prefix string
}

func NewCacheClient(client redis.UniversalClient, prefix string) *CacheClient {
	return &CacheClient{client: client, prefix: prefix}
}

func (c *CacheClient) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set sets a value in the cache
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), data, expiration).Err()
}

// Get decodes a cached value into dest
func (c *CacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetNX sets a value only if it doesn't exist
func (c *CacheClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, c.key(key), data, expiration).Result()
}

// Delete removes keys from the cache
func (c *CacheClient) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

// DecisionCache keeps recent decisions by transaction id so callers that
// enqueued a transaction can fetch its outcome later.
type DecisionCache struct {
	cache *CacheClient
	ttl   time.Duration
}

func NewDecisionCache(cache *CacheClient, ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DecisionCache{cache: cache, ttl: ttl}
}

func (d *DecisionCache) Put(ctx context.Context, dec *models.Decision) error {
	if err := d.cache.Set(ctx, "decision:"+dec.TransactionID, dec, d.ttl); err != nil {
		return fmt.Errorf("failed to cache decision: %w", err)
	}
	return nil
}

// Get returns ErrCacheMiss when the transaction is unknown or expired.
func (d *DecisionCache) Get(ctx context.Context, transactionID string) (*models.Decision, error) {
	var dec models.Decision
	if err := d.cache.Get(ctx, "decision:"+transactionID, &dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

// Claim marks a transaction id as taken and reports whether this caller
// was first; redelivered stream messages use it to avoid deciding twice.
func (d *DecisionCache) Claim(ctx context.Context, transactionID string) (bool, error) {
	return d.cache.SetNX(ctx, "claim:"+transactionID, time.Now().UTC(), d.ttl)
}

// Release drops a claim so the transaction may be retried
func (d *DecisionCache) Release(ctx context.Context, transactionID string) error {
	return d.cache.Delete(ctx, "claim:"+transactionID)
}
