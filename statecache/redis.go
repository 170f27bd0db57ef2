package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Vantage/vantage-books-sync/models"
)

// RedisCache stores authorization state in Redis under a key prefix, relying
// on Redis TTL for server-side expiry.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache verifies connectivity before returning the cache.
func NewRedisCache(ctx context.Context, client *redis.Client, prefix string) (*RedisCache, error) {
	if prefix == "" {
		prefix = "qbsync"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

func (c *RedisCache) key(state string) string {
	return fmt.Sprintf("%s:oauth_state:%s", c.prefix, state)
}

func (c *RedisCache) PutState(ctx context.Context, st models.AuthorizationState, ttl time.Duration) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization state: %w", err)
	}
	if err := c.client.Set(ctx, c.key(st.State), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) GetState(ctx context.Context, state string) (models.AuthorizationState, error) {
	var st models.AuthorizationState

	data, err := c.client.Get(ctx, c.key(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return st, ErrNotFound
		}
		return st, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to unmarshal authorization state: %w", err)
	}
	return st, nil
}

func (c *RedisCache) DeleteState(ctx context.Context, state string) error {
	if err := c.client.Del(ctx, c.key(state)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
