// Package ratelimit caps how often an account may hit a provider-backed endpoint.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "rate_limit"

// ErrInvalidConfig reports unusable limiter settings.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// Limiter decides whether one more call for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Key builds the counter key for an account and route.
func Key(accountID string, route string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, route, accountID)
}

// counterClient is the subset of *redis.Client a fixed-window counter needs.
type counterClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisLimiter is a fixed-window counter shared by every replica.
type RedisLimiter struct {
	client counterClient
	closer func() error
	limit  int64
	window time.Duration
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(ctx context.Context, cfg RedisConfig, limit int, window time.Duration) (*RedisLimiter, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("%w: redis address is required", ErrInvalidConfig)
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: limit and window must be positive", ErrInvalidConfig)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLimiter{client: client, closer: client.Close, limit: int64(limit), window: window}, nil
}

func (limiter *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := limiter.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := limiter.client.Expire(ctx, key, limiter.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= limiter.limit, nil
}

// Close releases the Redis connection pool.
func (limiter *RedisLimiter) Close() error {
	if limiter.closer == nil {
		return nil
	}
	return limiter.closer()
}

type window struct {
	count   int64
	expires time.Time
}

// MemoryLimiter is a single-process fixed-window counter used when Redis is not configured.
type MemoryLimiter struct {
	mutex   sync.Mutex
	limit   int64
	window  time.Duration
	now     func() time.Time
	windows map[string]window
}

// NewMemoryLimiter builds an in-process limiter.
func NewMemoryLimiter(limit int, windowSize time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   int64(limit),
		window:  windowSize,
		now:     time.Now,
		windows: make(map[string]window),
	}
}

func (limiter *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	now := limiter.now()
	current, ok := limiter.windows[key]
	if !ok || !now.Before(current.expires) {
		for staleKey, stale := range limiter.windows {
			if !now.Before(stale.expires) {
				delete(limiter.windows, staleKey)
			}
		}
		current = window{expires: now.Add(limiter.window)}
	}
	current.count++
	limiter.windows[key] = current
	return current.count <= limiter.limit, nil
}
