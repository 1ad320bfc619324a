package security

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// RedisFixedWindowLimiter shares fixed windows across router instances.
// The window starts at the first INCR of a key and ends when the key expires.
type RedisFixedWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	logger *logrus.Logger
}

// ConnectRedis parses a redis:// URL and verifies the connection
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisFixedWindowLimiter creates a limiter whose keys live under prefix
func NewRedisFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration, logger *logrus.Logger) *RedisFixedWindowLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisFixedWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: prefix,
		logger: logger,
	}
}

func (rl *RedisFixedWindowLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow implements RateLimiter. Redis errors are returned so the
// middleware can fail open.
func (rl *RedisFixedWindowLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	redisKey := rl.key(key)

	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to increment window: %w", err)
	}
	if count == 1 {
		if err := rl.client.PExpire(ctx, redisKey, rl.window).Err(); err != nil {
			return nil, fmt.Errorf("failed to set window expiry: %w", err)
		}
	}

	ttl, err := rl.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read window ttl: %w", err)
	}
	if ttl < 0 {
		// key lost its expiry; start a fresh window
		if err := rl.client.PExpire(ctx, redisKey, rl.window).Err(); err != nil {
			return nil, fmt.Errorf("failed to set window expiry: %w", err)
		}
		ttl = rl.window
	}

	allowed := count <= int64(rl.limit)
	result := &RateLimitResult{
		Allowed:   allowed,
		Limit:     rl.limit,
		Window:    rl.window,
		Remaining: maxInt(rl.limit-int(count), 0),
		ResetTime: time.Now().Add(ttl),
	}
	if !allowed {
		result.RetryAfter = ttl
		rl.logger.WithFields(logrus.Fields{
			"key":         maskKey(key),
			"count":       count,
			"limit":       rl.limit,
			"retry_after": ttl,
		}).Warn("Rate limit exceeded")
	}
	return result, nil
}

// Reset removes the window for a key
func (rl *RedisFixedWindowLimiter) Reset(ctx context.Context, key string) error {
	if err := rl.client.Del(ctx, rl.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to flush rate limit data: %w", err)
	}
	return nil
}

// GetLimits returns current rate limit information for a key
func (rl *RedisFixedWindowLimiter) GetLimits(ctx context.Context, key string) (*RateLimitInfo, error) {
	redisKey := rl.key(key)

	used, err := rl.client.Get(ctx, redisKey).Int()
	if err == redis.Nil {
		return &RateLimitInfo{Limit: rl.limit, Remaining: rl.limit, ResetTime: time.Now().Add(rl.window)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit status: %w", err)
	}

	ttl, err := rl.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read window ttl: %w", err)
	}

	return &RateLimitInfo{
		Limit:     rl.limit,
		Used:      used,
		Remaining: maxInt(rl.limit-used, 0),
		ResetTime: time.Now().Add(ttl),
	}, nil
}
