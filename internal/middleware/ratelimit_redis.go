package middleware

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitKeyPrefix namespaces rate limit counters in Redis.
const RedisRateLimitKeyPrefix = "ratelimit:"

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// shared by every API instance. When Redis is unreachable requests are
// allowed and the failure is counted.
type RedisRateLimitStore struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics *Metrics
}

// NewRedisRateLimitStore creates a Redis-backed store. logger and metrics may be nil.
func NewRedisRateLimitStore(client *redis.Client, logger *slog.Logger, metrics *Metrics) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{client: client, logger: logger, metrics: metrics}
}

// Allow implements RateLimitStore. The first hit in a window sets the key's
// expiry to the window length.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	rkey := RedisRateLimitKeyPrefix + key

	count, err := s.client.Incr(ctx, rkey).Result()
	if err != nil {
		s.failOpen(ctx, "incr", err)
		return true, 0
	}
	if count == 1 {
		if err := s.client.Expire(ctx, rkey, config.Window).Err(); err != nil {
			s.failOpen(ctx, "expire", err)
		}
	}
	if count <= int64(config.Requests) {
		return true, 0
	}

	ttl, err := s.client.TTL(ctx, rkey).Result()
	if err != nil {
		s.failOpen(ctx, "ttl", err)
		return false, retrySeconds(config.Window)
	}
	if ttl < 0 {
		// A lost EXPIRE would otherwise block the key forever.
		_ = s.client.Expire(ctx, rkey, config.Window).Err()
		ttl = config.Window
	}
	return false, retrySeconds(ttl)
}

func (s *RedisRateLimitStore) failOpen(ctx context.Context, op string, err error) {
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
	s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
		"operation", op,
		"error", err)
}
