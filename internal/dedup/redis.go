package dedup

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisGuard shares the idempotency window between replicas. SET NX with an
// expiry is the atomic check-and-insert; Redis evicts expired keys itself.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisGuard connects to redisURL and verifies the connection.
func NewRedisGuard(ctx context.Context, redisURL, prefix string, ttl time.Duration, logger *logrus.Logger) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return NewRedisGuardWithClient(client, prefix, ttl, logger), nil
}

// NewRedisGuardWithClient wraps an existing client.
func NewRedisGuardWithClient(client redis.UniversalClient, prefix string, ttl time.Duration, logger *logrus.Logger) *RedisGuard {
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// ShouldProcess sets the key only if absent. On a Redis error the message is
// processed: a rare duplicate beats dropping a user's document.
func (g *RedisGuard) ShouldProcess(ctx context.Context, messageID string) bool {
	ok, err := g.client.SetNX(ctx, g.prefix+messageID, strconv.FormatInt(time.Now().Unix(), 10), g.ttl).Result()
	if err != nil {
		g.logger.WithError(err).Warn("Idempotency store unavailable, processing message")
		return true
	}
	return ok
}

// Sweep is a no-op; keys carry their own expiry.
func (g *RedisGuard) Sweep(context.Context, time.Time) {}

// Close releases the client.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
