package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it.
// KEYS[1] = lock key, ARGV[1] = holder token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a RedemptionGuard shared by every gateway instance using
// the same Redis.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisGuard creates a guard. ttl bounds how long a crashed holder can
// block a hash.
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{
		client: client,
		prefix: "veritas:redeem:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		logger: slog.Default().With("component", "redemption-guard"),
	}
}

// NewRedisClient connects to the server named by a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := g.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(g.retry)
	defer ticker.Stop()
	for {
		ok, err := g.client.SetNX(ctx, lockKey, token, g.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release must run even if the request context is already done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, g.client, []string{lockKey}, token).Err(); err != nil {
			g.logger.Warn("redis unlock failed", "key", key, "error", err)
		}
	}, nil
}
