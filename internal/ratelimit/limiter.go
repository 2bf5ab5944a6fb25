// internal/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
)

// Decision is the admission outcome for one caller.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces per-user hourly and daily quotas.
type Limiter interface {
	Check(ctx context.Context, userID string, tier config.TierConfig) (*Decision, error)
}

// RedisLimiter counts requests in fixed windows with INCR + EXPIRE. Counters
// are shared across orchestrator instances pointed at the same redis.
type RedisLimiter struct {
	client *redis.Client
	logger logger.Logger
	now    func() time.Time // swappable for tests
}

func NewRedisLimiter(client *redis.Client, log logger.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, logger: log, now: time.Now}
}

// Check consumes one slot from both windows. The first window over its limit
// rejects with the time until that window resets.
func (l *RedisLimiter) Check(ctx context.Context, userID string, tier config.TierConfig) (*Decision, error) {
	now := l.now().UTC()

	if tier.HourlyLimit > 0 {
		key := fmt.Sprintf("orchestrator:rl:hour:%s:%s", userID, now.Format("2006010215"))
		decision, err := l.consume(ctx, key, tier.HourlyLimit, time.Hour)
		if err != nil || !decision.Allowed {
			return decision, err
		}
	}

	if tier.DailyLimit > 0 {
		key := fmt.Sprintf("orchestrator:rl:day:%s:%s", userID, now.Format("20060102"))
		decision, err := l.consume(ctx, key, tier.DailyLimit, 24*time.Hour)
		if err != nil || !decision.Allowed {
			return decision, err
		}
	}

	return &Decision{Allowed: true}, nil
}

func (l *RedisLimiter) consume(ctx context.Context, key string, limit int, window time.Duration) (*Decision, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			l.logger.Warn("failed to set rate-limit window expiry", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}

	if count > int64(limit) {
		retryAfter, err := l.client.TTL(ctx, key).Result()
		if err != nil || retryAfter < 0 {
			retryAfter = window
		}
		return &Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return &Decision{Allowed: true}, nil
}

// AllowAll is the limiter used when no redis is configured.
type AllowAll struct{}

func (AllowAll) Check(context.Context, string, config.TierConfig) (*Decision, error) {
	return &Decision{Allowed: true}, nil
}
