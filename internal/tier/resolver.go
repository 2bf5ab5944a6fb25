// internal/tier/resolver.go
package tier

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/models"
)

const (
	cacheKeyPrefix = "orchestrator:tier:"
	cacheTTL       = 5 * time.Minute
)

// Resolver maps a user to a subscription tier.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (models.Tier, error)
}

type subscription struct {
	UserID    string    `json:"userId"`
	Tier      string    `json:"tier"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsValid   bool      `json:"isValid"`
}

// PostgresResolver reads subscriptions from Postgres with a short redis
// cache in front. Unknown or expired subscriptions resolve to the free tier.
type PostgresResolver struct {
	db     *sql.DB
	redis  *redis.Client
	logger logger.Logger
}

func NewPostgresResolver(db *sql.DB, redisClient *redis.Client, log logger.Logger) *PostgresResolver {
	return &PostgresResolver{db: db, redis: redisClient, logger: log}
}

func (r *PostgresResolver) Resolve(ctx context.Context, userID string) (models.Tier, error) {
	cacheKey := cacheKeyPrefix + userID
	if r.redis != nil {
		if val, err := r.redis.Get(ctx, cacheKey).Result(); err == nil {
			var sub subscription
			if err := json.Unmarshal([]byte(val), &sub); err == nil {
				return tierFromSubscription(sub), nil
			}
		}
	}

	query := `SELECT user_id, tier, expires_at, is_valid FROM user_subscriptions WHERE user_id = $1`
	var sub subscription
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&sub.UserID, &sub.Tier, &sub.ExpiresAt, &sub.IsValid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TierFree, nil
	}
	if err != nil {
		return models.TierFree, err
	}

	if r.redis != nil {
		if data, err := json.Marshal(sub); err == nil {
			if err := r.redis.Set(ctx, cacheKey, data, cacheTTL).Err(); err != nil {
				r.logger.Warn("failed to cache subscription", map[string]interface{}{
					"userId": userID,
					"error":  err.Error(),
				})
			}
		}
	}

	return tierFromSubscription(sub), nil
}

func tierFromSubscription(sub subscription) models.Tier {
	if !sub.IsValid || (!sub.ExpiresAt.IsZero() && sub.ExpiresAt.Before(time.Now())) {
		return models.TierFree
	}
	tier := models.Tier(sub.Tier)
	if models.ValidTiers[tier] {
		return tier
	}
	return models.TierFree
}

// StaticResolver always answers with one tier, for dev and tests.
type StaticResolver struct {
	Tier models.Tier
}

func (s StaticResolver) Resolve(context.Context, string) (models.Tier, error) {
	return s.Tier, nil
}
