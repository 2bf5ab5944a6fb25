// internal/cache/cache.go
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/common/metrics"
	"ensemble-orchestrator/internal/models"
)

const keyPrefix = "orchestrator:result:"

// Store is the response cache collaborator. A miss is (nil, nil).
type Store interface {
	Get(ctx context.Context, fingerprint string) (*models.FinalResult, error)
	Set(ctx context.Context, fingerprint string, result *models.FinalResult) error
}

// RedisStore caches FinalResults in redis as JSON, with a TTL that scales
// with the result's validated quality.
type RedisStore struct {
	client *redis.Client
	cfg    config.CacheConfig
	logger logger.Logger
}

func NewRedisStore(client *redis.Client, cfg config.CacheConfig, log logger.Logger) *RedisStore {
	return &RedisStore{client: client, cfg: cfg, logger: log}
}

// Fingerprint derives the cache key from normalized request text, user and
// tier. Identical questions from the same user and tier collide on purpose.
func Fingerprint(text, userID string, tier models.Tier) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized + "|" + userID + "|" + string(tier)))
	return hex.EncodeToString(sum[:])
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*models.FinalResult, error) {
	raw, err := s.client.Get(ctx, keyPrefix+fingerprint).Result()
	if err == redis.Nil {
		metrics.CacheEvents.WithLabelValues("miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.CacheEvents.WithLabelValues("error").Inc()
		return nil, err
	}

	var result models.FinalResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		// A corrupt entry reads as a miss; it will be overwritten.
		s.logger.Warn("dropping corrupt cache entry", map[string]interface{}{
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		metrics.CacheEvents.WithLabelValues("corrupt").Inc()
		return nil, nil
	}

	metrics.CacheEvents.WithLabelValues("hit").Inc()
	return &result, nil
}

func (s *RedisStore) Set(ctx context.Context, fingerprint string, result *models.FinalResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, keyPrefix+fingerprint, raw, s.ttlFor(result)).Err(); err != nil {
		metrics.CacheEvents.WithLabelValues("error").Inc()
		return err
	}
	metrics.CacheEvents.WithLabelValues("store").Inc()
	return nil
}

// ttlFor scales the lifetime with validated quality so better answers stay
// cached longer.
func (s *RedisStore) ttlFor(result *models.FinalResult) time.Duration {
	base := time.Duration(s.cfg.BaseTTL) * time.Second
	if base <= 0 {
		base = 15 * time.Minute
	}
	quality := 0.0
	if result.Validation != nil {
		quality = result.Validation.OverallQuality
	}
	bonus := time.Duration(float64(s.cfg.QualityTTL)*quality) * time.Second
	return base + bonus
}

// NoopStore disables caching.
type NoopStore struct{}

func (NoopStore) Get(context.Context, string) (*models.FinalResult, error) { return nil, nil }
func (NoopStore) Set(context.Context, string, *models.FinalResult) error  { return nil }
