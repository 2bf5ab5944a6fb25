// cmd/orchestrator/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ensemble-orchestrator/internal/cache"
	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/database"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/common/observability"
	"ensemble-orchestrator/internal/embedding"
	"ensemble-orchestrator/internal/memory"
	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/orchestrator"
	"ensemble-orchestrator/internal/provider"
	"ensemble-orchestrator/internal/ratelimit"
	"ensemble-orchestrator/internal/server"
	"ensemble-orchestrator/internal/tier"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting ensemble orchestrator...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Redis (cache, rate limiting, tier lookups) ---
	var redisClient *database.RedisClient
	if cfg.Database.Redis.Address != "" {
		err = retryWithBackoff(func() error {
			var err error
			redisClient, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return redisClient.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redisClient.Close()
		zapLog.Info("Redis connected successfully")
	}

	// --- Init PostgreSQL (subscription tier resolution) ---
	var pg *database.PostgresClient
	if cfg.Database.Postgres.Host != "" {
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()
		zapLog.Info("PostgreSQL connected successfully")
	}

	// --- Init Elasticsearch (conversation memory) ---
	var esClient *database.ElasticsearchClient
	if cfg.Memory.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Build Provider Registry ---
	registry := provider.NewRegistry()
	for id, pcfg := range cfg.Providers {
		gw, err := buildGateway(id, pcfg)
		if err != nil {
			zapLog.Fatal("provider setup failed", zap.String("provider", id), zap.Error(err))
		}
		registry.Register(id, gw)
		zapLog.Info("provider registered",
			zap.String("provider", id),
			zap.String("kind", pcfg.Kind),
			zap.Bool("fallback", pcfg.Fallback),
		)
	}

	breakers := provider.NewBreakerRegistry(cfg.Breaker)
	caller := provider.NewCaller(registry, breakers, cfg, log)

	// --- Embedding Service ---
	var embedder embedding.Service
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		embedder = embedding.NewOpenAIService(key, "")
		zapLog.Info("using OpenAI embedding service")
	} else {
		embedder = embedding.NewLocalService(0)
		zapLog.Warn("OPENAI_API_KEY not set, using local hashing embedder")
	}

	// --- Cache / Rate Limiter / Memory / Tier Resolution ---
	var resultCache cache.Store = cache.NoopStore{}
	var limiter ratelimit.Limiter = ratelimit.AllowAll{}
	if redisClient != nil {
		if cfg.Cache.Enabled {
			resultCache = cache.NewRedisStore(redisClient.GetClient(), cfg.Cache, log)
		}
		limiter = ratelimit.NewRedisLimiter(redisClient.GetClient(), log)
	}

	var memoryStore memory.Store = memory.NoopStore{}
	if esClient != nil {
		memoryStore = memory.NewElasticsearchStore(esClient.Client, log)
	}

	var resolver tier.Resolver = tier.StaticResolver{Tier: models.TierFree}
	if pg != nil {
		var tierRedis *redis.Client
		if redisClient != nil {
			tierRedis = redisClient.GetClient()
		}
		resolver = tier.NewPostgresResolver(pg.GetDB(), tierRedis, log)
	}

	// --- Orchestrator ---
	orch := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Logger:   log,
		Caller:   caller,
		Breakers: breakers,
		Registry: registry,
		Embedder: embedder,
		Cache:    resultCache,
		Limiter:  limiter,
		Memory:   memoryStore,
	})
	orch.Start()
	zapLog.Info("orchestrator started",
		zap.Int("maxConcurrent", cfg.Queue.MaxConcurrent),
		zap.Int("queueCapacity", cfg.Queue.Capacity),
		zap.Strings("roles", cfg.RoleProviderIDs()),
	)

	// --- HTTP Server ---
	srv := server.New(orch, resolver, log)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("HTTP server shutdown failed", zap.Error(err))
	}
	orch.Stop()

	zapLog.Info("Orchestrator stopped gracefully")
}

// buildGateway constructs the concrete upstream client for one configured
// provider role.
func buildGateway(id string, pcfg config.ProviderConfig) (provider.Gateway, error) {
	apiKey := ""
	if pcfg.APIKeyEnv != "" {
		apiKey = os.Getenv(pcfg.APIKeyEnv)
	}

	switch pcfg.Kind {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("api key env %q is empty", pcfg.APIKeyEnv)
		}
		return provider.NewOpenAIGateway(apiKey, pcfg.BaseURL, pcfg.Model), nil
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("api key env %q is empty", pcfg.APIKeyEnv)
		}
		return provider.NewAnthropicGateway(apiKey, pcfg.Model), nil
	case "static":
		return provider.NewStaticGateway(id,
			fmt.Sprintf("Static development response from provider %s.", id)), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pcfg.Kind)
	}
}
