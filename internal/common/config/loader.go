// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	// Base config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like DATABASE_REDIS_ADDRESS
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment overlay, ignored when absent
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the usual run locations; absence is fine.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}
	for _, p := range possiblePaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// applyDefaults fills policy constants with their fixed default values.
// These are observable behavior; overriding them changes pass/fail outcomes.
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "ensemble-orchestrator"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.MetricsAddress == "" {
		cfg.Server.MetricsAddress = ":9090"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = 100
	}
	if cfg.Queue.MaxConcurrent == 0 {
		cfg.Queue.MaxConcurrent = 25
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = 500
	}
	if cfg.Queue.BackoffCap == 0 {
		cfg.Queue.BackoffCap = 10000
	}
	if cfg.Queue.MinTextLength == 0 {
		cfg.Queue.MinTextLength = 2
	}
	if cfg.Queue.MaxTextLength == 0 {
		cfg.Queue.MaxTextLength = 8000
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.CooldownSeconds == 0 {
		cfg.Breaker.CooldownSeconds = 30
	}

	if cfg.Scoring.Base == 0 {
		cfg.Scoring.Base = 0.5
	}
	if cfg.Scoring.WordBandMin == 0 {
		cfg.Scoring.WordBandMin = 50
	}
	if cfg.Scoring.WordBandMax == 0 {
		cfg.Scoring.WordBandMax = 400
	}
	if cfg.Scoring.LengthReward == 0 {
		cfg.Scoring.LengthReward = 0.1
	}
	if cfg.Scoring.LengthPenalty == 0 {
		cfg.Scoring.LengthPenalty = 0.05
	}
	if cfg.Scoring.FastLatencyMs == 0 {
		cfg.Scoring.FastLatencyMs = 2000
	}
	if cfg.Scoring.SlowLatencyMs == 0 {
		cfg.Scoring.SlowLatencyMs = 8000
	}
	if cfg.Scoring.LatencyReward == 0 {
		cfg.Scoring.LatencyReward = 0.1
	}
	if cfg.Scoring.LatencyPenalty == 0 {
		cfg.Scoring.LatencyPenalty = 0.1
	}
	if cfg.Scoring.ReliabilityMax == 0 {
		cfg.Scoring.ReliabilityMax = 0.2
	}

	if cfg.Diversity.ClusterThreshold == 0 {
		cfg.Diversity.ClusterThreshold = 0.7
	}
	if cfg.Diversity.EmbeddingTimeout == 0 {
		cfg.Diversity.EmbeddingTimeout = 3000
	}

	if cfg.Voting.TieThreshold == 0 {
		cfg.Voting.TieThreshold = 0.05
	}
	if cfg.Voting.StrongVariance == 0 {
		cfg.Voting.StrongVariance = 0.01
	}
	if cfg.Voting.StrongMean == 0 {
		cfg.Voting.StrongMean = 0.6
	}
	if cfg.Voting.WeakMean == 0 {
		cfg.Voting.WeakMean = 0.4
	}
	if cfg.Voting.ModerateVariance == 0 {
		cfg.Voting.ModerateVariance = 0.05
	}

	if cfg.Synthesis.BaseTempPrecise == 0 {
		cfg.Synthesis.BaseTempPrecise = 0.3
	}
	if cfg.Synthesis.BaseTempDefault == 0 {
		cfg.Synthesis.BaseTempDefault = 0.6
	}
	if cfg.Synthesis.ConflictSimilarity == 0 {
		cfg.Synthesis.ConflictSimilarity = 0.5
	}
	if cfg.Synthesis.Timeout == 0 {
		cfg.Synthesis.Timeout = 30000
	}

	if cfg.Validation.WeightReadability == 0 {
		cfg.Validation.WeightReadability = 0.2
	}
	if cfg.Validation.WeightFactual == 0 {
		cfg.Validation.WeightFactual = 0.3
	}
	if cfg.Validation.WeightNovelty == 0 {
		cfg.Validation.WeightNovelty = 0.25
	}
	if cfg.Validation.WeightToxicity == 0 {
		cfg.Validation.WeightToxicity = 0.15
	}
	if cfg.Validation.WeightStructure == 0 {
		cfg.Validation.WeightStructure = 0.1
	}
	if cfg.Validation.MinReadability == 0 {
		cfg.Validation.MinReadability = 0.3
	}
	if cfg.Validation.MinFactual == 0 {
		cfg.Validation.MinFactual = 0.4
	}
	if cfg.Validation.MinNovelty == 0 {
		cfg.Validation.MinNovelty = 0.2
	}
	if cfg.Validation.MinToxicity == 0 {
		cfg.Validation.MinToxicity = 0.6
	}
	if cfg.Validation.MinStructure == 0 {
		cfg.Validation.MinStructure = 0.3
	}
	if cfg.Validation.MinOverall == 0 {
		cfg.Validation.MinOverall = 0.6
	}
	if cfg.Validation.MaxRegenerations == 0 {
		cfg.Validation.MaxRegenerations = 2
	}

	if cfg.Memory.Timeout == 0 {
		cfg.Memory.Timeout = 1500
	}
	if cfg.Cache.BaseTTL == 0 {
		cfg.Cache.BaseTTL = 300
	}
	if cfg.Cache.QualityTTL == 0 {
		cfg.Cache.QualityTTL = 3300
	}

	if cfg.Tiers == nil {
		cfg.Tiers = map[string]TierConfig{}
	}
	defaultTiers := map[string]TierConfig{
		"free":       {MaxConcurrent: 2, HourlyLimit: 20, DailyLimit: 100, ProviderRetries: 2, TokenCap: 600, MemoryBudget: 500},
		"basic":      {MaxConcurrent: 5, HourlyLimit: 100, DailyLimit: 600, ProviderRetries: 3, TokenCap: 900, MemoryBudget: 1000},
		"premium":    {MaxConcurrent: 10, HourlyLimit: 400, DailyLimit: 3000, ProviderRetries: 4, TokenCap: 1500, MemoryBudget: 2000},
		"enterprise": {MaxConcurrent: 20, HourlyLimit: 2000, DailyLimit: 20000, ProviderRetries: 4, TokenCap: 2000, MemoryBudget: 4000},
	}
	for name, tc := range defaultTiers {
		if _, ok := cfg.Tiers[name]; !ok {
			cfg.Tiers[name] = tc
		}
	}
}

func validateConfig(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	fallbacks := 0
	for id, p := range cfg.Providers {
		if p.Kind == "" {
			return fmt.Errorf("provider %s: kind is required", id)
		}
		if p.Reliability < 0 || p.Reliability > 1 {
			return fmt.Errorf("provider %s: reliability must be within [0,1]", id)
		}
		if p.Fallback {
			fallbacks++
		}
	}
	if fallbacks > 1 {
		return fmt.Errorf("only one fallback provider may be designated")
	}
	if cfg.Synthesis.ProviderID == "" {
		return fmt.Errorf("synthesis.provider_id is required")
	}
	if _, ok := cfg.Providers[cfg.Synthesis.ProviderID]; !ok {
		return fmt.Errorf("synthesis.provider_id %q is not a configured provider", cfg.Synthesis.ProviderID)
	}
	if cfg.Queue.MinTextLength >= cfg.Queue.MaxTextLength {
		return fmt.Errorf("queue text length bounds are inverted")
	}
	totalWeight := cfg.Validation.WeightReadability + cfg.Validation.WeightFactual +
		cfg.Validation.WeightNovelty + cfg.Validation.WeightToxicity + cfg.Validation.WeightStructure
	if totalWeight < 0.99 || totalWeight > 1.01 {
		return fmt.Errorf("validation metric weights must sum to 1.0, got %.3f", totalWeight)
	}
	return nil
}
