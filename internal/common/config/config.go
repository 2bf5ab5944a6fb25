// internal/common/config/config.go
package config

import (
	"fmt"
	"sort"
	"time"

	"ensemble-orchestrator/internal/models"
)

// Config is the main application configuration struct.
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Server     ServerConfig              `mapstructure:"server"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Synthesis  SynthesisConfig           `mapstructure:"synthesis"`
	Tiers      map[string]TierConfig     `mapstructure:"tiers"`
	Queue      QueueConfig               `mapstructure:"queue"`
	Breaker    BreakerConfig             `mapstructure:"breaker"`
	Scoring    ScoringConfig             `mapstructure:"scoring"`
	Diversity  DiversityConfig           `mapstructure:"diversity"`
	Voting     VotingConfig              `mapstructure:"voting"`
	Validation ValidationConfig          `mapstructure:"validation"`
	Memory     MemoryConfig              `mapstructure:"memory"`
	Cache      CacheConfig               `mapstructure:"cache"`
	Logging    LoggingConfig             `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	MetricsAddress  string `mapstructure:"metrics_address"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // seconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// --- Provider Configuration ---

// ProviderConfig describes one upstream answer-generating role.
type ProviderConfig struct {
	Kind        string  `mapstructure:"kind"` // openai | anthropic | static
	Model       string  `mapstructure:"model"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	BaseURL     string  `mapstructure:"base_url"`
	Reliability float64 `mapstructure:"reliability"` // static prior in [0,1]
	Timeout     int     `mapstructure:"timeout"`     // milliseconds, per attempt
	Fallback    bool    `mapstructure:"fallback"`    // designated fallback role
	SystemRole  string  `mapstructure:"system_role"` // role-specific instruction
}

// SynthesisConfig controls the combination call.
type SynthesisConfig struct {
	ProviderID         string  `mapstructure:"provider_id"`
	HighPrecision      bool    `mapstructure:"high_precision"`
	BaseTempPrecise    float64 `mapstructure:"base_temp_precise"`
	BaseTempDefault    float64 `mapstructure:"base_temp_default"`
	ConflictSimilarity float64 `mapstructure:"conflict_similarity"` // below = conflict
	Timeout            int     `mapstructure:"timeout"`             // milliseconds
}

// BaseTemp picks the randomness floor for the configured synthesis model.
func (s SynthesisConfig) BaseTemp() float64 {
	if s.HighPrecision {
		return s.BaseTempPrecise
	}
	return s.BaseTempDefault
}

// --- Tier Configuration ---

// TierConfig holds the budgets one caller classification is entitled to.
// Resolved once at startup and passed by reference; never a stringly-typed
// lookup inside pipeline logic.
type TierConfig struct {
	MaxConcurrent   int `mapstructure:"max_concurrent"`
	HourlyLimit     int `mapstructure:"hourly_limit"`
	DailyLimit      int `mapstructure:"daily_limit"`
	ProviderRetries int `mapstructure:"provider_retries"` // attempts per role
	TokenCap        int `mapstructure:"token_cap"`
	MemoryBudget    int `mapstructure:"memory_budget"` // context tokens
}

// --- Orchestrator Policy ---

type QueueConfig struct {
	Capacity      int `mapstructure:"capacity"`        // per priority class
	MaxConcurrent int `mapstructure:"max_concurrent"`  // global ceiling
	MaxRetries    int `mapstructure:"max_retries"`     // requeue budget
	BackoffBase   int `mapstructure:"backoff_base"`    // milliseconds
	BackoffCap    int `mapstructure:"backoff_cap"`     // milliseconds
	MinTextLength int `mapstructure:"min_text_length"` // admission bounds
	MaxTextLength int `mapstructure:"max_text_length"`
}

type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	CooldownSeconds  int `mapstructure:"cooldown_seconds"`
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// --- Scoring / Voting / Validation Policy ---

// ScoringConfig holds the confidence heuristic weights.
type ScoringConfig struct {
	Base           float64 `mapstructure:"base"`
	WordBandMin    int     `mapstructure:"word_band_min"`
	WordBandMax    int     `mapstructure:"word_band_max"`
	LengthReward   float64 `mapstructure:"length_reward"`
	LengthPenalty  float64 `mapstructure:"length_penalty"`
	FastLatencyMs  int64   `mapstructure:"fast_latency_ms"`
	SlowLatencyMs  int64   `mapstructure:"slow_latency_ms"`
	LatencyReward  float64 `mapstructure:"latency_reward"`
	LatencyPenalty float64 `mapstructure:"latency_penalty"`
	ReliabilityMax float64 `mapstructure:"reliability_max"` // prior spread
}

type DiversityConfig struct {
	ClusterThreshold float64 `mapstructure:"cluster_threshold"`
	EmbeddingTimeout int     `mapstructure:"embedding_timeout"` // milliseconds
}

type VotingConfig struct {
	TieThreshold      float64 `mapstructure:"tie_threshold"`
	StrongVariance    float64 `mapstructure:"strong_variance"`
	StrongMean        float64 `mapstructure:"strong_mean"`
	WeakMean          float64 `mapstructure:"weak_mean"`
	ModerateVariance  float64 `mapstructure:"moderate_variance"`
	DiversityModifier bool    `mapstructure:"diversity_modifier"`
}

// ValidationConfig carries the quality-metric weights and thresholds. The
// defaults are observable behavior; change them only deliberately.
type ValidationConfig struct {
	WeightReadability float64 `mapstructure:"weight_readability"`
	WeightFactual     float64 `mapstructure:"weight_factual"`
	WeightNovelty     float64 `mapstructure:"weight_novelty"`
	WeightToxicity    float64 `mapstructure:"weight_toxicity"`
	WeightStructure   float64 `mapstructure:"weight_structure"`

	MinReadability float64 `mapstructure:"min_readability"`
	MinFactual     float64 `mapstructure:"min_factual"`
	MinNovelty     float64 `mapstructure:"min_novelty"`
	MinToxicity    float64 `mapstructure:"min_toxicity"`
	MinStructure   float64 `mapstructure:"min_structure"`
	MinOverall     float64 `mapstructure:"min_overall"`

	MaxRegenerations int `mapstructure:"max_regenerations"`
}

type MemoryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Timeout int  `mapstructure:"timeout"` // milliseconds
}

type CacheConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BaseTTL    int  `mapstructure:"base_ttl"`    // seconds
	QualityTTL int  `mapstructure:"quality_ttl"` // extra seconds at quality 1.0
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TierFor resolves the typed budget struct for a tier, falling back to the
// free tier for unknown values.
func (c *Config) TierFor(t models.Tier) TierConfig {
	if tc, ok := c.Tiers[string(t)]; ok {
		return tc
	}
	return c.Tiers[string(models.TierFree)]
}

// FallbackProviderID returns the designated reliable fallback role, empty when
// none is configured.
func (c *Config) FallbackProviderID() string {
	for id, p := range c.Providers {
		if p.Fallback {
			return id
		}
	}
	return ""
}

// RoleProviderIDs returns the non-fallback provider roles dispatched per
// request, in stable order.
func (c *Config) RoleProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id, p := range c.Providers {
		if !p.Fallback {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
