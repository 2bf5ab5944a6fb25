package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-orchestrator/internal/cache"
	"ensemble-orchestrator/internal/common/config"
	stderrors "ensemble-orchestrator/internal/common/errors"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/embedding"
	"ensemble-orchestrator/internal/memory"
	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/provider"
	"ensemble-orchestrator/internal/ratelimit"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"alpha":    {Kind: "static", Timeout: 2000, Reliability: 0.9, SystemRole: "You are a precise analyst."},
			"beta":     {Kind: "static", Timeout: 2000, Reliability: 0.8, SystemRole: "You are a creative explainer."},
			"gamma":    {Kind: "static", Timeout: 2000, Reliability: 0.7, SystemRole: "You are a critical reviewer."},
			"reliable": {Kind: "static", Timeout: 2000, Reliability: 0.95, Fallback: true},
		},
		Synthesis: config.SynthesisConfig{
			ProviderID:         "alpha",
			BaseTempDefault:    0.5,
			ConflictSimilarity: 0.5,
			Timeout:            2000,
		},
		Tiers: map[string]config.TierConfig{
			"free":    {MaxConcurrent: 2, ProviderRetries: 1, TokenCap: 1000, MemoryBudget: 500},
			"basic":   {MaxConcurrent: 4, ProviderRetries: 1, TokenCap: 2000, MemoryBudget: 1000},
			"premium": {MaxConcurrent: 8, ProviderRetries: 1, TokenCap: 4000, MemoryBudget: 2000},
		},
		Queue: config.QueueConfig{
			Capacity:      10,
			MaxConcurrent: 4,
			MaxRetries:    0,
			BackoffBase:   1,
			BackoffCap:    10,
			MinTextLength: 5,
			MaxTextLength: 1000,
		},
		Breaker:   config.BreakerConfig{FailureThreshold: 5, CooldownSeconds: 30},
		Scoring:   config.ScoringConfig{Base: 0.5, WordBandMin: 5, WordBandMax: 400, LengthReward: 0.1, LengthPenalty: 0.05, FastLatencyMs: 2000, SlowLatencyMs: 8000, LatencyReward: 0.1, LatencyPenalty: 0.1, ReliabilityMax: 0.2},
		Diversity: config.DiversityConfig{ClusterThreshold: 0.7, EmbeddingTimeout: 1000},
		Voting:    config.VotingConfig{TieThreshold: 0.05, StrongVariance: 0.01, StrongMean: 0.6, WeakMean: 0.4, ModerateVariance: 0.05},
		Validation: config.ValidationConfig{
			WeightReadability: 0.2, WeightFactual: 0.3, WeightNovelty: 0.25,
			WeightToxicity: 0.15, WeightStructure: 0.1,
			MinReadability: 0.1, MinFactual: 0.1, MinNovelty: 0.05,
			MinToxicity: 0.5, MinStructure: 0.1, MinOverall: 0.2,
			MaxRegenerations: 2,
		},
		Memory: config.MemoryConfig{Enabled: false},
		Cache:  config.CacheConfig{Enabled: false, BaseTTL: 900, QualityTTL: 900},
	}
}

type harness struct {
	orch     *Orchestrator
	gateways map[string]*provider.StaticGateway
	registry *provider.Registry
	cfg      *config.Config
}

func newHarness(t *testing.T, cfg *config.Config, store cache.Store) *harness {
	t.Helper()

	gateways := map[string]*provider.StaticGateway{
		"alpha":    provider.NewStaticGateway("alpha", "The moon's gravity pulls the oceans, which causes the tides we observe."),
		"beta":     provider.NewStaticGateway("beta", "Tides happen because the moon and sun exert gravitational force on seawater."),
		"gamma":    provider.NewStaticGateway("gamma", "Ocean tides result from gravitational interaction between earth, moon and sun."),
		"reliable": provider.NewStaticGateway("reliable", "Gravity from the moon moves the oceans and creates tides."),
	}
	registry := provider.NewRegistry()
	for id, gw := range gateways {
		registry.Register(id, gw)
	}

	breakers := provider.NewBreakerRegistry(cfg.Breaker)
	caller := provider.NewCaller(registry, breakers, cfg, logger.NewNoOpLogger())

	if store == nil {
		store = cache.NoopStore{}
	}

	orch := New(Deps{
		Config:   cfg,
		Logger:   logger.NewNoOpLogger(),
		Caller:   caller,
		Breakers: breakers,
		Registry: registry,
		Embedder: embedding.NewLocalService(0),
		Cache:    store,
		Limiter:  ratelimit.AllowAll{},
		Memory:   memory.NoopStore{},
	})
	orch.Start()
	t.Cleanup(orch.Stop)

	return &harness{orch: orch, gateways: gateways, registry: registry, cfg: cfg}
}

func submitRequest(t *testing.T, h *harness, text string) *models.FinalResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := h.orch.Submit(ctx, models.NewRequest(text, "u1", "s1", models.TierBasic))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestSubmitFullSuccess(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	result := submitRequest(t, h, "What causes ocean tides?")

	require.Len(t, result.Responses, 3)
	for _, r := range result.Responses {
		assert.Equal(t, models.StatusFulfilled, r.Status)
		assert.False(t, r.IsFallback)
	}
	assert.Equal(t, models.StrategyComprehensive, result.Synthesis.Strategy)
	assert.Equal(t, models.ResultOK, result.Status)
	assert.NotEqual(t, models.ConsensusNone, result.Voting.Consensus)

	var sum float64
	for _, w := range result.Voting.Weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	stageNames := make([]string, 0, len(result.Trace))
	for _, step := range result.Trace {
		stageNames = append(stageNames, step.Name)
	}
	assert.Equal(t, []string{"dispatch", "confidence", "diversity", "voting", "synthesis", "validation"}, stageNames)
}

func TestSubmitOpenCircuitUsesFallbackProvider(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	for i := 0; i < 5; i++ {
		h.orch.breakers.RecordFailure("beta")
	}
	require.Equal(t, provider.BreakerOpen, h.orch.breakers.State("beta"))

	result := submitRequest(t, h, "What causes ocean tides?")

	var betaResponse *models.ProviderResponse
	for _, r := range result.Responses {
		if r.ProviderID == "beta" {
			betaResponse = r
		}
	}
	require.NotNil(t, betaResponse)
	assert.Equal(t, models.StatusFulfilled, betaResponse.Status)
	assert.True(t, betaResponse.IsFallback)
	assert.Equal(t, 0, h.gateways["beta"].Calls(), "open circuit skips the provider")
}

func TestSubmitAllProvidersFail(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	for _, id := range []string{"alpha", "beta", "gamma", "reliable"} {
		for i := 0; i < 4; i++ {
			h.gateways[id].QueueError(errors.New("provider down"))
		}
	}

	result := submitRequest(t, h, "What causes ocean tides?")

	assert.Equal(t, models.ResultDegraded, result.Status)
	assert.Equal(t, models.ConsensusNone, result.Voting.Consensus)
	assert.Empty(t, result.Voting.Weights)
	assert.Empty(t, result.Voting.WinnerID)
	assert.Equal(t, models.StrategyFallback, result.Synthesis.Strategy)
	assert.Equal(t, models.SynthesisFallback, result.Synthesis.Status)
	assert.NotEmpty(t, result.Synthesis.Content)
}

func TestSubmitCacheHitSkipsProviders(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testConfig()
	cfg.Cache.Enabled = true
	store := cache.NewRedisStore(client, cfg.Cache, logger.NewNoOpLogger())
	h := newHarness(t, cfg, store)

	first := submitRequest(t, h, "What causes ocean tides?")
	require.Equal(t, models.ResultOK, first.Status)

	fp := cache.Fingerprint("What causes ocean tides?", "u1", models.TierBasic)
	require.Eventually(t, func() bool {
		hit, err := store.Get(context.Background(), fp)
		return err == nil && hit != nil
	}, 3*time.Second, 20*time.Millisecond, "async cache write lands")

	callsBefore := h.gateways["alpha"].Calls() + h.gateways["beta"].Calls() + h.gateways["gamma"].Calls()

	second := submitRequest(t, h, "What causes ocean tides?")

	assert.True(t, second.Cached)
	assert.Equal(t, models.ResultCached, second.Status)
	callsAfter := h.gateways["alpha"].Calls() + h.gateways["beta"].Calls() + h.gateways["gamma"].Calls()
	assert.Equal(t, callsBefore, callsAfter, "cache hit makes no provider calls")
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *models.Request
	}{
		{"too short", models.NewRequest("hi", "u1", "s1", models.TierFree)},
		{"missing user", &models.Request{ID: "x", Text: "valid question text", Tier: models.TierFree}},
		{"unknown tier", &models.Request{ID: "x", Text: "valid question text", UserID: "u1", Tier: "platinum"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, stderrors.IsAdmissionError(err))
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testConfig()
	basic := cfg.Tiers["basic"]
	basic.HourlyLimit = 1
	cfg.Tiers["basic"] = basic

	h := newHarness(t, cfg, nil)
	h.orch.limiter = ratelimit.NewRedisLimiter(client, logger.NewNoOpLogger())

	first := submitRequest(t, h, "What causes ocean tides?")
	require.Equal(t, models.ResultOK, first.Status)

	_, err := h.orch.Submit(context.Background(), models.NewRequest("What causes ocean tides?", "u1", "s1", models.TierBasic))
	require.Error(t, err)

	var stdErr *stderrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, stderrors.ErrCodeRateLimited, stdErr.Code)
}

func TestQueueFullRejection(t *testing.T) {
	q := newPriorityQueue(2)

	for i := 0; i < 2; i++ {
		req := models.NewRequest("question text here", "u1", "s1", models.TierFree)
		require.NoError(t, q.push(&pendingItem{item: models.NewQueueItem(req)}))
	}

	req := models.NewRequest("question text here", "u1", "s1", models.TierFree)
	err := q.push(&pendingItem{item: models.NewQueueItem(req)})

	require.Error(t, err)
	var stdErr *stderrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, stderrors.ErrCodeQueueFull, stdErr.Code)
}

func TestQueuePriorityOrder(t *testing.T) {
	q := newPriorityQueue(10)

	low := &pendingItem{item: models.NewQueueItem(models.NewRequest("low priority question", "u1", "s1", models.TierFree))}
	med := &pendingItem{item: models.NewQueueItem(models.NewRequest("medium priority question", "u2", "s1", models.TierBasic))}
	high := &pendingItem{item: models.NewQueueItem(models.NewRequest("high priority question", "u3", "s1", models.TierPremium))}

	require.NoError(t, q.push(low))
	require.NoError(t, q.push(med))
	require.NoError(t, q.push(high))

	first, _ := q.pop(time.Now(), nil)
	second, _ := q.pop(time.Now(), nil)
	third, _ := q.pop(time.Now(), nil)

	assert.Equal(t, high, first)
	assert.Equal(t, med, second)
	assert.Equal(t, low, third)
}

func TestQueueRetryGoesToFrontOfHigh(t *testing.T) {
	q := newPriorityQueue(10)

	waiting := &pendingItem{item: models.NewQueueItem(models.NewRequest("already queued question", "u1", "s1", models.TierPremium))}
	require.NoError(t, q.push(waiting))

	retried := &pendingItem{item: models.NewQueueItem(models.NewRequest("retried question", "u2", "s1", models.TierFree))}
	retried.item.RetryCount = 1
	require.Equal(t, models.PriorityLow, retried.item.Priority)
	q.pushFront(retried)

	first, _ := q.pop(time.Now(), nil)
	assert.Equal(t, retried, first, "retries preempt queued work")
	assert.Equal(t, models.PriorityHigh, retried.item.Priority, "retry bumps the priority class")
}

func TestQueueBackoffDefersPop(t *testing.T) {
	q := newPriorityQueue(10)
	now := time.Now()

	deferred := &pendingItem{
		item:      models.NewQueueItem(models.NewRequest("deferred question", "u1", "s1", models.TierFree)),
		notBefore: now.Add(time.Hour),
	}
	q.pushFront(deferred)

	item, nearest := q.pop(now, nil)
	assert.Nil(t, item)
	assert.Equal(t, deferred.notBefore, nearest)

	item, _ = q.pop(now.Add(2*time.Hour), nil)
	assert.Equal(t, deferred, item)
}

func TestQueuePopSkipsHeldItems(t *testing.T) {
	q := newPriorityQueue(10)

	premium := &pendingItem{item: models.NewQueueItem(models.NewRequest("premium question here", "u1", "s1", models.TierPremium))}
	free := &pendingItem{item: models.NewQueueItem(models.NewRequest("free tier question", "u2", "s1", models.TierFree))}
	require.NoError(t, q.push(premium))
	require.NoError(t, q.push(free))

	onlyFree := func(p *pendingItem) bool { return p.item.Request.Tier == models.TierFree }

	item, nearest := q.pop(time.Now(), onlyFree)
	assert.Equal(t, free, item, "a held item does not block work behind it")
	assert.True(t, nearest.IsZero())

	item, _ = q.pop(time.Now(), nil)
	assert.Equal(t, premium, item, "skipped items stay queued")
}

func TestTierGateLimits(t *testing.T) {
	g := newTierGate()

	assert.True(t, g.tryAcquire(models.TierFree, 2))
	assert.True(t, g.tryAcquire(models.TierFree, 2))
	assert.False(t, g.tryAcquire(models.TierFree, 2))
	assert.True(t, g.tryAcquire(models.TierPremium, 1), "tiers are counted independently")

	g.release(models.TierFree)
	assert.True(t, g.tryAcquire(models.TierFree, 2))

	assert.True(t, g.tryAcquire(models.TierBasic, 0), "zero limit is unbounded")
}

// peakTracker records the highest number of simultaneously active provider
// invocations across all tracked gateways.
type peakTracker struct {
	mu     sync.Mutex
	active int
	peak   int
}

func (p *peakTracker) enter() {
	p.mu.Lock()
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()
}

func (p *peakTracker) exit() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

func (p *peakTracker) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

type trackedGateway struct {
	inner   provider.Gateway
	tracker *peakTracker
	hold    time.Duration
}

func (g *trackedGateway) Name() string { return g.inner.Name() }

func (g *trackedGateway) Invoke(ctx context.Context, system, user string, maxTokens int, temperature float64) (*provider.Completion, error) {
	g.tracker.enter()
	defer g.tracker.exit()
	time.Sleep(g.hold)
	return g.inner.Invoke(ctx, system, user, maxTokens, temperature)
}

func TestSubmitHonorsTierConcurrencyCeiling(t *testing.T) {
	cfg := testConfig()
	free := cfg.Tiers["free"]
	free.MaxConcurrent = 1
	cfg.Tiers["free"] = free

	h := newHarness(t, cfg, nil)
	tracker := &peakTracker{}
	for id, gw := range h.gateways {
		h.registry.Register(id, &trackedGateway{inner: gw, tracker: tracker, hold: 30 * time.Millisecond})
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			req := models.NewRequest("What causes ocean tides?", fmt.Sprintf("user-%d", slot), "s1", models.TierFree)
			_, errs[slot] = h.orch.Submit(ctx, req)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, tracker.Peak(), len(cfg.RoleProviderIDs()),
		"one free-tier request in flight at a time caps concurrent provider calls at the role count")
	assert.Positive(t, tracker.Peak())
}

func TestSubmitRequeuesOnTotalTransientFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxRetries = 1
	h := newHarness(t, cfg, nil)

	// First dispatch wave fails everywhere including the fallback; the
	// retry succeeds against the default replies.
	for _, id := range []string{"alpha", "beta", "gamma"} {
		h.gateways[id].QueueError(errors.New("transient outage"))
	}
	h.gateways["reliable"].
		QueueError(errors.New("transient outage")).
		QueueError(errors.New("transient outage")).
		QueueError(errors.New("transient outage"))

	result := submitRequest(t, h, "What causes ocean tides?")

	assert.Equal(t, models.ResultOK, result.Status)
	assert.NotEmpty(t, result.FulfilledResponses())
}

func TestMetricsSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	submitRequest(t, h, "What causes ocean tides?")

	stats := h.orch.Metrics()
	assert.EqualValues(t, 1, stats.Submitted)
	assert.EqualValues(t, 1, stats.Completed)
	assert.Positive(t, stats.DispatchedCost, "dispatch accounts estimated prompt tokens")
	assert.Contains(t, stats.QueueDepth, "high")
	assert.NotEmpty(t, stats.Breakers)
}

func TestHealthCheckReflectsBreakers(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	healthy := h.orch.HealthCheck(context.Background())
	assert.True(t, healthy.Healthy)

	for _, id := range []string{"alpha", "beta", "gamma"} {
		for i := 0; i < 5; i++ {
			h.orch.breakers.RecordFailure(id)
		}
	}

	down := h.orch.HealthCheck(context.Background())
	assert.False(t, down.Healthy)
	assert.Equal(t, "open", down.Providers["alpha"])
}
