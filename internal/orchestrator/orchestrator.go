// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ensemble-orchestrator/internal/cache"
	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/errors"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/common/metrics"
	"ensemble-orchestrator/internal/embedding"
	"ensemble-orchestrator/internal/memory"
	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/pipeline/confidence"
	"ensemble-orchestrator/internal/pipeline/diversity"
	"ensemble-orchestrator/internal/pipeline/synthesis"
	"ensemble-orchestrator/internal/pipeline/validation"
	"ensemble-orchestrator/internal/pipeline/voting"
	"ensemble-orchestrator/internal/provider"
	"ensemble-orchestrator/internal/ratelimit"
)

const roleTemperature = 0.7

// Deps collects the collaborators the orchestrator coordinates.
type Deps struct {
	Config   *config.Config
	Logger   logger.Logger
	Caller   *provider.Caller
	Breakers *provider.BreakerRegistry
	Registry *provider.Registry
	Embedder embedding.Service
	Cache    cache.Store
	Limiter  ratelimit.Limiter
	Memory   memory.Store
	Toxicity validation.ToxicityScorer
}

// Orchestrator owns admission, queueing, dispatch and the per-request
// pipeline. One instance serves all requests.
type Orchestrator struct {
	cfg      *config.Config
	logger   logger.Logger
	caller   *provider.Caller
	breakers *provider.BreakerRegistry

	scorer      *confidence.Scorer
	voter       *voting.Engine
	synthesizer *synthesis.Engine

	embedder embedding.Service
	cache    cache.Store
	limiter  ratelimit.Limiter
	memory   memory.Store
	toxicity validation.ToxicityScorer

	queue *priorityQueue
	sem   *semaphore.Weighted
	tiers *tierGate

	statsMu sync.Mutex
	stats   Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Stats is the Metrics() snapshot. DispatchedCost accumulates the estimated
// prompt tokens of every dispatch, retries included.
type Stats struct {
	Submitted      int64             `json:"submitted"`
	Completed      int64             `json:"completed"`
	Cached         int64             `json:"cached"`
	Degraded       int64             `json:"degraded"`
	Errors         int64             `json:"errors"`
	Rejected       int64             `json:"rejected"`
	DispatchedCost int64             `json:"dispatchedCost"`
	QueueDepth     map[string]int    `json:"queueDepth"`
	Breakers       map[string]string `json:"breakers"`
}

func New(deps Deps) *Orchestrator {
	cfg := deps.Config
	maxConcurrent := cfg.Queue.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	o := &Orchestrator{
		cfg:         cfg,
		logger:      deps.Logger,
		caller:      deps.Caller,
		breakers:    deps.Breakers,
		scorer:      confidence.NewScorer(cfg.Scoring, cfg.Providers),
		voter:       voting.NewEngine(cfg.Voting),
		synthesizer: synthesis.NewEngine(deps.Registry, cfg, deps.Logger),
		embedder:    deps.Embedder,
		cache:       deps.Cache,
		limiter:     deps.Limiter,
		memory:      deps.Memory,
		toxicity:    deps.Toxicity,
		queue:       newPriorityQueue(cfg.Queue.Capacity),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		tiers:       newTierGate(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	return o
}

// Start launches the dispatch loop. Call Stop to drain and shut down.
func (o *Orchestrator) Start() {
	go o.dispatchLoop()
}

// Stop halts dispatching. Queued-but-undelivered submitters receive a
// degraded result through their pending channels closing via stopCh.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	<-o.doneCh
}

// Submit admits one request and blocks until its FinalResult is ready.
// Admission failures (invalid request, rate limit, full queue) return an
// error before any provider work; later failures are absorbed into the
// result.
func (o *Orchestrator) Submit(ctx context.Context, req *models.Request) (*models.FinalResult, error) {
	o.bumpStat(func(s *Stats) { s.Submitted++ })

	if err := o.validateRequest(req); err != nil {
		o.rejected("invalid")
		return nil, err
	}

	decision, err := o.limiter.Check(ctx, req.UserID, o.cfg.TierFor(req.Tier))
	if err != nil {
		// A broken limiter must not take the service down with it.
		o.logger.Warn("rate limiter unavailable, admitting request", map[string]interface{}{
			"requestId": req.ID,
			"error":     err.Error(),
		})
	} else if !decision.Allowed {
		o.rejected("rate_limited")
		return nil, errors.NewRateLimitError(req.UserID, decision.RetryAfter)
	}

	pending := &pendingItem{
		item:     models.NewQueueItem(req),
		resultCh: make(chan *models.FinalResult, 1),
	}
	if err := o.queue.push(pending); err != nil {
		o.rejected("queue_full")
		return nil, err
	}

	select {
	case result := <-pending.resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.stopCh:
		return nil, fmt.Errorf("orchestrator is shutting down")
	}
}

func (o *Orchestrator) validateRequest(req *models.Request) error {
	if req == nil {
		return errors.NewRequestInvalidError("request is nil")
	}
	text := strings.TrimSpace(req.Text)
	if min := o.cfg.Queue.MinTextLength; len(text) < min {
		return errors.NewRequestInvalidError(fmt.Sprintf("text shorter than %d characters", min))
	}
	if max := o.cfg.Queue.MaxTextLength; max > 0 && len(text) > max {
		return errors.NewRequestInvalidError(fmt.Sprintf("text longer than %d characters", max))
	}
	if req.UserID == "" {
		return errors.NewRequestInvalidError("userId is required")
	}
	if !models.ValidTiers[req.Tier] {
		return errors.NewRequestInvalidError(fmt.Sprintf("unknown tier %q", req.Tier))
	}
	return nil
}

// dispatchLoop drains the queue in priority order, bounded by the global
// concurrency semaphore and the per-tier active budgets. Items whose tier is
// saturated stay queued without blocking other tiers behind them.
func (o *Orchestrator) dispatchLoop() {
	defer close(o.doneCh)
	var inflight sync.WaitGroup

	admit := func(p *pendingItem) bool {
		tier := p.item.Request.Tier
		return o.tiers.tryAcquire(tier, o.cfg.TierFor(tier).MaxConcurrent)
	}

	for {
		pending, nearest := o.queue.pop(time.Now(), admit)
		if pending == nil {
			var timer <-chan time.Time
			if !nearest.IsZero() {
				timer = time.After(time.Until(nearest))
			}
			select {
			case <-o.queue.notify:
			case <-timer:
			case <-o.stopCh:
				inflight.Wait()
				return
			}
			continue
		}

		if err := o.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		inflight.Add(1)
		go func(p *pendingItem) {
			defer inflight.Done()
			defer o.sem.Release(1)
			defer o.releaseTier(p.item.Request.Tier)
			o.handle(p)
		}(pending)
	}
}

// releaseTier frees one tier slot and wakes the dispatch loop so a held-back
// item of that tier can be reconsidered.
func (o *Orchestrator) releaseTier(t models.Tier) {
	o.tiers.release(t)
	o.queue.wake()
}

// handle runs one queued request to completion, requeueing on total
// transient provider failure while retry budget remains.
func (o *Orchestrator) handle(p *pendingItem) {
	metrics.ActiveDispatches.Inc()
	defer metrics.ActiveDispatches.Dec()
	o.bumpStat(func(s *Stats) { s.DispatchedCost += int64(p.item.EstimatedCost) })

	result, retry := o.process(p.item)
	if retry {
		p.item.RetryCount++
		p.notBefore = time.Now().Add(o.retryBackoff(p.item.RetryCount))
		o.logger.Warn("requeueing request after total provider failure", map[string]interface{}{
			"requestId":  p.item.Request.ID,
			"retryCount": p.item.RetryCount,
		})
		o.queue.pushFront(p)
		return
	}

	o.recordOutcome(result)
	p.resultCh <- result
}

func (o *Orchestrator) retryBackoff(retryCount int) time.Duration {
	base := time.Duration(o.cfg.Queue.BackoffBase) * time.Millisecond
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := time.Duration(o.cfg.Queue.BackoffCap) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	delay := base * time.Duration(1<<(retryCount-1))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// process runs the per-request pipeline. It never lets a failure escape:
// panics and stage errors downgrade into a degraded FinalResult. The bool
// return requests a queue-level retry.
func (o *Orchestrator) process(item *models.QueueItem) (result *models.FinalResult, retry bool) {
	req := item.Request
	started := time.Now()
	log := o.logger.WithFields(map[string]interface{}{"requestId": req.ID})
	var trace models.DecisionTrace

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panicked, returning degraded result", map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
			})
			result = o.degradedResult(req, trace, started)
			retry = false
		}
	}()

	// Cache lookup short-circuits the whole pipeline.
	fingerprint := cache.Fingerprint(req.Text, req.UserID, req.Tier)
	if o.cfg.Cache.Enabled {
		cached := o.stage(&trace, "cache_lookup", func() (string, interface{}) {
			hit, err := o.cache.Get(context.Background(), fingerprint)
			if err != nil {
				log.Warn("cache lookup failed", map[string]interface{}{"error": err.Error()})
				return "error", nil
			}
			if hit == nil {
				return "miss", nil
			}
			return "hit", hit
		})
		if hit, ok := cached.(*models.FinalResult); ok {
			hit.Cached = true
			hit.Status = models.ResultCached
			hit.Trace = append(trace, hit.Trace...)
			return hit, false
		}
	}

	// Conversation context is best-effort.
	tierCfg := o.cfg.TierFor(req.Tier)
	var convContext string
	if o.cfg.Memory.Enabled {
		o.stage(&trace, "memory_context", func() (string, interface{}) {
			timeout := time.Duration(o.cfg.Memory.Timeout) * time.Millisecond
			if timeout <= 0 {
				timeout = 2 * time.Second
			}
			memCtx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			got, err := o.memory.GetContext(memCtx, req.UserID, req.SessionID, tierCfg.MemoryBudget)
			if err != nil {
				log.Warn("memory context fetch failed, continuing without", map[string]interface{}{
					"error": err.Error(),
				})
				return "unavailable", nil
			}
			convContext = got.Text
			return fmt.Sprintf("%d tokens", got.TokenCount), nil
		})
	}

	// Fan out to every provider role and join on all of them settling.
	responses := o.dispatch(req, convContext, tierCfg, &trace)

	fulfilled := 0
	for _, r := range responses {
		if r.Fulfilled() {
			fulfilled++
		}
	}
	if fulfilled == 0 && item.RetryCount < o.cfg.Queue.MaxRetries {
		return nil, true
	}

	// Scoring and analysis share one memoized embedder per request.
	memo := embedding.NewMemo(o.embedder)

	var confidences map[string]models.ConfidenceScore
	o.stage(&trace, "confidence", func() (string, interface{}) {
		confidences = o.scorer.ScoreAll(responses)
		return fmt.Sprintf("%d scored", len(confidences)), nil
	})

	var analysis *diversity.Analysis
	o.stage(&trace, "diversity", func() (string, interface{}) {
		analyzer := diversity.NewAnalyzer(memo, o.cfg.Diversity, log)
		analysis = analyzer.Analyze(context.Background(), responses)
		return fmt.Sprintf("overall %.2f, %d clusters", analysis.Overall, len(analysis.Clusters)), nil
	})

	var votingResult *models.VotingResult
	o.stage(&trace, "voting", func() (string, interface{}) {
		votingResult = o.voter.Vote(responses, confidences, analysis)
		return fmt.Sprintf("winner %s, consensus %s", votingResult.WinnerID, votingResult.Consensus), nil
	})

	synthesisInput := synthesis.Input{
		Request:     req,
		Responses:   responses,
		Confidences: confidences,
		Voting:      votingResult,
		Analysis:    analysis,
		TierCap:     tierCfg.TokenCap,
	}

	var synthesisResult *models.SynthesisResult
	o.stage(&trace, "synthesis", func() (string, interface{}) {
		synthesisResult = o.synthesizer.Synthesize(context.Background(), synthesisInput)
		return fmt.Sprintf("strategy %s, status %s", synthesisResult.Strategy, synthesisResult.Status), nil
	})

	var validationResult *models.ValidationResult
	o.stage(&trace, "validation", func() (string, interface{}) {
		validator := validation.NewValidator(o.cfg.Validation, memo, o.toxicity, log)
		regenerate := func(ctx context.Context, improvements []string) *models.SynthesisResult {
			in := synthesisInput
			in.Improvements = improvements
			return o.synthesizer.Synthesize(ctx, in)
		}
		synthesisResult, validationResult = validator.ValidateWithRegeneration(
			context.Background(), synthesisResult, regenerate, responses, req)
		return fmt.Sprintf("overall %.2f, passes %v", validationResult.OverallQuality, validationResult.PassesThreshold), nil
	})

	status := models.ResultOK
	if fulfilled == 0 {
		status = models.ResultDegraded
	}

	result = &models.FinalResult{
		Request:     req,
		Responses:   responses,
		Confidences: confidences,
		Voting:      votingResult,
		Synthesis:   synthesisResult,
		Validation:  validationResult,
		Trace:       trace,
		Status:      status,
		LatencyMs:   time.Since(started).Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}

	metrics.RequestDuration.WithLabelValues(string(req.Tier)).Observe(time.Since(started).Seconds())
	o.persistAsync(req, fingerprint, result, log)
	return result, false
}

// dispatch runs every provider role concurrently and waits for all of them
// to settle.
func (o *Orchestrator) dispatch(req *models.Request, convContext string, tierCfg config.TierConfig, trace *models.DecisionTrace) []*models.ProviderResponse {
	roles := o.cfg.RoleProviderIDs()
	responses := make([]*models.ProviderResponse, len(roles))

	prompt := req.Text
	if convContext != "" {
		prompt = "Previous conversation:\n" + convContext + "\n\nCurrent question:\n" + req.Text
	}

	o.stage(trace, "dispatch", func() (string, interface{}) {
		var wg sync.WaitGroup
		for i, providerID := range roles {
			wg.Add(1)
			go func(slot int, id string) {
				defer wg.Done()
				responses[slot] = o.caller.CallWithResilience(context.Background(), provider.CallSpec{
					ProviderID:  id,
					UserPrompt:  prompt,
					MaxTokens:   tierCfg.TokenCap,
					Temperature: roleTemperature,
					MaxAttempts: tierCfg.ProviderRetries,
				})
			}(i, providerID)
		}
		wg.Wait()

		fulfilled := 0
		for _, r := range responses {
			if r.Fulfilled() {
				fulfilled++
			}
		}
		return fmt.Sprintf("%d/%d fulfilled", fulfilled, len(roles)), nil
	})
	return responses
}

// persistAsync stores the interaction and caches the result without ever
// blocking or failing the response path.
func (o *Orchestrator) persistAsync(req *models.Request, fingerprint string, result *models.FinalResult, log logger.Logger) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("async persistence panicked", map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
				})
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if o.cfg.Memory.Enabled {
			quality := 0.0
			if result.Validation != nil {
				quality = result.Validation.OverallQuality
			}
			if err := o.memory.Store(ctx, memory.Interaction{
				UserID: req.UserID, SessionID: req.SessionID,
				Text: req.Text, IsUserTurn: true,
			}); err != nil {
				log.Warn("failed to store user turn", map[string]interface{}{"error": err.Error()})
			}
			if err := o.memory.Store(ctx, memory.Interaction{
				UserID: req.UserID, SessionID: req.SessionID,
				Text: result.Synthesis.Content, Quality: quality,
				ProviderID: result.Synthesis.ProviderID,
			}); err != nil {
				log.Warn("failed to store assistant turn", map[string]interface{}{"error": err.Error()})
			}
		}

		if o.cfg.Cache.Enabled && result.Status == models.ResultOK {
			if err := o.cache.Set(ctx, fingerprint, result); err != nil {
				log.Warn("failed to cache result", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
}

// degradedResult downgrades an internal failure into a well-formed apologetic
// answer, never a raw error.
func (o *Orchestrator) degradedResult(req *models.Request, trace models.DecisionTrace, started time.Time) *models.FinalResult {
	return &models.FinalResult{
		Request:     req,
		Responses:   []*models.ProviderResponse{},
		Confidences: map[string]models.ConfidenceScore{},
		Voting:      &models.VotingResult{Weights: map[string]float64{}, Consensus: models.ConsensusNone},
		Synthesis: &models.SynthesisResult{
			Content: "I apologize, but an internal error prevented this request " +
				"from completing. Please try again.",
			Strategy: models.StrategyFallback,
			Status:   models.SynthesisError,
		},
		Validation:  &models.ValidationResult{QualityLevel: models.QualityPoor},
		Trace:       trace,
		Status:      models.ResultError,
		LatencyMs:   time.Since(started).Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
}

// stage times one pipeline step, records it on the trace, and passes through
// an optional payload.
func (o *Orchestrator) stage(trace *models.DecisionTrace, name string, fn func() (string, interface{})) interface{} {
	started := time.Now()
	summary, payload := fn()
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	*trace = append(*trace, models.TraceStep{
		Name:       name,
		StartedAt:  started.UTC(),
		DurationMs: time.Since(started).Milliseconds(),
		Summary:    summary,
	})
	return payload
}

func (o *Orchestrator) recordOutcome(result *models.FinalResult) {
	switch result.Status {
	case models.ResultCached:
		metrics.RequestsTotal.WithLabelValues("cached").Inc()
		o.bumpStat(func(s *Stats) { s.Cached++; s.Completed++ })
	case models.ResultDegraded:
		metrics.RequestsTotal.WithLabelValues("degraded").Inc()
		o.bumpStat(func(s *Stats) { s.Degraded++; s.Completed++ })
	case models.ResultError:
		metrics.RequestsTotal.WithLabelValues("error").Inc()
		o.bumpStat(func(s *Stats) { s.Errors++; s.Completed++ })
	default:
		metrics.RequestsTotal.WithLabelValues("ok").Inc()
		o.bumpStat(func(s *Stats) { s.Completed++ })
	}
}

func (o *Orchestrator) rejected(reason string) {
	metrics.AdmissionRejections.WithLabelValues(reason).Inc()
	o.bumpStat(func(s *Stats) { s.Rejected++ })
}

func (o *Orchestrator) bumpStat(fn func(*Stats)) {
	o.statsMu.Lock()
	fn(&o.stats)
	o.statsMu.Unlock()
}

// Metrics snapshots the orchestrator's counters, queue depths and breaker
// states.
func (o *Orchestrator) Metrics() Stats {
	o.statsMu.Lock()
	snapshot := o.stats
	o.statsMu.Unlock()
	snapshot.QueueDepth = o.queue.depths()
	snapshot.Breakers = o.breakers.States()
	return snapshot
}

// Health reports per-provider breaker state and overall readiness. The
// pipeline is considered up while at least one role's breaker is not open.
type Health struct {
	Healthy   bool              `json:"healthy"`
	Providers map[string]string `json:"providers"`
}

func (o *Orchestrator) HealthCheck(context.Context) Health {
	states := make(map[string]string)
	anyUsable := false
	for _, id := range o.cfg.RoleProviderIDs() {
		state := o.breakers.State(id).String()
		states[id] = state
		if state != "open" {
			anyUsable = true
		}
	}
	return Health{Healthy: anyUsable, Providers: states}
}
