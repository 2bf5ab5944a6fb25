// internal/pipeline/synthesis/engine.go
package synthesis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/pipeline/diversity"
	"ensemble-orchestrator/internal/provider"
)

const degradedApology = "I apologize, but I could not generate a reliable answer " +
	"right now because the underlying services are unavailable. Please try again " +
	"in a few moments."

// Input carries everything one synthesis call needs.
type Input struct {
	Request     *models.Request
	Responses   []*models.ProviderResponse
	Confidences map[string]models.ConfidenceScore
	Voting      *models.VotingResult
	Analysis    *diversity.Analysis
	TierCap     int

	// Improvements holds per-metric instructions from a failed validation
	// pass; empty on the first attempt.
	Improvements []string
}

// Engine builds and executes the combination call against the designated
// synthesis provider.
type Engine struct {
	registry *provider.Registry
	cfg      *config.Config
	logger   logger.Logger
}

func NewEngine(registry *provider.Registry, cfg *config.Config, log logger.Logger) *Engine {
	return &Engine{registry: registry, cfg: cfg, logger: log}
}

// Synthesize combines the ensemble into one answer. It never returns an
// error: a failed synthesis call degrades to deterministic concatenation of
// the available sources.
func (e *Engine) Synthesize(ctx context.Context, in Input) *models.SynthesisResult {
	sources := rankedSources(in)
	strategy := SelectStrategy(countFulfilled(in.Responses), tieBreaking(in.Voting))
	pairs := ComparativePairs(strategy, countFulfilled(in.Responses))
	tokens := TokenBudget(in.TierCap, countFulfilled(in.Responses), pairs)
	temp := Temperature(e.cfg.Synthesis.BaseTemp(), pairs, strategy == models.StrategyFallback)

	result := &models.SynthesisResult{
		Strategy:        strategy,
		TokensRequested: tokens,
		Temperature:     temp,
		ProviderID:      e.cfg.Synthesis.ProviderID,
	}

	prompt := buildPrompt(strategy, in.Request, sources, in.Confidences, in.Analysis,
		e.cfg.Synthesis.ConflictSimilarity, in.Improvements)

	content, err := e.invoke(ctx, prompt, tokens, temp)
	if err != nil {
		e.logger.Warn("synthesis call failed, using concatenation fallback", map[string]interface{}{
			"requestId": in.Request.ID,
			"strategy":  string(strategy),
			"error":     err.Error(),
		})
		result.Status = models.SynthesisFallback
		result.Content = concatenationFallback(sources)
		return result
	}

	result.Status = models.SynthesisSuccess
	if strategy == models.StrategyFallback {
		result.Status = models.SynthesisFallback
	}
	result.Content = content
	return result
}

func (e *Engine) invoke(ctx context.Context, prompt string, tokens int, temp float64) (string, error) {
	gw, err := e.registry.Get(e.cfg.Synthesis.ProviderID)
	if err != nil {
		return "", err
	}

	timeout := time.Duration(e.cfg.Synthesis.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	completion, err := gw.Invoke(callCtx, synthesisSystemPrompt, prompt, tokens, temp)
	if err != nil {
		return "", err
	}
	if completion == nil || completion.Text == "" {
		return "", fmt.Errorf("synthesis provider returned empty completion")
	}
	return completion.Text, nil
}

// rankedSources orders the fulfilled responses by descending confidence and
// keeps at most the top three, which is all any strategy consumes.
func rankedSources(in Input) []*models.ProviderResponse {
	sources := make([]*models.ProviderResponse, 0, len(in.Responses))
	for _, r := range in.Responses {
		if r.Fulfilled() {
			sources = append(sources, r)
		}
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return in.Confidences[sources[i].ProviderID].Value > in.Confidences[sources[j].ProviderID].Value
	})
	if len(sources) > maxRankedSources {
		sources = sources[:maxRankedSources]
	}
	return sources
}

// concatenationFallback is the deterministic last resort: available answers
// labeled by source, or an apology when there are none.
func concatenationFallback(sources []*models.ProviderResponse) string {
	if len(sources) == 0 {
		return degradedApology
	}
	var b strings.Builder
	b.WriteString("Multiple answers were generated for your question:\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", src.ProviderID, src.Content)
	}
	return b.String()
}

func countFulfilled(responses []*models.ProviderResponse) int {
	n := 0
	for _, r := range responses {
		if r.Fulfilled() {
			n++
		}
	}
	return n
}

func tieBreaking(v *models.VotingResult) bool {
	return v != nil && v.TieBreaking
}
