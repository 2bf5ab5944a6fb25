package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/pipeline/diversity"
	"ensemble-orchestrator/internal/provider"
)

func newTestEngine(gw provider.Gateway) *Engine {
	registry := provider.NewRegistry()
	registry.Register("synth", gw)
	cfg := &config.Config{
		Synthesis: config.SynthesisConfig{
			ProviderID:         "synth",
			BaseTempDefault:    0.5,
			BaseTempPrecise:    0.3,
			ConflictSimilarity: 0.5,
			Timeout:            1000,
		},
	}
	return NewEngine(registry, cfg, logger.NewNoOpLogger())
}

func fulfilled(id, content string) *models.ProviderResponse {
	return &models.ProviderResponse{ProviderID: id, Status: models.StatusFulfilled, Content: content}
}

func testInput(responses ...*models.ProviderResponse) Input {
	confs := make(map[string]models.ConfidenceScore)
	for i, r := range responses {
		confs[r.ProviderID] = models.ConfidenceScore{Value: 0.9 - float64(i)*0.1}
	}
	return Input{
		Request:     &models.Request{ID: "req-1", Text: "What causes tides?"},
		Responses:   responses,
		Confidences: confs,
		Voting:      &models.VotingResult{},
		TierCap:     4000,
	}
}

func TestSelectStrategyTable(t *testing.T) {
	tests := []struct {
		count int
		tie   bool
		want  models.Strategy
	}{
		{0, false, models.StrategyFallback},
		{1, false, models.StrategyEnhancement},
		{2, false, models.StrategyComparative},
		{2, true, models.StrategyTiebreaker},
		{3, false, models.StrategyComprehensive},
		{5, true, models.StrategyComprehensive},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SelectStrategy(tt.count, tt.tie),
			"count=%d tie=%v", tt.count, tt.tie)
	}
}

func TestTokenBudgetFormula(t *testing.T) {
	// Three fulfilled, comprehensive: pairs = 2, tokens = 200 + 600 + 100.
	pairs := ComparativePairs(models.StrategyComprehensive, 3)
	require.Equal(t, 2, pairs)
	assert.Equal(t, 900, TokenBudget(4000, 3, pairs))
	assert.Equal(t, 512, TokenBudget(512, 3, pairs), "tier cap binds")

	// Comparative with two sources: pairs = 1.
	assert.Equal(t, 1, ComparativePairs(models.StrategyComparative, 2))
	assert.Equal(t, 650, TokenBudget(4000, 2, 1))

	// Non-comparative strategies add no pair budget.
	assert.Equal(t, 0, ComparativePairs(models.StrategyEnhancement, 1))
	assert.Equal(t, 400, TokenBudget(4000, 1, 0))
}

func TestTemperatureFormula(t *testing.T) {
	assert.InDelta(t, 0.5, Temperature(0.5, 0, false), 1e-9)
	assert.InDelta(t, 0.65, Temperature(0.5, 1, false), 1e-9)
	assert.InDelta(t, 0.4, Temperature(0.5, 0, true), 1e-9)
	assert.InDelta(t, 0.1, Temperature(0.15, 0, true), 1e-9, "clamped at the floor")
	assert.InDelta(t, 1.0, Temperature(0.95, 2, false), 1e-9, "clamped at the ceiling")
}

func TestSynthesizeSuccess(t *testing.T) {
	gw := provider.NewStaticGateway("synth", "Tides are caused by the moon's gravity.")
	e := newTestEngine(gw)

	result := e.Synthesize(context.Background(), testInput(
		fulfilled("alpha", "The moon pulls the ocean."),
		fulfilled("beta", "Gravity from the moon and sun."),
		fulfilled("gamma", "Tidal forces deform the water envelope."),
	))

	assert.Equal(t, models.SynthesisSuccess, result.Status)
	assert.Equal(t, models.StrategyComprehensive, result.Strategy)
	assert.Equal(t, 900, result.TokensRequested)
	assert.Equal(t, "Tides are caused by the moon's gravity.", result.Content)
	assert.Equal(t, "synth", result.ProviderID)
}

func TestSynthesizeZeroFulfilledIsFallback(t *testing.T) {
	gw := provider.NewStaticGateway("synth", "Best-effort answer in degraded mode.")
	e := newTestEngine(gw)

	result := e.Synthesize(context.Background(), testInput(
		&models.ProviderResponse{ProviderID: "alpha", Status: models.StatusRejected},
	))

	assert.Equal(t, models.StrategyFallback, result.Strategy)
	assert.Equal(t, models.SynthesisFallback, result.Status)
	assert.NotEmpty(t, result.Content)
}

func TestSynthesizeProviderFailureConcatenates(t *testing.T) {
	gw := provider.NewStaticGateway("synth", "").QueueError(errors.New("synthesis provider down"))
	e := newTestEngine(gw)

	result := e.Synthesize(context.Background(), testInput(
		fulfilled("alpha", "First answer."),
		fulfilled("beta", "Second answer."),
	))

	assert.Equal(t, models.SynthesisFallback, result.Status)
	assert.Contains(t, result.Content, "[alpha]")
	assert.Contains(t, result.Content, "First answer.")
	assert.Contains(t, result.Content, "[beta]")
}

func TestSynthesizeTotalFailureApologizes(t *testing.T) {
	gw := provider.NewStaticGateway("synth", "").QueueError(errors.New("down"))
	e := newTestEngine(gw)

	result := e.Synthesize(context.Background(), testInput())

	assert.Equal(t, models.SynthesisFallback, result.Status)
	assert.Contains(t, strings.ToLower(result.Content), "apologize")
}

func TestBuildPromptLabelsSourcesAndConflicts(t *testing.T) {
	req := &models.Request{Text: "What causes tides?"}
	sources := []*models.ProviderResponse{
		fulfilled("alpha", "The moon."),
		fulfilled("beta", "Plate tectonics."),
	}
	confs := map[string]models.ConfidenceScore{
		"alpha": {Value: 0.8},
		"beta":  {Value: 0.75},
	}
	analysis := &diversity.Analysis{
		ProviderIDs: []string{"alpha", "beta"},
		Matrix:      [][]float64{{1, 0.2}, {0.2, 1}},
	}

	prompt := buildPrompt(models.StrategyComparative, req, sources, confs, analysis, 0.5, nil)

	assert.Contains(t, prompt, "What causes tides?")
	assert.Contains(t, prompt, "source: alpha, confidence: 0.80")
	assert.Contains(t, prompt, "source: beta, confidence: 0.75")
	assert.Contains(t, prompt, "alpha vs beta")
	assert.Contains(t, prompt, "cite the diverging sources by name")
}

func TestBuildPromptTiebreakerInstruction(t *testing.T) {
	req := &models.Request{Text: "question"}
	sources := []*models.ProviderResponse{
		fulfilled("alpha", "a"), fulfilled("beta", "b"),
	}

	prompt := buildPrompt(models.StrategyTiebreaker, req, sources, nil, nil, 0.5, nil)

	assert.Contains(t, prompt, "claim by claim")
}

func TestBuildPromptCarriesImprovements(t *testing.T) {
	req := &models.Request{Text: "question"}
	sources := []*models.ProviderResponse{fulfilled("alpha", "a")}

	prompt := buildPrompt(models.StrategyEnhancement, req, sources, nil, nil, 0.5,
		[]string{"improve readability with shorter sentences"})

	assert.Contains(t, prompt, "previous draft")
	assert.Contains(t, prompt, "improve readability with shorter sentences")
}

func TestRankedSourcesKeepsTopThreeByConfidence(t *testing.T) {
	in := Input{
		Responses: []*models.ProviderResponse{
			fulfilled("a", "1"), fulfilled("b", "2"),
			fulfilled("c", "3"), fulfilled("d", "4"),
		},
		Confidences: map[string]models.ConfidenceScore{
			"a": {Value: 0.2}, "b": {Value: 0.9},
			"c": {Value: 0.7}, "d": {Value: 0.8},
		},
	}

	sources := rankedSources(in)

	require.Len(t, sources, 3)
	assert.Equal(t, "b", sources[0].ProviderID)
	assert.Equal(t, "d", sources[1].ProviderID)
	assert.Equal(t, "c", sources[2].ProviderID)
}
