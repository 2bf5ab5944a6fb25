// internal/pipeline/confidence/scorer.go
package confidence

import (
	"strings"
	"unicode"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/models"
)

// reasoningConnectives signal explicit argument structure in a response.
var reasoningConnectives = []string{
	"because", "therefore", "however", "consequently", "thus",
	"since", "although", "moreover", "furthermore", "hence",
}

const (
	structureBonus  = 0.05 // per structural signal, three signals max
	connectiveBonus = 0.03 // per distinct connective
	connectiveCap   = 0.09
)

// Scorer derives a bounded quality estimate for one provider response. It is
// a pure function of the response fields plus static configuration, so the
// same response always scores the same.
type Scorer struct {
	cfg         config.ScoringConfig
	reliability map[string]float64 // static per-provider prior
}

func NewScorer(cfg config.ScoringConfig, providers map[string]config.ProviderConfig) *Scorer {
	reliability := make(map[string]float64, len(providers))
	for id, p := range providers {
		reliability[id] = p.Reliability
	}
	return &Scorer{cfg: cfg, reliability: reliability}
}

// Score computes the confidence for one response. Failed responses always
// score zero.
func (s *Scorer) Score(resp *models.ProviderResponse) models.ConfidenceScore {
	if !resp.Fulfilled() {
		return models.ConfidenceScore{
			Value: 0,
			Level: models.ConfidenceVeryLow,
			Factors: []models.ConfidenceFactor{
				{Name: "failed", Contribution: 0, Detail: "response was not fulfilled"},
			},
		}
	}

	value := s.cfg.Base
	factors := []models.ConfidenceFactor{
		{Name: "base", Contribution: s.cfg.Base, Detail: "scoring baseline"},
	}

	apply := func(name string, contribution float64, detail string) {
		value += contribution
		factors = append(factors, models.ConfidenceFactor{
			Name:         name,
			Contribution: contribution,
			Detail:       detail,
		})
	}

	words := len(strings.Fields(resp.Content))
	switch {
	case words >= s.cfg.WordBandMin && words <= s.cfg.WordBandMax:
		apply("length", s.cfg.LengthReward, "word count inside target band")
	default:
		apply("length", -s.cfg.LengthPenalty, "word count outside target band")
	}

	apply("structure", structureScore(resp.Content), "punctuation, capitalization, multi-line layout")
	apply("reasoning", connectiveScore(resp.Content), "reasoning connectives present")

	switch {
	case resp.LatencyMs < s.cfg.FastLatencyMs:
		apply("latency", s.cfg.LatencyReward, "responded under the fast threshold")
	case resp.LatencyMs > s.cfg.SlowLatencyMs:
		apply("latency", -s.cfg.LatencyPenalty, "responded over the slow threshold")
	default:
		apply("latency", 0, "latency inside the neutral band")
	}

	// Reliability prior is centered: an average provider (0.5) contributes
	// nothing, a perfect one adds ReliabilityMax/2.
	prior := (s.reliability[resp.ProviderID] - 0.5) * s.cfg.ReliabilityMax
	apply("reliability", prior, "static provider reliability prior")

	value = clamp01(value)
	return models.ConfidenceScore{
		Value:   value,
		Level:   models.LevelForConfidence(value),
		Factors: factors,
	}
}

// ScoreAll scores every response in order.
func (s *Scorer) ScoreAll(responses []*models.ProviderResponse) map[string]models.ConfidenceScore {
	scores := make(map[string]models.ConfidenceScore, len(responses))
	for _, resp := range responses {
		scores[resp.ProviderID] = s.Score(resp)
	}
	return scores
}

func structureScore(text string) float64 {
	var score float64
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	if strings.ContainsAny(trimmed, ".!?") {
		score += structureBonus
	}
	if unicode.IsUpper(rune(trimmed[0])) {
		score += structureBonus
	}
	if strings.Contains(trimmed, "\n") {
		score += structureBonus
	}
	return score
}

func connectiveScore(text string) float64 {
	lower := strings.ToLower(text)
	var score float64
	for _, conn := range reasoningConnectives {
		if strings.Contains(lower, conn) {
			score += connectiveBonus
		}
		if score >= connectiveCap {
			return connectiveCap
		}
	}
	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
