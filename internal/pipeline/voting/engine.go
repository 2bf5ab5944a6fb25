// internal/pipeline/voting/engine.go
package voting

import (
	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/models"
	"ensemble-orchestrator/internal/pipeline/diversity"
)

// Diversity multipliers by bucket. A highly diverse response gains up to 20%
// weight; a near-duplicate loses up to 20%.
const (
	multiplierHigh    = 1.2
	multiplierMedium  = 1.05
	multiplierLow     = 0.95
	multiplierVeryLow = 0.8
)

// Engine combines confidence and diversity into normalized voting weights.
type Engine struct {
	cfg config.VotingConfig
}

func NewEngine(cfg config.VotingConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Vote weights the fulfilled responses and picks a tentative winner. With
// zero fulfilled responses it returns consensus none and no winner, never an
// error.
func (e *Engine) Vote(responses []*models.ProviderResponse, confidences map[string]models.ConfidenceScore, analysis *diversity.Analysis) *models.VotingResult {
	type candidate struct {
		id     string
		weight float64
		conf   float64
	}

	var candidates []candidate
	allFallback := true
	for _, r := range responses {
		if !r.Fulfilled() {
			continue
		}
		if !r.IsFallback {
			allFallback = false
		}
		conf := confidences[r.ProviderID].Value
		weight := conf
		if e.cfg.DiversityModifier && analysis != nil {
			weight *= diversityMultiplier(analysis.Diversity[r.ProviderID])
		}
		candidates = append(candidates, candidate{id: r.ProviderID, weight: weight, conf: conf})
	}

	if len(candidates) == 0 {
		return &models.VotingResult{
			Weights:   map[string]float64{},
			Consensus: models.ConsensusNone,
		}
	}

	var total float64
	for _, c := range candidates {
		total += c.weight
	}

	weights := make(map[string]float64, len(candidates))
	winnerID := candidates[0].id
	var winnerWeight, runnerUpWeight float64
	for _, c := range candidates {
		var w float64
		if total > 0 {
			w = c.weight / total
		} else {
			// All-zero confidences degrade to a uniform split.
			w = 1.0 / float64(len(candidates))
		}
		weights[c.id] = w
		if w > winnerWeight {
			runnerUpWeight = winnerWeight
			winnerWeight = w
			winnerID = c.id
		} else if w > runnerUpWeight {
			runnerUpWeight = w
		}
	}

	gap := winnerWeight - runnerUpWeight
	if len(candidates) < 2 {
		gap = winnerWeight
	}

	confs := make([]float64, len(candidates))
	for i, c := range candidates {
		confs[i] = c.conf
	}

	// When every counted response came through the designated fallback
	// provider, agreement is meaningless; report fallback instead.
	consensus := e.classifyConsensus(confs)
	if allFallback {
		consensus = models.ConsensusFallback
	}

	return &models.VotingResult{
		WinnerID:         winnerID,
		Weights:          weights,
		Consensus:        consensus,
		TieBreaking:      len(candidates) >= 2 && gap < e.cfg.TieThreshold,
		WeightDifference: gap,
	}
}

// classifyConsensus reads agreement off the spread of raw confidence scores:
// low variance at a high mean is strong, a uniformly low mean or widely
// scattered scores are weak, anything in between is moderate.
func (e *Engine) classifyConsensus(confs []float64) models.Consensus {
	if len(confs) == 0 {
		return models.ConsensusNone
	}
	if len(confs) == 1 {
		if confs[0] >= e.cfg.StrongMean {
			return models.ConsensusModerate
		}
		return models.ConsensusWeak
	}

	var mean float64
	for _, c := range confs {
		mean += c
	}
	mean /= float64(len(confs))

	var variance float64
	for _, c := range confs {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(confs))

	switch {
	case mean < e.cfg.WeakMean:
		return models.ConsensusWeak
	case variance < e.cfg.StrongVariance && mean >= e.cfg.StrongMean:
		return models.ConsensusStrong
	case e.cfg.ModerateVariance > 0 && variance >= e.cfg.ModerateVariance:
		return models.ConsensusWeak
	default:
		return models.ConsensusModerate
	}
}

func diversityMultiplier(diversityScore float64) float64 {
	switch models.LevelForConfidence(diversityScore) {
	case models.ConfidenceHigh:
		return multiplierHigh
	case models.ConfidenceMedium:
		return multiplierMedium
	case models.ConfidenceLow:
		return multiplierLow
	default:
		return multiplierVeryLow
	}
}
