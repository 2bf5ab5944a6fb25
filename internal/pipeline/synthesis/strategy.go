// internal/pipeline/synthesis/strategy.go
package synthesis

import (
	"math"

	"ensemble-orchestrator/internal/models"
)

const (
	tokenBase        = 200
	tokensPerSource  = 200
	tokensPerPair    = 50
	tempComparative  = 0.15
	tempFallbackDrop = 0.1
	tempMin          = 0.1
	tempMax          = 1.0
	maxRankedSources = 3
)

// SelectStrategy picks the combination approach from the fulfilled-response
// count and the tie-break flag. Deterministic.
func SelectStrategy(fulfilledCount int, tieBreaking bool) models.Strategy {
	switch {
	case fulfilledCount == 0:
		return models.StrategyFallback
	case fulfilledCount == 1:
		return models.StrategyEnhancement
	case fulfilledCount == 2 && tieBreaking:
		return models.StrategyTiebreaker
	case fulfilledCount == 2:
		return models.StrategyComparative
	default:
		return models.StrategyComprehensive
	}
}

// ComparativePairs counts the cross-source reconciliations a strategy asks
// for; it feeds both the token and temperature budgets.
func ComparativePairs(strategy models.Strategy, fulfilledCount int) int {
	switch strategy {
	case models.StrategyComparative, models.StrategyTiebreaker:
		return fulfilledCount / 2
	case models.StrategyComprehensive:
		if fulfilledCount < 1 {
			return 0
		}
		return fulfilledCount - 1
	default:
		return 0
	}
}

// TokenBudget is min(tierCap, 200 + 200*fulfilledCount + 50*pairs).
func TokenBudget(tierCap, fulfilledCount, comparativePairs int) int {
	tokens := tokenBase + tokensPerSource*fulfilledCount + tokensPerPair*comparativePairs
	if tierCap > 0 && tokens > tierCap {
		return tierCap
	}
	return tokens
}

// Temperature raises randomness for comparative work and lowers it in
// degraded fallback mode, clamped to [0.1, 1.0].
func Temperature(baseTemp float64, comparativePairs int, fallbackMode bool) float64 {
	temp := baseTemp
	if comparativePairs > 0 {
		temp += tempComparative
	}
	if fallbackMode {
		temp -= tempFallbackDrop
	}
	return math.Min(tempMax, math.Max(tempMin, temp))
}
