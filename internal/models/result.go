// internal/models/result.go
package models

import "time"

// Consensus classifies how strongly the ensemble agrees.
type Consensus string

const (
	ConsensusStrong   Consensus = "strong"
	ConsensusModerate Consensus = "moderate"
	ConsensusWeak     Consensus = "weak"
	ConsensusFallback Consensus = "fallback"
	ConsensusNone     Consensus = "none"
)

// VotingResult carries normalized response weights and the tentative winner.
// Weights are defined iff at least one response is fulfilled and sum to 1.
type VotingResult struct {
	WinnerID         string             `json:"winnerId,omitempty"`
	Weights          map[string]float64 `json:"weights"`
	Consensus        Consensus          `json:"consensus"`
	TieBreaking      bool               `json:"tieBreaking"`
	WeightDifference float64            `json:"weightDifference"`
}

// Strategy names how the synthesis prompt combines the ensemble.
type Strategy string

const (
	StrategyFallback      Strategy = "fallback"
	StrategyEnhancement   Strategy = "enhancement"
	StrategyComparative   Strategy = "comparative"
	StrategyTiebreaker    Strategy = "comparative-tiebreaker"
	StrategyComprehensive Strategy = "comprehensive"
)

// SynthesisStatus records how the combination call settled.
type SynthesisStatus string

const (
	SynthesisSuccess  SynthesisStatus = "success"
	SynthesisFallback SynthesisStatus = "fallback"
	SynthesisError    SynthesisStatus = "error"
)

// SynthesisResult is the combined answer plus the budgets used to produce it.
type SynthesisResult struct {
	Content         string          `json:"content"`
	Strategy        Strategy        `json:"strategy"`
	Status          SynthesisStatus `json:"status"`
	TokensRequested int             `json:"tokensRequested"`
	Temperature     float64         `json:"temperature"`
	ProviderID      string          `json:"providerId,omitempty"`
}

// QualityLevel buckets the overall validation score.
type QualityLevel string

const (
	QualityExcellent  QualityLevel = "excellent"
	QualityGood       QualityLevel = "good"
	QualityAcceptable QualityLevel = "acceptable"
	QualityPoor       QualityLevel = "poor"
)

// ValidationResult holds per-metric sub-scores for the synthesized text.
// PassesThreshold is a deterministic function of the sub-scores against the
// configured minimums.
type ValidationResult struct {
	Readability            float64      `json:"readability"`
	FactualConsistency     float64      `json:"factualConsistency"`
	Novelty                float64      `json:"novelty"`
	Toxicity               float64      `json:"toxicity"` // higher is cleaner
	Structure              float64      `json:"structure"`
	OverallQuality         float64      `json:"overallQuality"`
	PassesThreshold        bool         `json:"passesThreshold"`
	QualityLevel           QualityLevel `json:"qualityLevel"`
	ImprovementSuggestions []string     `json:"improvementSuggestions,omitempty"`
	RegenerationExhausted  bool         `json:"regenerationExhausted,omitempty"`
	RegenerationAttempts   int          `json:"regenerationAttempts,omitempty"`
}

// TraceStep is one named pipeline stage with a summarized outcome.
type TraceStep struct {
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
	Summary    string    `json:"summary"`
}

// DecisionTrace is the ordered audit log of one orchestration run.
type DecisionTrace []TraceStep

// ResultStatus is the externally visible disposition of one request.
type ResultStatus string

const (
	ResultOK       ResultStatus = "ok"
	ResultCached   ResultStatus = "cached"
	ResultDegraded ResultStatus = "degraded"
	ResultError    ResultStatus = "error"
)

// FinalResult is the aggregate returned to the caller and optionally cached.
type FinalResult struct {
	Request     *Request                   `json:"request"`
	Responses   []*ProviderResponse        `json:"responses"`
	Confidences map[string]ConfidenceScore `json:"confidences"`
	Voting      *VotingResult              `json:"voting"`
	Synthesis   *SynthesisResult           `json:"synthesis"`
	Validation  *ValidationResult          `json:"validation"`
	Trace       DecisionTrace              `json:"trace"`
	Status      ResultStatus               `json:"status"`
	Cached      bool                       `json:"cached"`
	LatencyMs   int64                      `json:"latencyMs"`
	CompletedAt time.Time                  `json:"completedAt"`
}

// FulfilledResponses filters the response set down to usable content, in the
// original role order.
func (f *FinalResult) FulfilledResponses() []*ProviderResponse {
	out := make([]*ProviderResponse, 0, len(f.Responses))
	for _, r := range f.Responses {
		if r.Fulfilled() {
			out = append(out, r)
		}
	}
	return out
}
