// internal/pipeline/validation/validator.go
package validation

import (
	"context"
	"fmt"
	"math"
	"time"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/common/metrics"
	"ensemble-orchestrator/internal/embedding"
	"ensemble-orchestrator/internal/models"
)

const neutralScore = 0.5

// RegenerateFunc re-invokes synthesis with explicit improvement
// instructions. Supplied by the orchestrator to avoid validation owning the
// synthesis engine.
type RegenerateFunc func(ctx context.Context, improvements []string) *models.SynthesisResult

// Validator scores synthesized text against quality policy. Sub-metric
// panics are isolated and substituted with a neutral default so one broken
// metric never voids the pass.
type Validator struct {
	cfg      config.ValidationConfig
	embedder embedding.Service
	toxicity ToxicityScorer
	logger   logger.Logger
}

func NewValidator(cfg config.ValidationConfig, embedder embedding.Service, toxicity ToxicityScorer, log logger.Logger) *Validator {
	if toxicity == nil {
		toxicity = KeywordToxicityScorer{}
	}
	return &Validator{cfg: cfg, embedder: embedder, toxicity: toxicity, logger: log}
}

// Validate scores one synthesis against its sources and the original
// request.
func (v *Validator) Validate(ctx context.Context, synthesis string, sources []*models.ProviderResponse, req *models.Request) *models.ValidationResult {
	sourceTexts := make([]string, 0, len(sources))
	for _, s := range sources {
		if s.Fulfilled() {
			sourceTexts = append(sourceTexts, s.Content)
		}
	}

	result := &models.ValidationResult{
		Readability: v.runMetric("readability", func() float64 {
			return readabilityScore(synthesis)
		}),
		FactualConsistency: v.runMetric("factual_consistency", func() float64 {
			return factualScore(v.sourceSimilarities(ctx, synthesis, sourceTexts))
		}),
		Novelty: v.runMetric("novelty", func() float64 {
			return noveltyScore(synthesis, sourceTexts)
		}),
		Toxicity: v.runMetric("toxicity", func() float64 {
			return v.toxicity.Score(synthesis)
		}),
		Structure: v.runMetric("structure", func() float64 {
			return structureScore(synthesis, req.Text)
		}),
	}

	result.OverallQuality = clamp01(result.Readability*v.cfg.WeightReadability +
		result.FactualConsistency*v.cfg.WeightFactual +
		result.Novelty*v.cfg.WeightNovelty +
		result.Toxicity*v.cfg.WeightToxicity +
		result.Structure*v.cfg.WeightStructure)

	result.ImprovementSuggestions = v.suggestions(result)
	result.PassesThreshold = len(result.ImprovementSuggestions) == 0
	result.QualityLevel = qualityLevel(result.OverallQuality)
	return result
}

// ValidateWithRegeneration validates and, on failure, re-invokes synthesis
// with per-metric instructions up to the configured attempt cap. It returns
// the best synthesis seen and its validation, flagged regenerationExhausted
// when the cap was hit without passing.
func (v *Validator) ValidateWithRegeneration(ctx context.Context, synthesis *models.SynthesisResult, regenerate RegenerateFunc, sources []*models.ProviderResponse, req *models.Request) (*models.SynthesisResult, *models.ValidationResult) {
	bestSynthesis := synthesis
	bestValidation := v.Validate(ctx, synthesis.Content, sources, req)
	if bestValidation.PassesThreshold || regenerate == nil {
		return bestSynthesis, bestValidation
	}

	attempts := 0
	current := bestValidation
	for attempts < v.cfg.MaxRegenerations {
		attempts++
		metrics.Regenerations.Inc()
		v.logger.Info("regenerating synthesis after failed validation", map[string]interface{}{
			"requestId":    req.ID,
			"attempt":      attempts,
			"overall":      current.OverallQuality,
			"improvements": current.ImprovementSuggestions,
		})

		regenerated := regenerate(ctx, current.ImprovementSuggestions)
		if regenerated == nil {
			break
		}
		current = v.Validate(ctx, regenerated.Content, sources, req)
		if current.OverallQuality > bestValidation.OverallQuality {
			bestSynthesis = regenerated
			bestValidation = current
		}
		if current.PassesThreshold {
			bestSynthesis = regenerated
			bestValidation = current
			break
		}
	}

	bestValidation.RegenerationAttempts = attempts
	bestValidation.RegenerationExhausted = !bestValidation.PassesThreshold
	return bestSynthesis, bestValidation
}

// runMetric isolates one sub-validator; a panic degrades to the neutral
// default instead of voiding the whole validation.
func (v *Validator) runMetric(name string, fn func() float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validation metric panicked, using neutral default", map[string]interface{}{
				"metric": name,
				"panic":  fmt.Sprintf("%v", r),
			})
			score = neutralScore
		}
	}()
	score = clamp01(fn())
	if math.IsNaN(score) {
		score = neutralScore
	}
	return score
}

// sourceSimilarities embeds the synthesis and each source and returns the
// pairwise cosines. Any embedding failure degrades that comparison to
// neutral.
func (v *Validator) sourceSimilarities(ctx context.Context, synthesis string, sources []string) []float64 {
	if len(sources) == 0 {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	synthVec, err := v.embedder.Embed(embedCtx, synthesis)
	if err != nil {
		v.logger.Warn("synthesis embedding failed during validation", map[string]interface{}{
			"error": err.Error(),
		})
		return []float64{neutralScore}
	}

	sims := make([]float64, 0, len(sources))
	for _, src := range sources {
		srcVec, err := v.embedder.Embed(embedCtx, src)
		if err != nil {
			sims = append(sims, neutralScore)
			continue
		}
		sims = append(sims, cosine(synthVec, srcVec))
	}
	return sims
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return neutralScore
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return neutralScore
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// suggestions lists the per-metric instructions for every threshold missed,
// including the overall minimum. Empty means the synthesis passes.
func (v *Validator) suggestions(r *models.ValidationResult) []string {
	var out []string
	if r.Readability < v.cfg.MinReadability {
		out = append(out, "improve readability: use shorter sentences and simpler wording")
	}
	if r.FactualConsistency < v.cfg.MinFactual {
		out = append(out, "stay closer to the source answers: do not introduce unsupported claims")
	}
	if r.Novelty < v.cfg.MinNovelty {
		out = append(out, "add synthesis value: connect and reformulate the sources instead of repeating one")
	}
	if r.Toxicity < v.cfg.MinToxicity {
		out = append(out, "remove hostile or inappropriate language")
	}
	if r.Structure < v.cfg.MinStructure {
		out = append(out, "improve structure: complete sentences, clear paragraphs, address the original question")
	}
	if r.OverallQuality < v.cfg.MinOverall {
		out = append(out, "raise overall answer quality across all dimensions")
	}
	return out
}

func qualityLevel(overall float64) models.QualityLevel {
	switch {
	case overall >= 0.8:
		return models.QualityExcellent
	case overall >= 0.6:
		return models.QualityGood
	case overall >= 0.4:
		return models.QualityAcceptable
	default:
		return models.QualityPoor
	}
}
