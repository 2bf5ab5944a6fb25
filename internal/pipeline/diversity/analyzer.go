// internal/pipeline/diversity/analyzer.go
package diversity

import (
	"context"
	"math"
	"strings"
	"time"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/embedding"
	"ensemble-orchestrator/internal/models"
)

// Analysis holds the per-request similarity findings. The matrix is symmetric
// with a unit diagonal and is discarded after voting.
type Analysis struct {
	ProviderIDs []string
	Matrix      [][]float64
	Diversity   map[string]float64 // mean dissimilarity to the other responses
	Novelty     map[string]float64 // 1 - max similarity to any other response
	Clusters    [][]string
	Overall     float64 // mean pairwise dissimilarity
}

// Analyzer embeds the fulfilled responses and derives similarity structure.
type Analyzer struct {
	embedder embedding.Service
	cfg      config.DiversityConfig
	logger   logger.Logger
}

func NewAnalyzer(embedder embedding.Service, cfg config.DiversityConfig, log logger.Logger) *Analyzer {
	return &Analyzer{embedder: embedder, cfg: cfg, logger: log}
}

// Analyze builds the pairwise similarity matrix for the fulfilled responses.
// A single bad embedding degrades that response to token-overlap similarity;
// the analysis itself never fails.
func (a *Analyzer) Analyze(ctx context.Context, responses []*models.ProviderResponse) *Analysis {
	fulfilled := make([]*models.ProviderResponse, 0, len(responses))
	for _, r := range responses {
		if r.Fulfilled() {
			fulfilled = append(fulfilled, r)
		}
	}

	ids := make([]string, len(fulfilled))
	for i, r := range fulfilled {
		ids[i] = r.ProviderID
	}

	analysis := &Analysis{
		ProviderIDs: ids,
		Diversity:   make(map[string]float64, len(fulfilled)),
		Novelty:     make(map[string]float64, len(fulfilled)),
	}

	// Fewer than two responses carry no similarity signal.
	if len(fulfilled) < 2 {
		for _, id := range ids {
			analysis.Diversity[id] = 0
			analysis.Novelty[id] = 0
		}
		if len(ids) == 1 {
			analysis.Clusters = [][]string{{ids[0]}}
			analysis.Matrix = [][]float64{{1}}
		}
		return analysis
	}

	vectors := a.embedAll(ctx, fulfilled)
	n := len(fulfilled)

	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sim := pairSimilarity(vectors[i], vectors[j], fulfilled[i].Content, fulfilled[j].Content)
			matrix[i][j] = sim
			matrix[j][i] = sim
		}
	}
	analysis.Matrix = matrix

	var pairDissimilaritySum float64
	pairs := 0
	for i := 0; i < n; i++ {
		var sum, maxSim float64
		maxSim = -1
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sum += 1 - matrix[i][j]
			if matrix[i][j] > maxSim {
				maxSim = matrix[i][j]
			}
		}
		analysis.Diversity[ids[i]] = sum / float64(n-1)
		analysis.Novelty[ids[i]] = clamp01(1 - maxSim)

		for j := i + 1; j < n; j++ {
			pairDissimilaritySum += 1 - matrix[i][j]
			pairs++
		}
	}
	analysis.Overall = pairDissimilaritySum / float64(pairs)
	analysis.Clusters = greedyClusters(ids, matrix, a.cfg.ClusterThreshold)
	return analysis
}

// embedAll fetches one vector per response under the embedding timeout.
// Failures leave a nil slot, which falls back to token overlap.
func (a *Analyzer) embedAll(ctx context.Context, responses []*models.ProviderResponse) [][]float64 {
	timeout := time.Duration(a.cfg.EmbeddingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	vectors := make([][]float64, len(responses))
	for i, r := range responses {
		embedCtx, cancel := context.WithTimeout(ctx, timeout)
		vec, err := a.embedder.Embed(embedCtx, r.Content)
		cancel()
		if err != nil {
			a.logger.Warn("embedding failed, using token-overlap similarity", map[string]interface{}{
				"providerId": r.ProviderID,
				"error":      err.Error(),
			})
			continue
		}
		vectors[i] = vec
	}
	return vectors
}

// pairSimilarity prefers embedding cosine; either side missing or zero-length
// degrades the pair to Jaccard token overlap.
func pairSimilarity(a, b []float64, textA, textB string) float64 {
	if cos, ok := cosine(a, b); ok {
		return cos
	}
	return jaccard(textA, textB)
}

func cosine(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

// jaccard is the token-overlap approximation used when embeddings are
// unavailable.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// greedyClusters assigns each response to the first existing cluster whose
// seed it matches at or above the threshold, in a single pass.
func greedyClusters(ids []string, matrix [][]float64, threshold float64) [][]string {
	var clusters [][]string
	seeds := []int{}
	for i := range ids {
		placed := false
		for c, seed := range seeds {
			if matrix[i][seed] >= threshold {
				clusters[c] = append(clusters[c], ids[i])
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []string{ids[i]})
			seeds = append(seeds, i)
		}
	}
	return clusters
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
