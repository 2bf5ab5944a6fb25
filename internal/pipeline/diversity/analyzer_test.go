package diversity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/embedding"
	"ensemble-orchestrator/internal/models"
)

// fixedEmbedder returns preset vectors keyed by text.
type fixedEmbedder struct {
	vectors map[string][]float64
	err     error
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[text], nil
}

func newTestAnalyzer(embedder embedding.Service) *Analyzer {
	return NewAnalyzer(embedder, config.DiversityConfig{
		ClusterThreshold: 0.7,
		EmbeddingTimeout: 1000,
	}, logger.NewNoOpLogger())
}

func fulfilled(id, content string) *models.ProviderResponse {
	return &models.ProviderResponse{
		ProviderID: id,
		Status:     models.StatusFulfilled,
		Content:    content,
	}
}

func TestAnalyzeFewerThanTwoResponses(t *testing.T) {
	a := newTestAnalyzer(&fixedEmbedder{})

	empty := a.Analyze(context.Background(), nil)
	assert.Empty(t, empty.ProviderIDs)
	assert.Zero(t, empty.Overall)

	single := a.Analyze(context.Background(), []*models.ProviderResponse{
		fulfilled("alpha", "only answer"),
	})
	assert.Equal(t, []string{"alpha"}, single.ProviderIDs)
	assert.Zero(t, single.Diversity["alpha"])
	assert.Zero(t, single.Novelty["alpha"])
	assert.Equal(t, [][]string{{"alpha"}}, single.Clusters)
}

func TestAnalyzeDuplicateTextHasZeroDiversity(t *testing.T) {
	text := "identical answer text"
	a := newTestAnalyzer(&fixedEmbedder{vectors: map[string][]float64{
		text: {1, 0, 0},
	}})

	analysis := a.Analyze(context.Background(), []*models.ProviderResponse{
		fulfilled("alpha", text),
		fulfilled("beta", text),
	})

	assert.InDelta(t, 0, analysis.Diversity["alpha"], 1e-9)
	assert.InDelta(t, 0, analysis.Diversity["beta"], 1e-9)
	assert.InDelta(t, 0, analysis.Overall, 1e-9)
	require.Len(t, analysis.Clusters, 1, "duplicates collapse into one cluster")
	assert.ElementsMatch(t, []string{"alpha", "beta"}, analysis.Clusters[0])
}

func TestAnalyzeSimilarResponsesShareCluster(t *testing.T) {
	a := newTestAnalyzer(&fixedEmbedder{vectors: map[string][]float64{
		"first":  {1, 0.1, 0},
		"second": {1, 0, 0.1},
		"other":  {0, 1, 0},
	}})

	analysis := a.Analyze(context.Background(), []*models.ProviderResponse{
		fulfilled("alpha", "first"),
		fulfilled("beta", "second"),
		fulfilled("gamma", "other"),
	})

	require.Len(t, analysis.Clusters, 2)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, analysis.Clusters[0])
	assert.Equal(t, []string{"gamma"}, analysis.Clusters[1])

	// The orthogonal response is the most novel.
	assert.Greater(t, analysis.Novelty["gamma"], analysis.Novelty["alpha"])
	assert.Greater(t, analysis.Diversity["gamma"], analysis.Diversity["alpha"])
}

func TestAnalyzeMatrixShape(t *testing.T) {
	a := newTestAnalyzer(&fixedEmbedder{vectors: map[string][]float64{
		"one": {1, 0}, "two": {0, 1},
	}})

	analysis := a.Analyze(context.Background(), []*models.ProviderResponse{
		fulfilled("alpha", "one"),
		fulfilled("beta", "two"),
	})

	require.Len(t, analysis.Matrix, 2)
	assert.Equal(t, 1.0, analysis.Matrix[0][0])
	assert.Equal(t, 1.0, analysis.Matrix[1][1])
	assert.Equal(t, analysis.Matrix[0][1], analysis.Matrix[1][0])
	assert.InDelta(t, 0, analysis.Matrix[0][1], 1e-9)
	assert.InDelta(t, 1.0, analysis.Overall, 1e-9)
}

func TestAnalyzeSkipsRejectedResponses(t *testing.T) {
	a := newTestAnalyzer(&fixedEmbedder{vectors: map[string][]float64{
		"one": {1, 0}, "two": {0, 1},
	}})

	analysis := a.Analyze(context.Background(), []*models.ProviderResponse{
		fulfilled("alpha", "one"),
		{ProviderID: "beta", Status: models.StatusRejected},
		fulfilled("gamma", "two"),
	})

	assert.Equal(t, []string{"alpha", "gamma"}, analysis.ProviderIDs)
	assert.NotContains(t, analysis.Diversity, "beta")
}

func TestAnalyzeEmbeddingFailureFallsBackToTokenOverlap(t *testing.T) {
	a := newTestAnalyzer(&fixedEmbedder{err: errors.New("embedding service down")})

	analysis := a.Analyze(context.Background(), []*models.ProviderResponse{
		fulfilled("alpha", "solar panels convert sunlight into electricity"),
		fulfilled("beta", "solar panels convert sunlight into electricity"),
		fulfilled("gamma", "completely unrelated cooking recipe instructions"),
	})

	// Identical texts still read as identical through token overlap.
	assert.InDelta(t, 1.0, analysis.Matrix[0][1], 1e-9)
	assert.InDelta(t, 0, analysis.Matrix[0][2], 1e-9)
	require.Len(t, analysis.Clusters, 2)
}

func TestJaccardEdgeCases(t *testing.T) {
	assert.Equal(t, 1.0, jaccard("", ""))
	assert.Equal(t, 0.0, jaccard("words here", ""))
	assert.Equal(t, 1.0, jaccard("Same words.", "same words"))
}
