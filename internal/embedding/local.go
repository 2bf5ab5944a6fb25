// internal/embedding/local.go
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalService is a deterministic hashed bag-of-words embedder. It keeps the
// similarity pipeline functional when no embeddings API is configured: equal
// texts map to equal vectors and word overlap moves cosine similarity up.
type LocalService struct {
	dim int
}

const defaultLocalDim = 256

func NewLocalService(dim int) *LocalService {
	if dim <= 0 {
		dim = defaultLocalDim
	}
	return &LocalService{dim: dim}
}

func (s *LocalService) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, s.dim)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,;:!?\"'()[]")
		if word == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		sum := h.Sum32()
		// Sign bit decorrelates colliding words.
		sign := 1.0
		if sum&1 == 1 {
			sign = -1.0
		}
		vec[int(sum>>1)%s.dim] += sign
	}
	normalize(vec)
	return vec, nil
}

func normalize(vec []float64) {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
}
