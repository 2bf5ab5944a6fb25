// internal/embedding/service.go
package embedding

import (
	"context"
	"sync"
)

// Service turns text into dense vectors for similarity analysis. All vectors
// returned by one Service share a dimension.
type Service interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Memo caches embeddings by exact text for the lifetime of one request
// pipeline, so the diversity and validation stages never embed the same
// response twice.
type Memo struct {
	mu      sync.Mutex
	inner   Service
	vectors map[string][]float64
}

func NewMemo(inner Service) *Memo {
	return &Memo{inner: inner, vectors: make(map[string][]float64)}
}

func (m *Memo) Embed(ctx context.Context, text string) ([]float64, error) {
	m.mu.Lock()
	if v, ok := m.vectors[text]; ok {
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	v, err := m.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.vectors[text] = v
	m.mu.Unlock()
	return v, nil
}
