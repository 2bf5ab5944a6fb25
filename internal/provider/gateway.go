// internal/provider/gateway.go
package provider

import (
	"context"
	"fmt"
	"sort"
)

// Completion is the raw outcome of one provider call.
type Completion struct {
	Text       string
	TokensUsed int
}

// Gateway is the transport contract for one upstream answer-generating
// backend. Implementations own HTTP/SDK details; the pipeline only sees this.
type Gateway interface {
	// Invoke sends one prompt pair and returns the generated text.
	Invoke(ctx context.Context, system, user string, maxTokens int, temperature float64) (*Completion, error)

	// Name returns the gateway's vendor identifier.
	Name() string
}

// Registry holds the configured gateways keyed by provider id. Built once at
// startup; read-only afterwards, safe for concurrent use.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds a gateway under a provider id. Last registration wins.
func (r *Registry) Register(providerID string, g Gateway) {
	r.gateways[providerID] = g
}

// Get resolves a gateway by provider id.
func (r *Registry) Get(providerID string) (Gateway, error) {
	g, ok := r.gateways[providerID]
	if !ok {
		return nil, fmt.Errorf("no gateway registered for provider %q", providerID)
	}
	return g, nil
}

// IDs returns the registered provider ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
