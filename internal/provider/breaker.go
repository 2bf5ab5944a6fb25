// internal/provider/breaker.go
package provider

import (
	"sync"
	"time"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/metrics"
)

// BreakerState is the lifecycle position of one provider's circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker tracks consecutive failures for a single provider. Guarded by the
// registry mutex; breakers are the only provider state shared across requests.
type breaker struct {
	state        BreakerState
	failures     int
	openedAt     time.Time
	lastProbe    time.Time
	halfOpenBusy bool
}

// BreakerRegistry owns one breaker per provider id.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time // swappable for tests
}

func NewBreakerRegistry(cfg config.BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func (r *BreakerRegistry) get(providerID string) *breaker {
	b, ok := r.breakers[providerID]
	if !ok {
		b = &breaker{state: BreakerClosed}
		r.breakers[providerID] = b
	}
	return b
}

// Allow reports whether a call to the provider may proceed. An open breaker
// transitions to half-open after the cooldown and admits a single probe.
func (r *BreakerRegistry) Allow(providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(providerID)
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if r.now().Sub(b.openedAt) >= r.cfg.Cooldown() {
			b.state = BreakerHalfOpen
			b.halfOpenBusy = true
			b.lastProbe = r.now()
			r.publishState(providerID, b.state)
			return true
		}
		return false
	default: // half-open: one probe at a time
		if b.halfOpenBusy {
			return false
		}
		b.halfOpenBusy = true
		b.lastProbe = r.now()
		return true
	}
}

// RecordSuccess closes the breaker and resets its failure count.
func (r *BreakerRegistry) RecordSuccess(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(providerID)
	prev := b.state
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenBusy = false
	if prev != BreakerClosed {
		r.publishState(providerID, b.state)
	}
}

// RecordFailure counts a failure; crossing the threshold, or failing a
// half-open probe, opens the breaker.
func (r *BreakerRegistry) RecordFailure(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(providerID)
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= r.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = r.now()
		b.halfOpenBusy = false
		r.publishState(providerID, b.state)
	}
}

// State returns the breaker state for one provider.
func (r *BreakerRegistry) State(providerID string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(providerID).state
}

// States snapshots all breaker states, for health checks and metrics.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.state.String()
	}
	return out
}

func (r *BreakerRegistry) publishState(providerID string, s BreakerState) {
	metrics.BreakerState.WithLabelValues(providerID).Set(float64(s))
}
