package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/models"
)

func newTestCaller(t *testing.T, gateways map[string]Gateway) *Caller {
	t.Helper()

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"alpha": {
				Kind:       "static",
				Timeout:    1000,
				SystemRole: "You are an analytical assistant.",
			},
			"reliable": {
				Kind:     "static",
				Timeout:  1000,
				Fallback: true,
			},
		},
		Breaker: config.BreakerConfig{FailureThreshold: 5, CooldownSeconds: 30},
	}

	registry := NewRegistry()
	for id, gw := range gateways {
		registry.Register(id, gw)
	}

	c := NewCaller(registry, NewBreakerRegistry(cfg.Breaker), cfg, logger.NewNoOpLogger())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestCallWithResilienceFirstAttemptSucceeds(t *testing.T) {
	alpha := NewStaticGateway("alpha", "the answer is 42")
	c := newTestCaller(t, map[string]Gateway{"alpha": alpha})

	resp := c.CallWithResilience(context.Background(), CallSpec{
		ProviderID:  "alpha",
		UserPrompt:  "what is the answer",
		MaxTokens:   400,
		Temperature: 0.7,
		MaxAttempts: 3,
	})

	require.Equal(t, models.StatusFulfilled, resp.Status)
	assert.Equal(t, "alpha", resp.ProviderID)
	assert.Equal(t, "the answer is 42", resp.Content)
	assert.False(t, resp.IsFallback)
	assert.Equal(t, 1, alpha.Calls())
}

func TestCallWithResilienceRetriesThenSucceeds(t *testing.T) {
	alpha := NewStaticGateway("alpha", "").
		QueueError(errors.New("upstream 503")).
		QueueError(errors.New("upstream 503")).
		QueueReply("recovered")
	c := newTestCaller(t, map[string]Gateway{"alpha": alpha})

	resp := c.CallWithResilience(context.Background(), CallSpec{
		ProviderID:  "alpha",
		UserPrompt:  "question",
		MaxTokens:   400,
		Temperature: 0.7,
		MaxAttempts: 3,
	})

	require.Equal(t, models.StatusFulfilled, resp.Status)
	assert.Equal(t, "recovered", resp.Content)
	assert.False(t, resp.IsFallback)
	assert.Equal(t, 3, alpha.Calls())
}

func TestCallWithResilienceFallsBackAfterExhaustion(t *testing.T) {
	alpha := NewStaticGateway("alpha", "").
		QueueError(errors.New("upstream down")).
		QueueError(errors.New("upstream down")).
		QueueError(errors.New("upstream down"))
	reliable := NewStaticGateway("reliable", "fallback answer")
	c := newTestCaller(t, map[string]Gateway{"alpha": alpha, "reliable": reliable})

	resp := c.CallWithResilience(context.Background(), CallSpec{
		ProviderID:  "alpha",
		UserPrompt:  "question",
		MaxTokens:   400,
		Temperature: 0.7,
		MaxAttempts: 3,
	})

	require.Equal(t, models.StatusFulfilled, resp.Status)
	assert.Equal(t, "alpha", resp.ProviderID, "response stays attributed to the role's provider")
	assert.Equal(t, "fallback answer", resp.Content)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, 3, alpha.Calls())
	assert.Equal(t, 1, reliable.Calls(), "fallback gets exactly one call")
}

func TestCallWithResilienceRejectedWhenFallbackFails(t *testing.T) {
	alpha := NewStaticGateway("alpha", "").QueueError(errors.New("upstream down"))
	reliable := NewStaticGateway("reliable", "").QueueError(errors.New("also down"))
	c := newTestCaller(t, map[string]Gateway{"alpha": alpha, "reliable": reliable})

	resp := c.CallWithResilience(context.Background(), CallSpec{
		ProviderID:  "alpha",
		UserPrompt:  "question",
		MaxTokens:   400,
		Temperature: 0.7,
		MaxAttempts: 1,
	})

	require.Equal(t, models.StatusRejected, resp.Status)
	assert.Equal(t, "alpha", resp.ProviderID)
	assert.Empty(t, resp.Content)
	assert.NotEmpty(t, resp.Error)
}

func TestCallWithResilienceOpenCircuitSkipsStraightToFallback(t *testing.T) {
	alpha := NewStaticGateway("alpha", "never reached")
	reliable := NewStaticGateway("reliable", "fallback answer")
	c := newTestCaller(t, map[string]Gateway{"alpha": alpha, "reliable": reliable})

	for i := 0; i < 5; i++ {
		c.breakers.RecordFailure("alpha")
	}
	require.Equal(t, BreakerOpen, c.breakers.State("alpha"))

	resp := c.CallWithResilience(context.Background(), CallSpec{
		ProviderID:  "alpha",
		UserPrompt:  "question",
		MaxTokens:   400,
		Temperature: 0.7,
		MaxAttempts: 3,
	})

	require.Equal(t, models.StatusFulfilled, resp.Status)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, 0, alpha.Calls(), "open circuit must not reach the provider")
	assert.Equal(t, 1, reliable.Calls())
}

func TestCallWithResiliencePerAttemptTimeout(t *testing.T) {
	slow := NewStaticGateway("alpha", "too late").WithDelay(50 * time.Millisecond)
	reliable := NewStaticGateway("reliable", "fallback answer")
	c := newTestCaller(t, map[string]Gateway{"alpha": slow, "reliable": reliable})

	cfg := c.cfg.Providers["alpha"]
	cfg.Timeout = 10
	c.cfg.Providers["alpha"] = cfg

	resp := c.CallWithResilience(context.Background(), CallSpec{
		ProviderID:  "alpha",
		UserPrompt:  "question",
		MaxTokens:   400,
		Temperature: 0.7,
		MaxAttempts: 2,
	})

	require.Equal(t, models.StatusFulfilled, resp.Status)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, 2, slow.Calls())
}

func TestCallWithResilienceUnknownProviderRejected(t *testing.T) {
	c := newTestCaller(t, map[string]Gateway{})

	resp := c.CallWithResilience(context.Background(), CallSpec{
		ProviderID:  "missing",
		UserPrompt:  "question",
		MaxAttempts: 3,
	})

	require.Equal(t, models.StatusRejected, resp.Status)
	assert.Contains(t, resp.Error, "PROVIDER_CALL_FAILED")
}

func TestCallWithResilienceCancelledContext(t *testing.T) {
	alpha := NewStaticGateway("alpha", "answer")
	reliable := NewStaticGateway("reliable", "fallback answer")
	c := newTestCaller(t, map[string]Gateway{"alpha": alpha, "reliable": reliable})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := c.CallWithResilience(ctx, CallSpec{
		ProviderID:  "alpha",
		UserPrompt:  "question",
		MaxAttempts: 3,
	})

	assert.Equal(t, models.StatusRejected, resp.Status)
	assert.Equal(t, 0, alpha.Calls())
}

func TestBackoffDelayDoubling(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoffDelay(1))
	assert.Equal(t, 1*time.Second, backoffDelay(2))
	assert.Equal(t, 2*time.Second, backoffDelay(3))
	assert.Equal(t, 8*time.Second, backoffDelay(6), "delay is capped")
}
