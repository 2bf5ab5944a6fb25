// internal/provider/resilience.go
package provider

import (
	"context"
	"time"

	"ensemble-orchestrator/internal/common/config"
	"ensemble-orchestrator/internal/common/errors"
	"ensemble-orchestrator/internal/common/logger"
	"ensemble-orchestrator/internal/common/metrics"
	"ensemble-orchestrator/internal/models"
)

// GenericFallbackInstruction replaces the role-specific system prompt when a
// role has exhausted its own provider and the designated fallback answers.
const GenericFallbackInstruction = "You are a reliable general-purpose assistant. " +
	"Answer the user's question directly and accurately."

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

// CallSpec parameterizes one resilient role call.
type CallSpec struct {
	ProviderID  string
	UserPrompt  string
	MaxTokens   int
	Temperature float64
	MaxAttempts int
}

// Caller wraps provider invocation with retries, per-attempt timeouts,
// circuit breaking and single-shot fallback. One Caller is shared by all
// in-flight requests; it holds no per-request state.
type Caller struct {
	registry *Registry
	breakers *BreakerRegistry
	cfg      *config.Config
	logger   logger.Logger
	sleep    func(context.Context, time.Duration) error // swappable for tests
}

func NewCaller(registry *Registry, breakers *BreakerRegistry, cfg *config.Config, log logger.Logger) *Caller {
	return &Caller{
		registry: registry,
		breakers: breakers,
		cfg:      cfg,
		logger:   log,
		sleep:    sleepCtx,
	}
}

// CallWithResilience runs one provider role to completion. It never returns
// an error: a role that fails every attempt and the fallback surfaces as a
// rejected ProviderResponse.
func (c *Caller) CallWithResilience(ctx context.Context, spec CallSpec) *models.ProviderResponse {
	started := time.Now()
	pcfg, ok := c.cfg.Providers[spec.ProviderID]
	if !ok {
		return rejected(spec.ProviderID, started, errors.NewProviderCallFailedError(spec.ProviderID, errUnknownProvider))
	}

	attempts := spec.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if !c.breakers.Allow(spec.ProviderID) {
			// Persistently failing provider: skip fast, go to fallback.
			lastErr = errors.NewCircuitOpenError(spec.ProviderID)
			c.logger.Warn("circuit open, skipping provider", map[string]interface{}{
				"providerId": spec.ProviderID,
			})
			break
		}

		text, err := c.attempt(ctx, spec.ProviderID, pcfg, pcfg.SystemRole, spec)
		if err == nil {
			c.breakers.RecordSuccess(spec.ProviderID)
			metrics.ProviderCalls.WithLabelValues(spec.ProviderID, "success").Inc()
			return &models.ProviderResponse{
				ProviderID: spec.ProviderID,
				Status:     models.StatusFulfilled,
				Content:    text,
				LatencyMs:  time.Since(started).Milliseconds(),
			}
		}

		lastErr = err
		c.breakers.RecordFailure(spec.ProviderID)
		metrics.ProviderCalls.WithLabelValues(spec.ProviderID, "failure").Inc()
		c.logger.Warn("provider attempt failed", map[string]interface{}{
			"providerId": spec.ProviderID,
			"attempt":    attempt,
			"error":      err.Error(),
		})

		if attempt < attempts {
			delay := backoffDelay(attempt)
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
	}

	return c.callFallback(ctx, spec, started, lastErr)
}

// callFallback performs exactly one call to the designated reliable provider
// with the generic instruction. Only if this also fails does the role settle
// as rejected.
func (c *Caller) callFallback(ctx context.Context, spec CallSpec, started time.Time, lastErr error) *models.ProviderResponse {
	if ctx.Err() != nil {
		return rejected(spec.ProviderID, started, errors.NewProviderExhaustedError(spec.ProviderID, spec.MaxAttempts, ctx.Err()))
	}

	fallbackID := c.cfg.FallbackProviderID()
	if fallbackID == "" || fallbackID == spec.ProviderID {
		return rejected(spec.ProviderID, started, errors.NewProviderExhaustedError(spec.ProviderID, spec.MaxAttempts, lastErr))
	}

	fcfg, ok := c.cfg.Providers[fallbackID]
	if !ok {
		return rejected(spec.ProviderID, started, errors.NewProviderExhaustedError(spec.ProviderID, spec.MaxAttempts, lastErr))
	}

	if !c.breakers.Allow(fallbackID) {
		return rejected(spec.ProviderID, started, errors.NewProviderExhaustedError(spec.ProviderID, spec.MaxAttempts, lastErr))
	}

	text, err := c.attempt(ctx, fallbackID, fcfg, GenericFallbackInstruction, spec)
	if err != nil {
		c.breakers.RecordFailure(fallbackID)
		metrics.ProviderCalls.WithLabelValues(fallbackID, "failure").Inc()
		return rejected(spec.ProviderID, started, errors.NewProviderExhaustedError(spec.ProviderID, spec.MaxAttempts, err))
	}

	c.breakers.RecordSuccess(fallbackID)
	metrics.ProviderCalls.WithLabelValues(fallbackID, "fallback_success").Inc()
	c.logger.Info("role answered by fallback provider", map[string]interface{}{
		"providerId": spec.ProviderID,
		"fallbackId": fallbackID,
	})
	return &models.ProviderResponse{
		ProviderID: spec.ProviderID,
		Status:     models.StatusFulfilled,
		Content:    text,
		LatencyMs:  time.Since(started).Milliseconds(),
		IsFallback: true,
	}
}

// attempt performs a single gateway call under the provider's hard timeout.
func (c *Caller) attempt(ctx context.Context, providerID string, pcfg config.ProviderConfig, system string, spec CallSpec) (string, error) {
	gw, err := c.registry.Get(providerID)
	if err != nil {
		return "", errors.NewProviderCallFailedError(providerID, err)
	}

	timeout := time.Duration(pcfg.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callStart := time.Now()
	completion, err := gw.Invoke(callCtx, system, spec.UserPrompt, spec.MaxTokens, spec.Temperature)
	metrics.ProviderLatency.WithLabelValues(providerID).Observe(time.Since(callStart).Seconds())

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", errors.NewProviderTimeoutError(providerID, timeout)
		}
		return "", errors.NewProviderCallFailedError(providerID, err)
	}
	if completion == nil || completion.Text == "" {
		return "", errors.NewProviderCallFailedError(providerID, errEmptyCompletion)
	}
	return completion.Text, nil
}

func rejected(providerID string, started time.Time, err error) *models.ProviderResponse {
	return &models.ProviderResponse{
		ProviderID: providerID,
		Status:     models.StatusRejected,
		LatencyMs:  time.Since(started).Milliseconds(),
		Error:      err.Error(),
	}
}

// backoffDelay computes baseDelay * 2^(attempt-1) capped at retryMaxDelay.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	errUnknownProvider = errString("provider not configured")
	errEmptyCompletion = errString("provider returned empty completion")
)

type errString string

func (e errString) Error() string { return string(e) }
