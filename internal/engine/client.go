// Package engine wraps inference endpoints with circuit breaking, retries
// and round-robin load balancing.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
	"github.com/sells-group/detection-orchestrator/pkg/inference"
)

// Config controls timeouts and retries for a single engine client.
type Config struct {
	PredictTimeout time.Duration
	HealthTimeout  time.Duration
	Retry          resilience.RetryPolicy
}

// DefaultConfig returns the standard engine client configuration: 5s
// prediction timeout, 2s health probe, three attempts with backoff.
func DefaultConfig() Config {
	retry := resilience.DefaultRetryPolicy()
	retry.MaxRetries = 3
	return Config{
		PredictTimeout: 5 * time.Second,
		HealthTimeout:  2 * time.Second,
		Retry:          retry,
	}
}

// Client performs predictions against one (capability, endpoint) pair.
type Client struct {
	capability model.CapabilityType
	transport  inference.Client
	breaker    *resilience.CircuitBreaker
	cfg        Config

	mu             sync.Mutex
	healthFailures int
}

// NewClient wraps transport with breaker. A nil breaker gets a default one.
func NewClient(capability model.CapabilityType, transport inference.Client, breaker *resilience.CircuitBreaker, cfg Config) *Client {
	if breaker == nil {
		breakerCfg := resilience.DefaultCircuitBreakerConfig()
		breakerCfg.OnStateChange = resilience.BreakerLogger(transport.Endpoint())
		breaker = resilience.NewCircuitBreaker(breakerCfg)
	}
	def := DefaultConfig()
	if cfg.PredictTimeout <= 0 {
		cfg.PredictTimeout = def.PredictTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
	return &Client{
		capability: capability,
		transport:  transport,
		breaker:    breaker,
		cfg:        cfg,
	}
}

// Capability returns the capability served by this client.
func (c *Client) Capability() model.CapabilityType {
	return c.capability
}

// Endpoint returns the engine base URL.
func (c *Client) Endpoint() string {
	return c.transport.Endpoint()
}

// CanAttempt reports whether the client's breaker admits a call.
func (c *Client) CanAttempt() bool {
	return c.breaker.CanAttempt()
}

// Breaker exposes the client's circuit breaker for observability.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Predict runs one prediction. It never returns an error: failures are
// reported in EngineResult.Error with zero confidence and an empty payload.
func (c *Client) Predict(ctx context.Context, photoURL string, metadata map[string]any, modelVersion string) model.EngineResult {
	start := time.Now()
	log := zap.L().With(
		zap.String("capability", string(c.capability)),
		zap.String("endpoint", c.Endpoint()),
		zap.String("model_version", modelVersion),
	)

	if !c.breaker.CanAttempt() {
		err := eris.Wrapf(resilience.ErrCircuitOpen, "engine: %s (state=%s)", c.Endpoint(), c.breaker.State())
		log.Debug("engine: call rejected by circuit breaker")
		res := model.FailedResult(c.capability, modelVersion, err.Error(), time.Since(start))
		res.Endpoint = c.Endpoint()
		res.ErrorType = resilience.ClassifyError(err)
		return res
	}

	policy := c.cfg.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger(c.Endpoint(), "predict")
	}

	req := inference.PredictRequest{
		PhotoURL:     photoURL,
		Metadata:     metadata,
		ModelVersion: modelVersion,
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	resp, err := resilience.ExecuteVal(ctx, policy, func(ctx context.Context) (*inference.PredictResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.PredictTimeout)
		defer cancel()
		resp, err := c.transport.Predict(callCtx, req)
		return resp, classify(err)
	})
	elapsed := time.Since(start)

	if err != nil {
		c.breaker.RecordFailure()
		log.Warn("engine: prediction failed",
			zap.String("error_type", resilience.ClassifyError(err)),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.Error(err),
		)
		res := model.FailedResult(c.capability, modelVersion, eris.Wrapf(err, "engine: predict %s", c.capability).Error(), elapsed)
		res.Endpoint = c.Endpoint()
		res.ErrorType = resilience.ClassifyError(err)
		return res
	}

	c.breaker.RecordSuccess()

	version := resp.ModelVersion
	if version == "" {
		version = modelVersion
	}
	results := resp.Results
	if results == nil {
		results = map[string]any{}
	}

	log.Debug("engine: prediction complete",
		zap.Float64("confidence", resp.Confidence),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)

	return model.EngineResult{
		Capability:       c.capability,
		ModelVersion:     version,
		Confidence:       clamp01(resp.Confidence),
		Results:          results,
		ProcessingTimeMS: elapsed.Milliseconds(),
		Endpoint:         c.Endpoint(),
	}
}

// HealthCheck probes the engine's liveness endpoint. It never returns an
// error and does not touch the circuit breaker.
func (c *Client) HealthCheck(ctx context.Context) model.EngineHealth {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	err := c.transport.Health(probeCtx)
	elapsed := time.Since(start)

	c.mu.Lock()
	if err != nil {
		c.healthFailures++
	} else {
		c.healthFailures = 0
	}
	failures := c.healthFailures
	c.mu.Unlock()

	h := model.EngineHealth{
		Capability:          c.capability,
		Endpoint:            c.Endpoint(),
		Healthy:             err == nil,
		LastCheck:           time.Now().UTC(),
		ResponseTimeMS:      elapsed.Milliseconds(),
		ConsecutiveFailures: failures,
		CircuitState:        c.breaker.State().String(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// classify tags wire errors so the retry policy can tell transient from
// permanent failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *inference.StatusError
	if errors.As(err, &se) {
		if resilience.IsTransientHTTPStatus(se.StatusCode) {
			return resilience.NewTransientError(err, se.StatusCode)
		}
		return resilience.NewPermanentError(err, se.StatusCode)
	}
	if resilience.IsNetworkError(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
