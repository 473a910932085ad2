package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/config"
	"github.com/sells-group/detection-orchestrator/internal/engine"
	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/orchestrator"
	"github.com/sells-group/detection-orchestrator/internal/pipeline"
	"github.com/sells-group/detection-orchestrator/internal/registry"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
	"github.com/sells-group/detection-orchestrator/internal/store"
	"github.com/sells-group/detection-orchestrator/pkg/inference"
)

// detectEnv holds the store, registry, breakers, orchestrator and pipeline
// needed by the serve, detect and dlq retry commands.
type detectEnv struct {
	Store        store.Store
	Registry     *registry.Registry
	Breakers     *resilience.ServiceBreakers
	Orchestrator *orchestrator.Orchestrator
	Pipeline     *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (e *detectEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens and migrates the store, loads the
// registry and builds engine balancers. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, fake bool) (*detectEnv, error) {
	if fake {
		cfg.Engines.Fake = true
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	reg, err := initRegistry(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	breakers := resilience.NewServiceBreakers(breakerConfig(cfg))
	balancers := buildBalancers(cfg, breakers)
	orch := orchestrator.New(reg, balancers, orchestrator.Config{
		HistorySize: cfg.Orchestrator.HistorySize,
	})

	pcfg := pipeline.DefaultConfig()
	if cfg.Orchestrator.DLQMaxRetries > 0 {
		pcfg.DLQMaxRetries = cfg.Orchestrator.DLQMaxRetries
	}
	pcfg.DLQBackoff = retryPolicy(cfg)

	zap.L().Info("detection environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("balancers", len(balancers)),
		zap.Int("experiments", len(reg.Experiments())),
		zap.Bool("fake_engines", cfg.Engines.Fake),
	)

	return &detectEnv{
		Store:        st,
		Registry:     reg,
		Breakers:     breakers,
		Orchestrator: orch,
		Pipeline:     pipeline.New(orch, st, pcfg),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// initRegistry loads the seed file, or registers one default model per
// capability when no seed is configured. Default models carry no endpoint
// so they rotate over every configured engine.
func initRegistry(c *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	if c.Registry.SeedFile != "" {
		if err := reg.LoadFile(c.Registry.SeedFile); err != nil {
			return nil, eris.Wrap(err, "load model registry")
		}
		zap.L().Info("model registry loaded", zap.String("seed", c.Registry.SeedFile))
		return reg, nil
	}

	zap.L().Warn("registry.seed_file not set, registering default models")
	for _, capability := range model.Capabilities {
		if err := reg.Register(model.ModelVersion{
			Name:                string(capability) + "-default",
			Version:             "1.0.0",
			Capability:          capability,
			ConfidenceThreshold: 0.5,
			Enabled:             true,
		}); err != nil {
			return nil, eris.Wrapf(err, "register default %s model", capability)
		}
	}
	return reg, nil
}

// buildBalancers creates one balancer per capability that has endpoints.
// With fake engines enabled, capabilities without endpoints get a single
// in-process fake. Clients share breakers by endpoint through breakers.
func buildBalancers(c *config.Config, breakers *resilience.ServiceBreakers) []*engine.Balancer {
	ecfg := engine.Config{
		PredictTimeout: c.Orchestrator.PredictTimeout(),
		HealthTimeout:  c.Orchestrator.HealthTimeout(),
	}

	var balancers []*engine.Balancer
	for _, capability := range model.Capabilities {
		endpoints := c.Engines.Endpoints(capability)
		if len(endpoints) == 0 && c.Engines.Fake {
			endpoints = []string{fmt.Sprintf("fake://%s", capability)}
		}
		if len(endpoints) == 0 {
			zap.L().Warn("no endpoints configured", zap.String("capability", string(capability)))
			continue
		}

		clients := make([]*engine.Client, 0, len(endpoints))
		for i, endpoint := range endpoints {
			var transport inference.Client
			if c.Engines.Fake {
				transport = inference.NewFake(string(capability), endpoint, c.Engines.FakeSeed+uint64(i))
			} else {
				transport = inference.NewClient(endpoint,
					inference.WithRateLimit(c.RateLimit.RequestsPerSecond, c.RateLimit.Burst),
				)
			}

			cc := ecfg
			cc.Retry = retryPolicy(c)
			cc.Retry.OnRetry = resilience.RetryLogger(string(capability)+"@"+endpoint, "predict")

			clients = append(clients, engine.NewClient(capability, transport, breakers.Get(endpoint), cc))
		}
		balancers = append(balancers, engine.NewBalancer(capability, clients...))
	}
	return balancers
}

func breakerConfig(c *config.Config) resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(
		c.Orchestrator.Circuit.FailureThreshold,
		c.Orchestrator.Circuit.RecoveryTimeoutSecs,
		c.Orchestrator.Circuit.HalfOpenMaxAttempts,
	)
}

func retryPolicy(c *config.Config) resilience.RetryPolicy {
	return resilience.FromRetryConfig(
		c.Orchestrator.Retry.MaxAttempts,
		c.Orchestrator.Retry.BaseDelayMs,
		c.Orchestrator.Retry.MaxDelayMs,
		c.Orchestrator.Retry.JitterFraction,
	)
}
