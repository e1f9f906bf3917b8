package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/combine"
	"github.com/sells-group/reasoning-cli/internal/config"
	"github.com/sells-group/reasoning-cli/internal/cost"
	"github.com/sells-group/reasoning-cli/internal/definition"
	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/generate"
	"github.com/sells-group/reasoning-cli/internal/monitoring"
	"github.com/sells-group/reasoning-cli/internal/pipeline"
	"github.com/sells-group/reasoning-cli/internal/resilience"
	"github.com/sells-group/reasoning-cli/internal/resolve"
	"github.com/sells-group/reasoning-cli/internal/store"
	anthropicpkg "github.com/sells-group/reasoning-cli/pkg/anthropic"
)

// appEnv holds the store and every service built on it.
type appEnv struct {
	Store       store.Store
	Definitions *definition.Service
	Controller  *pipeline.Controller
	Estimator   *estimate.Estimator
	Metrics     *monitoring.Metrics
	Backend     *generate.AnthropicBackend
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store. Callers migrate it.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// openStore opens and migrates the store for commands that need nothing else.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("local"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// calculator merges configured pricing over the built-in rates.
func calculator(c *config.Config) *cost.Calculator {
	return cost.NewCalculator(c.Pricing.Rates())
}

// definitions builds the definition service with pricing checks against
// the configured rates.
func definitions(c *config.Config, st store.DefinitionStore) *definition.Service {
	return definition.NewService(st).WithPricing(calculator(c), c.Anthropic.Model)
}

func estimateParams(c *config.Config) estimate.Params {
	p := estimate.DefaultParams()
	p.Model = c.Anthropic.Model
	p.SecondsPerCall = c.Estimate.SecondsPerCall
	p.ExpectedOutputTokens = c.Estimate.ExpectedOutputTokens
	p.PromptOverheadTokens = c.Estimate.PromptOverheadTokens
	p.DefaultMaxConcurrent = c.Execution.DefaultMaxConcurrentCalls
	p.DefaultMaxCombinations = c.Execution.DefaultMaxCombinations
	return p
}

func executorConfig(c *config.Config) pipeline.ExecutorConfig {
	ec := pipeline.DefaultExecutorConfig()
	ec.DefaultMaxConcurrent = c.Execution.DefaultMaxConcurrentCalls
	ec.DefaultBatchSize = c.Execution.DefaultBatchSize
	if c.Execution.FlushIntervalSecs > 0 {
		ec.FlushInterval = time.Duration(c.Execution.FlushIntervalSecs) * time.Second
	}
	if c.Execution.FlushAttempts > 0 {
		ec.FlushAttempts = c.Execution.FlushAttempts
	}
	return ec
}

// newBackend builds the Anthropic generation backend. With no_batch set
// the returned Backend hides the batch path.
func newBackend(c *config.Config, client anthropicpkg.Client, calc *cost.Calculator) (*generate.AnthropicBackend, generate.Backend) {
	ab := generate.NewAnthropic(client, calc, generate.AnthropicConfig{
		Model:             c.Anthropic.Model,
		MaxTokens:         int64(c.Anthropic.MaxTokens),
		RequestsPerSecond: c.Anthropic.RequestsPerSecond,
		Retry: resilience.FromRetryConfig(
			c.Resilience.MaxAttempts, c.Resilience.InitialBackoffMs, c.Resilience.MaxBackoffMs),
		Circuit: resilience.FromCircuitConfig(
			c.Resilience.FailureThreshold, c.Resilience.ResetTimeoutSecs),
	})
	if c.Anthropic.NoBatch {
		return ab, generate.BackendFunc(ab.Generate)
	}
	return ab, ab
}

// buildEnv wires services over an open store.
func buildEnv(c *config.Config, st store.Store, client anthropicpkg.Client) *appEnv {
	calc := calculator(c)
	resolver := resolve.New(st, c.Estimate.CountCacheTTL())
	est := estimate.New(resolver, calc, estimateParams(c))
	metrics := monitoring.NewMetrics()
	ab, backend := newBackend(c, client, calc)

	gen := combine.New()
	gen.DefaultMax = c.Execution.DefaultMaxCombinations

	ctrl := pipeline.NewController(pipeline.Deps{
		Definitions: st,
		Instances:   st,
		Resolver:    resolver,
		Generator:   gen,
		Estimator:   est,
		Executor:    pipeline.NewExecutor(backend, st, executorConfig(c), metrics),
		Recorder:    metrics,
	})
	return &appEnv{
		Store:       st,
		Definitions: definitions(c, st),
		Controller:  ctrl,
		Estimator:   est,
		Metrics:     metrics,
		Backend:     ab,
	}
}

// initEnv opens the store and builds every service. mode is passed to
// config validation. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var opts []anthropicpkg.ClientOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	if cfg.Anthropic.TimeoutSecs > 0 {
		opts = append(opts, anthropicpkg.WithRequestTimeout(time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second))
	}
	return buildEnv(cfg, st, anthropicpkg.NewClient(cfg.Anthropic.Key, opts...)), nil
}
