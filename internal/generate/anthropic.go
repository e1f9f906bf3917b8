package generate

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/reasoning-cli/internal/cost"
	"github.com/sells-group/reasoning-cli/internal/resilience"
	"github.com/sells-group/reasoning-cli/pkg/anthropic"
)

// ReasonCircuitOpen is the failure reason recorded when the breaker rejects
// a call.
const ReasonCircuitOpen = "circuit open"

// AnthropicConfig configures AnthropicBackend.
type AnthropicConfig struct {
	Model             string
	MaxTokens         int64
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
	Circuit           resilience.CircuitBreakerConfig
	PollOptions       []anthropic.PollOption
}

// AnthropicBackend generates through the Anthropic Messages API with rate
// limiting, retry of transient errors and a circuit breaker.
type AnthropicBackend struct {
	client  anthropic.Client
	calc    *cost.Calculator
	cfg     AnthropicConfig
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

var _ BatchBackend = (*AnthropicBackend)(nil)

// NewAnthropic creates an AnthropicBackend.
func NewAnthropic(client anthropic.Client, calc *cost.Calculator, cfg AnthropicConfig) *AnthropicBackend {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("anthropic.create_message")
	}
	circuit := cfg.Circuit
	circuit.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("generate: circuit state changed",
			zap.Stringer("from", from), zap.Stringer("to", to))
	}
	return &AnthropicBackend{
		client:  client,
		calc:    calc,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		breaker: resilience.NewCircuitBreaker(circuit),
	}
}

// CircuitState exposes the breaker state for metrics.
func (b *AnthropicBackend) CircuitState() resilience.CircuitState {
	return b.breaker.State()
}

// Generate sends one prompt.
func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	msgReq := b.messageRequest(req)

	resp, err := resilience.DoVal(ctx, b.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := b.client.CreateMessage(ctx, msgReq)
			return resp, classify(err)
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return Failed(ReasonCircuitOpen, time.Since(start)), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "generate: anthropic message")
	}
	return b.result(msgReq.Model, false, resp, time.Since(start)), nil
}

// GenerateBatch submits reqs as one Message Batch. When the requests share
// a system prompt the first one is sent directly to warm the prompt cache
// and its response is used as that request's result, also when the batch
// itself then fails.
func (b *AnthropicBackend) GenerateBatch(ctx context.Context, reqs []Request) (map[string]*Result, error) {
	results := make(map[string]*Result, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}
	start := time.Now()

	rest := reqs
	if len(reqs) > 1 && reqs[0].System != "" && sharedSystem(reqs) {
		res, err := b.Generate(ctx, reqs[0])
		if err != nil {
			zap.L().Debug("generate: cache primer failed", zap.Error(err))
		} else {
			results[reqs[0].ID] = res
			rest = reqs[1:]
		}
	}

	batch := anthropic.BatchRequest{Requests: make([]anthropic.BatchRequestItem, len(rest))}
	models := make(map[string]string, len(rest))
	for i, r := range rest {
		msgReq := b.messageRequest(r)
		batch.Requests[i] = anthropic.BatchRequestItem{CustomID: r.ID, Params: msgReq}
		models[r.ID] = msgReq.Model
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return results, eris.Wrap(err, "generate: anthropic batch")
	}
	collected, err := resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*anthropic.BatchCollectResult, error) {
		res, err := anthropic.RunBatch(ctx, b.client, batch, b.cfg.PollOptions...)
		return res, classify(err)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		for _, r := range rest {
			results[r.ID] = Failed(ReasonCircuitOpen, time.Since(start))
		}
		return results, nil
	}
	if err != nil {
		return results, eris.Wrap(err, "generate: anthropic batch")
	}

	elapsed := time.Since(start)
	for id, resp := range collected.Succeeded {
		if model, ok := models[id]; ok {
			results[id] = b.result(model, true, resp, elapsed)
		}
	}
	for _, f := range collected.Failures {
		if _, ok := models[f.CustomID]; ok {
			results[f.CustomID] = Failed("batch item "+f.Type, elapsed)
		}
	}
	return results, nil
}

func (b *AnthropicBackend) messageRequest(req Request) anthropic.MessageRequest {
	model := req.Model
	if model == "" {
		model = b.cfg.Model
	}
	return anthropic.MessageRequest{
		Model:     model,
		MaxTokens: b.cfg.MaxTokens,
		System:    anthropic.CachedSystem(req.System),
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	}
}

func (b *AnthropicBackend) result(model string, isBatch bool, resp *anthropic.MessageResponse, d time.Duration) *Result {
	u := resp.Usage
	res := &Result{
		Text:         resp.Text(),
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Duration:     d,
		CostUSD: b.calc.Claude(model, isBatch, cost.Usage{
			Input:      int(u.InputTokens),
			Output:     int(u.OutputTokens),
			CacheWrite: int(u.CacheCreationInputTokens),
			CacheRead:  int(u.CacheReadInputTokens),
		}),
	}
	switch {
	case res.Text == "":
		res.FailureReason = "empty response"
	case resp.StopReason == "refusal":
		res.FailureReason = "refused"
	default:
		res.IsSuccess = true
	}
	return res
}

func sharedSystem(reqs []Request) bool {
	for _, r := range reqs[1:] {
		if r.System != reqs[0].System {
			return false
		}
	}
	return true
}

// classify marks retryable provider errors as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if code := anthropic.StatusCode(err); code != 0 {
		if resilience.IsTransientHTTPStatus(code) {
			return resilience.NewTransientError(err, code)
		}
		return err
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}
