// Package generate defines the text-generation backend used by the
// executor and its Anthropic implementation.
package generate

import (
	"context"
	"time"
)

// Request is one prompt to generate from.
type Request struct {
	// ID identifies the request within a batch (the combination id).
	ID     string
	Prompt string
	System string
	// Model overrides the backend default when set.
	Model string
}

// Result is the outcome of one generation. A failed result still carries
// whatever cost and tokens the provider billed.
type Result struct {
	IsSuccess     bool
	Text          string
	FailureReason string
	CostUSD       float64
	InputTokens   int64
	OutputTokens  int64
	Duration      time.Duration
}

// Failed builds an unsuccessful Result.
func Failed(reason string, d time.Duration) *Result {
	return &Result{FailureReason: reason, Duration: d}
}

// Backend generates text for one prompt. A returned error is a transport
// failure; callers record it as a failed output.
type Backend interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// BatchBackend submits many prompts as one provider batch. Results are
// keyed by Request.ID; ids missing from the map failed. Alongside an error
// the map still holds results obtained before the failure.
type BatchBackend interface {
	Backend
	GenerateBatch(ctx context.Context, reqs []Request) (map[string]*Result, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (*Result, error)

// Generate calls f.
func (f BackendFunc) Generate(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
