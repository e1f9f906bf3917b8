// Package estimate predicts the combination count, cost and duration of a
// definition before anything is executed.
package estimate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/combine"
	"github.com/sells-group/reasoning-cli/internal/cost"
	"github.com/sells-group/reasoning-cli/internal/model"
)

// Params are the estimation knobs, normally filled from config.
type Params struct {
	Model                  string  `json:"model"`
	SecondsPerCall         float64 `json:"seconds_per_call"`
	ExpectedOutputTokens   int     `json:"expected_output_tokens"`
	PromptOverheadTokens   int     `json:"prompt_overhead_tokens"`
	DefaultMaxConcurrent   int     `json:"default_max_concurrent"`
	DefaultMaxCombinations int     `json:"default_max_combinations"`
}

// DefaultParams returns the built-in estimation parameters.
func DefaultParams() Params {
	return Params{
		Model:                  "claude-haiku-4-5-20251001",
		SecondsPerCall:         6,
		ExpectedOutputTokens:   400,
		PromptOverheadTokens:   50,
		DefaultMaxConcurrent:   4,
		DefaultMaxCombinations: combine.DefaultMaxCombinations,
	}
}

// Estimate is the predicted size of a run.
type Estimate struct {
	Combinations   int            `json:"combinations"`
	PerCallCostUSD float64        `json:"per_call_cost_usd"`
	CostUSD        float64        `json:"cost_usd"`
	Duration       time.Duration  `json:"duration"`
	Model          string         `json:"model"`
	ViewCounts     map[string]int `json:"view_counts"`

	// Unpriced is set when Model has no rate, so the costs above are zero
	// rather than a prediction.
	Unpriced bool `json:"unpriced,omitempty"`
}

// CostExceededError is returned by Precheck when the estimate is above the
// definition's cost limit.
type CostExceededError struct {
	EstimatedUSD float64
	LimitUSD     float64
	Combinations int
}

func (e *CostExceededError) Error() string {
	return fmt.Sprintf("estimate: estimated cost $%.2f for %d combinations exceeds limit $%.2f",
		e.EstimatedUSD, e.Combinations, e.LimitUSD)
}

// UnpricedModelError is returned by Precheck when a cost limit is set but
// the model has no configured rate, so the limit cannot be enforced.
type UnpricedModelError struct {
	Model    string
	LimitUSD float64
}

func (e *UnpricedModelError) Error() string {
	return fmt.Sprintf("estimate: no pricing for model %q, cannot enforce cost limit $%.2f (add it under pricing.anthropic)",
		e.Model, e.LimitUSD)
}

// Counter returns per-view record counts without materializing records.
type Counter interface {
	CountAll(ctx context.Context, def *model.Definition) (map[string]int, error)
}

// Estimator computes estimates from live record counts.
type Estimator struct {
	counter Counter
	calc    *cost.Calculator
	params  Params
}

// New creates an Estimator.
func New(counter Counter, calc *cost.Calculator, params Params) *Estimator {
	return &Estimator{counter: counter, calc: calc, params: params}
}

// Estimate counts the records behind every view of def and prices the run.
func (e *Estimator) Estimate(ctx context.Context, def *model.Definition) (*Estimate, error) {
	counts, err := e.counter.CountAll(ctx, def)
	if err != nil {
		return nil, eris.Wrap(err, "estimate: count views")
	}
	return e.FromCounts(def, counts), nil
}

// FromCounts prices a run given per-view counts.
func (e *Estimator) FromCounts(def *model.Definition, counts map[string]int) *Estimate {
	n := CombinationCount(def, counts, e.params.DefaultMaxCombinations)
	m := ModelFor(def, e.params.Model)
	perCall := PerCallCost(e.calc, def, m, e.params)
	return &Estimate{
		Combinations:   n,
		PerCallCostUSD: perCall,
		CostUSD:        float64(n) * perCall,
		Duration:       Duration(n, def.ExecutionConstraints.MaxConcurrentCalls, e.params),
		Model:          m,
		Unpriced:       !e.calc.HasModel(m),
		ViewCounts:     counts,
	}
}

// Precheck fails with *CostExceededError when est is above the definition's
// cost limit, and with *UnpricedModelError when a limit is set for a model
// that cannot be priced. A non-positive limit means unlimited.
func Precheck(def *model.Definition, est *Estimate) error {
	limit := def.ExecutionConstraints.MaxEstimatedCostUSD
	if limit <= 0 {
		return nil
	}
	if est.Unpriced {
		return &UnpricedModelError{Model: est.Model, LimitUSD: limit}
	}
	if est.CostUSD <= limit {
		return nil
	}
	return &CostExceededError{EstimatedUSD: est.CostUSD, LimitUSD: limit, Combinations: est.Combinations}
}

// ModelFor returns the definition's model or the fallback.
func ModelFor(def *model.Definition, fallback string) string {
	if def.Model != "" {
		return def.Model
	}
	return fallback
}

// CombinationCount predicts how many combinations the generator will emit
// for the given view counts. Views absent from counts are skipped the same
// way the generator skips unresolved views.
func CombinationCount(def *model.Definition, counts map[string]int, defaultMax int) int {
	if defaultMax <= 0 {
		defaultMax = combine.DefaultMaxCombinations
	}
	rules := def.CombinationRules
	if len(rules) == 0 {
		if len(counts) == 0 {
			return 0
		}
		rules = []model.CombinationRule{combine.ImplicitRule(def, defaultMax)}
	}

	total := 0
	for _, rule := range rules {
		total += ruleCount(rule, counts, defaultMax)
	}
	return total
}

func ruleCount(rule model.CombinationRule, counts map[string]int, defaultMax int) int {
	limit := rule.MaxCombinations
	if limit <= 0 {
		limit = defaultMax
	}

	product := 1.0
	crossViews := 0
	for _, name := range rule.ViewNamesToCrossProduct {
		n, ok := counts[name]
		if !ok {
			continue
		}
		crossViews++
		product *= float64(n)
	}

	if crossViews == 0 {
		for _, name := range rule.SingletonViewNamesForContext {
			if counts[name] > 0 {
				return 1
			}
		}
		return 0
	}
	return int(math.Min(product, float64(limit)))
}

// PerCallCost prices one call of def under model m.
func PerCallCost(calc *cost.Calculator, def *model.Definition, m string, p Params) float64 {
	chars := len(def.PromptTemplate.TemplateContent) + len(def.PromptTemplate.SystemContent)
	return calc.PerCall(m, def.ExecutionConstraints.EnableBatching, chars, p.PromptOverheadTokens, p.ExpectedOutputTokens)
}

// Duration predicts wall-clock time for n calls at the given concurrency.
func Duration(n, maxConcurrent int, p Params) time.Duration {
	if maxConcurrent <= 0 {
		maxConcurrent = p.DefaultMaxConcurrent
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	secs := float64(n) * p.SecondsPerCall / float64(maxConcurrent)
	return time.Duration(secs * float64(time.Second))
}
