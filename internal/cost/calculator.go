// Package cost prices generation calls from per-model token rates.
package cost

// ModelRate is the USD price per million tokens for one model. The
// multipliers scale the input rate for cache writes and reads; the batch
// discount scales every component of a Message Batches call.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Rates maps Claude model ids to their pricing.
type Rates map[string]ModelRate

// Merge returns a copy of r with overrides replacing models of the same id.
func (r Rates) Merge(overrides Rates) Rates {
	out := make(Rates, len(r)+len(overrides))
	for id, rate := range r {
		out[id] = rate
	}
	for id, rate := range overrides {
		out[id] = rate
	}
	return out
}

// Usage is the token accounting of one call.
type Usage struct {
	Input      int
	Output     int
	CacheWrite int
	CacheRead  int
}

// CharsPerToken is the rough prompt-length to token ratio used for estimates.
const CharsPerToken = 4

// Calculator prices calls against a fixed rate table.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// HasModel reports whether rates are configured for model.
func (c *Calculator) HasModel(model string) bool {
	_, ok := c.rates[model]
	return ok
}

// Claude prices one call. Unknown models cost zero.
func (c *Calculator) Claude(model string, isBatch bool, u Usage) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}

	mul := 1.0
	if isBatch && rate.BatchDiscount > 0 {
		mul = rate.BatchDiscount
	}
	perToken := func(tokens int, usd float64) float64 {
		return float64(tokens) / 1e6 * usd * mul
	}

	return perToken(u.Input, rate.Input) +
		perToken(u.Output, rate.Output) +
		perToken(u.CacheWrite, rate.Input*rate.CacheWriteMul) +
		perToken(u.CacheRead, rate.Input*rate.CacheReadMul)
}

// EstimateTokens approximates the token count of a text of n characters.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// PerCall estimates the cost of one call whose prompt has promptChars
// characters, plus a fixed token overhead and the expected output length.
func (c *Calculator) PerCall(model string, isBatch bool, promptChars, overheadTokens, expectedOutputTokens int) float64 {
	return c.Claude(model, isBatch, Usage{
		Input:  EstimateTokens(promptChars) + overheadTokens,
		Output: expectedOutputTokens,
	})
}

// DefaultRates returns the built-in Claude pricing.
func DefaultRates() Rates {
	rate := func(in, out float64) ModelRate {
		return ModelRate{Input: in, Output: out, BatchDiscount: 0.5, CacheWriteMul: 1.25, CacheReadMul: 0.1}
	}
	return Rates{
		"claude-haiku-4-5-20251001":  rate(1.00, 5.00),
		"claude-sonnet-4-5-20250929": rate(3.00, 15.00),
		"claude-opus-4-6":            rate(15.00, 75.00),
	}
}
