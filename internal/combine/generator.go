// Package combine turns resolved views and combination rules into input
// tuples (combinations).
package combine

import (
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/model"
)

const (
	// DefaultMaxCombinations caps rules without a positive cap and the
	// implicit rule used when a definition declares none.
	DefaultMaxCombinations = 1000

	// FullEnumerationLimit is the largest product sampled by enumerating
	// every tuple. Larger products use streaming reservoir/heap sampling.
	FullEnumerationLimit = 100_000
)

// ErrMissingPriorityField is returned for priority sampling without a field.
var ErrMissingPriorityField = eris.New("combine: priority sampling requires sampling_rule.priority_field")

// Generator produces combinations from resolved views.
type Generator struct {
	DefaultMax       int
	EnumerationLimit uint64
	NewID            func() string
}

// New returns a Generator with default caps and uuid identifiers.
func New() *Generator {
	return &Generator{
		DefaultMax:       DefaultMaxCombinations,
		EnumerationLimit: FullEnumerationLimit,
		NewID:            uuid.NewString,
	}
}

// ImplicitRule is the rule applied when a definition declares no rules:
// the cross product of every view, capped at max.
func ImplicitRule(def *model.Definition, max int) model.CombinationRule {
	return model.CombinationRule{
		ViewNamesToCrossProduct: def.ViewNames(),
		MaxCombinations:         max,
		Strategy:                model.StrategyCrossProduct,
	}
}

// GenerateAll applies every rule of def (or the implicit rule) and
// concatenates the results.
func (g *Generator) GenerateAll(def *model.Definition, views map[string][]model.Record) ([]model.Combination, error) {
	rules := def.CombinationRules
	if len(rules) == 0 {
		if len(views) == 0 {
			return nil, nil
		}
		rules = []model.CombinationRule{ImplicitRule(def, g.defaultMax())}
	}

	var out []model.Combination
	for i, rule := range rules {
		combos, err := g.Generate(views, rule)
		if err != nil {
			return nil, eris.Wrapf(err, "combine: rule %d", i)
		}
		out = append(out, combos...)
	}
	return out, nil
}

// Generate applies a single rule. Views named by the rule but absent from
// views are skipped.
func (g *Generator) Generate(views map[string][]model.Record, rule model.CombinationRule) ([]model.Combination, error) {
	limit := rule.MaxCombinations
	if limit <= 0 {
		limit = g.defaultMax()
	}

	context := make(map[string]model.Record)
	for _, name := range rule.SingletonViewNamesForContext {
		if recs := views[name]; len(recs) > 0 {
			context[name] = recs[0]
		}
	}

	var names []string
	var lists [][]model.Record
	for _, name := range rule.ViewNamesToCrossProduct {
		recs, ok := views[name]
		if !ok {
			continue
		}
		names = append(names, name)
		lists = append(lists, recs)
	}

	if len(names) == 0 {
		if len(context) == 0 {
			return nil, nil
		}
		return []model.Combination{g.combination(copyRecords(context))}, nil
	}

	p := newProduct(names, lists)
	if p.size == 0 {
		return nil, nil
	}

	var ordinals []uint64
	switch rule.Strategy {
	case model.StrategyRandomSampling:
		var seed uint64
		if rule.SamplingRule != nil {
			seed = rule.SamplingRule.RandomSeed
		}
		ordinals = sampleRandom(p, limit, seed, g.enumerationLimit())
	case model.StrategyPrioritySampling:
		if rule.SamplingRule == nil || rule.SamplingRule.PriorityField == "" {
			return nil, ErrMissingPriorityField
		}
		ordinals = samplePriority(p, context, limit, *rule.SamplingRule, g.enumerationLimit())
	case model.StrategyCrossProduct, "":
		ordinals = prefix(p, limit)
	default:
		return nil, eris.Errorf("combine: unknown strategy %q", rule.Strategy)
	}

	out := make([]model.Combination, 0, len(ordinals))
	idx := make([]int, len(lists))
	for _, ord := range ordinals {
		p.tuple(ord, idx)
		out = append(out, g.combination(p.dataMap(idx, context)))
	}
	return out, nil
}

func (g *Generator) combination(data map[string]model.Record) model.Combination {
	return model.Combination{ID: g.NewID(), DataMap: data}
}

func (g *Generator) defaultMax() int {
	if g.DefaultMax <= 0 {
		return DefaultMaxCombinations
	}
	return g.DefaultMax
}

func (g *Generator) enumerationLimit() uint64 {
	if g.EnumerationLimit == 0 {
		return FullEnumerationLimit
	}
	return g.EnumerationLimit
}

// prefix truncates the ordered enumeration after limit tuples.
func prefix(p *product, limit int) []uint64 {
	n := p.size
	if uint64(limit) < n {
		n = uint64(limit)
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i)
	}
	return out
}

func copyRecords(m map[string]model.Record) map[string]model.Record {
	out := make(map[string]model.Record, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
