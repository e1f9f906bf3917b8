package model

import "time"

// Strategy selects how a combination rule picks tuples from the cartesian product.
type Strategy string

const (
	StrategyCrossProduct     Strategy = "cross_product"
	StrategyRandomSampling   Strategy = "random_sampling"
	StrategyPrioritySampling Strategy = "priority_sampling"
)

// Definition is the immutable recipe for a reasoning transaction.
type Definition struct {
	ID                   string               `json:"id" yaml:"id,omitempty"`
	Name                 string               `json:"name" yaml:"name"`
	Description          string               `json:"description,omitempty" yaml:"description,omitempty"`
	Model                string               `json:"model,omitempty" yaml:"model,omitempty"`
	Queries              []Query              `json:"queries" yaml:"queries"`
	CombinationRules     []CombinationRule    `json:"combination_rules,omitempty" yaml:"combination_rules,omitempty"`
	PromptTemplate       PromptTemplate       `json:"prompt_template" yaml:"prompt_template"`
	ExecutionConstraints ExecutionConstraints `json:"execution_constraints" yaml:"execution_constraints"`
	CreatedAt            time.Time            `json:"created_at" yaml:"-"`
	UpdatedAt            time.Time            `json:"updated_at" yaml:"-"`
}

// Query declares one data query whose result becomes a named view.
type Query struct {
	QueryID              string   `json:"query_id" yaml:"query_id"`
	OutputViewName       string   `json:"output_view_name" yaml:"output_view_name"`
	SourceCollectionName string   `json:"source_collection_name" yaml:"source_collection_name"`
	FilterExpression     string   `json:"filter_expression,omitempty" yaml:"filter_expression,omitempty"`
	SelectedFields       []string `json:"selected_fields,omitempty" yaml:"selected_fields,omitempty"`
}

// CombinationRule describes how views are combined into input tuples.
type CombinationRule struct {
	ViewNamesToCrossProduct      []string      `json:"view_names_to_cross_product" yaml:"view_names_to_cross_product"`
	SingletonViewNamesForContext []string      `json:"singleton_view_names_for_context,omitempty" yaml:"singleton_view_names_for_context,omitempty"`
	MaxCombinations              int           `json:"max_combinations" yaml:"max_combinations"`
	Strategy                     Strategy      `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	SamplingRule                 *SamplingRule `json:"sampling_rule,omitempty" yaml:"sampling_rule,omitempty"`
}

// SamplingRule parameterizes the sampling strategies.
type SamplingRule struct {
	RandomSeed         uint64 `json:"random_seed,omitempty" yaml:"random_seed,omitempty"`
	PriorityField      string `json:"priority_field,omitempty" yaml:"priority_field,omitempty"`
	PreferHigherValues bool   `json:"prefer_higher_values,omitempty" yaml:"prefer_higher_values,omitempty"`
}

// PromptTemplate is the text filled from each combination.
type PromptTemplate struct {
	TemplateContent string `json:"template_content" yaml:"template_content"`
	// SystemContent is sent as a cached system block on every call.
	SystemContent string `json:"system_content,omitempty" yaml:"system_content,omitempty"`
	// ExpectedInputViewNames is derived from the template placeholders.
	ExpectedInputViewNames []string `json:"expected_input_view_names,omitempty" yaml:"-"`
}

// ExecutionConstraints bound cost, time and concurrency of a run.
type ExecutionConstraints struct {
	MaxEstimatedCostUSD     float64 `json:"max_estimated_cost_usd" yaml:"max_estimated_cost_usd"`
	MaxExecutionTimeMinutes int     `json:"max_execution_time_minutes" yaml:"max_execution_time_minutes"`
	MaxConcurrentCalls      int     `json:"max_concurrent_calls" yaml:"max_concurrent_calls"`
	EnableBatching          bool    `json:"enable_batching" yaml:"enable_batching"`
	BatchSize               int     `json:"batch_size" yaml:"batch_size"`
}

// ViewNames returns the output view names in query declaration order.
func (d *Definition) ViewNames() []string {
	names := make([]string, 0, len(d.Queries))
	for _, q := range d.Queries {
		names = append(names, q.OutputViewName)
	}
	return names
}

// QueryForView returns the query producing the named view.
func (d *Definition) QueryForView(view string) (Query, bool) {
	for _, q := range d.Queries {
		if q.OutputViewName == view {
			return q, true
		}
	}
	return Query{}, false
}
