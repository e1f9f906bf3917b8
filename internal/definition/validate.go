// Package definition validates and manages reasoning transaction definitions.
package definition

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/prompt"
	"github.com/sells-group/reasoning-cli/internal/store"
)

// Issue is a single validation finding.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// ValidationResult separates blocking errors from advisory warnings.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid reports whether there are no errors.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) errorf(field, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warnf(field, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a definition. Errors block create and update; warnings
// describe defaults that will be applied or references that resolve to
// nothing at run time.
func Validate(def *model.Definition) ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(def.Name) == "" {
		r.errorf("name", "is required")
	}

	views := validateQueries(def, &r)
	validateRules(def, views, &r)
	validateTemplate(def, views, &r)
	validateConstraints(def, &r)

	return r
}

// Pricing reports whether a model has configured token rates.
type Pricing interface {
	HasModel(model string) bool
}

// checkPricing warns when the model def runs under cannot be priced. Its
// estimates are then zero and a cost limit refuses execution.
func checkPricing(def *model.Definition, pricing Pricing, fallbackModel string, r *ValidationResult) {
	m := def.Model
	field := "model"
	if m == "" {
		m, field = fallbackModel, "anthropic.model"
	}
	if m == "" || pricing.HasModel(m) {
		return
	}
	if def.ExecutionConstraints.MaxEstimatedCostUSD > 0 {
		r.warnf(field, "no pricing for %q; execution will be refused while a cost limit is set", m)
		return
	}
	r.warnf(field, "no pricing for %q; cost estimates and recorded costs will be zero", m)
}

func validateQueries(def *model.Definition, r *ValidationResult) map[string]model.Query {
	if len(def.Queries) == 0 {
		r.errorf("queries", "at least one query is required")
	}
	views := make(map[string]model.Query, len(def.Queries))
	for i, q := range def.Queries {
		field := fmt.Sprintf("queries[%d]", i)
		if q.OutputViewName == "" {
			r.errorf(field+".output_view_name", "is required")
			continue
		}
		if _, dup := views[q.OutputViewName]; dup {
			r.errorf(field+".output_view_name", "duplicate view name %q", q.OutputViewName)
			continue
		}
		views[q.OutputViewName] = q
		if q.SourceCollectionName == "" {
			r.errorf(field+".source_collection_name", "is required")
		}
		if _, err := store.ParseFilter(q.FilterExpression); err != nil {
			r.errorf(field+".filter_expression", "%v", err)
		}
	}
	return views
}

func validateRules(def *model.Definition, views map[string]model.Query, r *ValidationResult) {
	for i, rule := range def.CombinationRules {
		field := fmt.Sprintf("combination_rules[%d]", i)
		for _, v := range rule.ViewNamesToCrossProduct {
			if _, ok := views[v]; !ok {
				r.warnf(field+".view_names_to_cross_product", "view %q is not declared by any query and will be skipped", v)
			}
		}
		for _, v := range rule.SingletonViewNamesForContext {
			if _, ok := views[v]; !ok {
				r.warnf(field+".singleton_view_names_for_context", "view %q is not declared by any query and will be skipped", v)
			}
		}
		if rule.MaxCombinations <= 0 {
			r.warnf(field+".max_combinations", "not positive; the default cap applies")
		}

		switch rule.Strategy {
		case "", model.StrategyCrossProduct, model.StrategyRandomSampling:
		case model.StrategyPrioritySampling:
			if rule.SamplingRule == nil || rule.SamplingRule.PriorityField == "" {
				r.errorf(field+".sampling_rule.priority_field", "is required for priority_sampling")
			}
		default:
			r.errorf(field+".strategy", "unknown strategy %q", rule.Strategy)
		}
	}
}

func validateTemplate(def *model.Definition, views map[string]model.Query, r *ValidationResult) {
	tmpl := def.PromptTemplate.TemplateContent
	if strings.TrimSpace(tmpl) == "" {
		r.errorf("prompt_template.template_content", "is required")
		return
	}
	if res := prompt.Validate(tmpl); !res.IsValid {
		for _, e := range res.Errors {
			r.errorf("prompt_template.template_content", "%s", e)
		}
	}

	placeholders := prompt.ExtractPlaceholders(tmpl)
	if len(placeholders) == 0 {
		r.warnf("prompt_template.template_content", "has no placeholders; every call receives the same prompt")
	}
	for _, p := range placeholders {
		if p.View == "" || p.Field == "" {
			continue
		}
		q, ok := views[p.View]
		if !ok {
			r.warnf("prompt_template.template_content", "placeholder {{%s}} references undeclared view %q", p.Ref(), p.View)
			continue
		}
		if len(q.SelectedFields) > 0 && !fieldSelected(q.SelectedFields, p.Field) {
			r.warnf("prompt_template.template_content", "placeholder {{%s}} uses a field not in %s selected_fields", p.Ref(), p.View)
		}
	}
}

// fieldSelected reports whether path survives projection to selected.
func fieldSelected(selected []string, path string) bool {
	return slices.ContainsFunc(selected, func(s string) bool {
		return s == path || strings.HasPrefix(path, s+".") || strings.HasPrefix(s, path+".")
	})
}

func validateConstraints(def *model.Definition, r *ValidationResult) {
	c := def.ExecutionConstraints
	if c.MaxConcurrentCalls <= 0 {
		r.warnf("execution_constraints.max_concurrent_calls", "not positive; the configured default applies")
	}
	if c.BatchSize <= 0 {
		r.warnf("execution_constraints.batch_size", "not positive; the configured default applies")
	}
	if c.MaxEstimatedCostUSD <= 0 {
		r.warnf("execution_constraints.max_estimated_cost_usd", "not positive; cost is unlimited")
	}
	if c.MaxExecutionTimeMinutes <= 0 {
		r.warnf("execution_constraints.max_execution_time_minutes", "not positive; execution time is unlimited")
	}
}

// Normalize trims names, fills the default strategy and derives the
// template's expected input views.
func Normalize(def *model.Definition) {
	def.Name = strings.TrimSpace(def.Name)
	for i := range def.Queries {
		def.Queries[i].OutputViewName = strings.TrimSpace(def.Queries[i].OutputViewName)
		def.Queries[i].SourceCollectionName = strings.TrimSpace(def.Queries[i].SourceCollectionName)
	}
	for i := range def.CombinationRules {
		if def.CombinationRules[i].Strategy == "" {
			def.CombinationRules[i].Strategy = model.StrategyCrossProduct
		}
	}
	def.PromptTemplate.ExpectedInputViewNames = prompt.ExtractPlaceholderViewNames(def.PromptTemplate.TemplateContent)
}
