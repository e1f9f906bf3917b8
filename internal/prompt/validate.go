package prompt

import (
	"fmt"
	"strings"
)

// ValidationResult reports structural problems in a template.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// Validate checks that {{ and }} are balanced and not nested, and that every
// placeholder names both a view and a field.
func Validate(template string) ValidationResult {
	var errs []string

	open := -1
	for i := 0; i < len(template)-1; i++ {
		switch template[i : i+2] {
		case "{{":
			if open >= 0 {
				errs = append(errs, fmt.Sprintf("nested '{{' at offset %d (placeholder opened at %d)", i, open))
			}
			open = i
			i++
		case "}}":
			if open < 0 {
				errs = append(errs, fmt.Sprintf("unmatched '}}' at offset %d", i))
			}
			open = -1
			i++
		}
	}
	if open >= 0 {
		errs = append(errs, fmt.Sprintf("unclosed '{{' at offset %d", open))
	}

	for _, p := range ExtractPlaceholders(template) {
		switch {
		case p.View == "" && p.Field == "":
			errs = append(errs, fmt.Sprintf("empty placeholder %s", p.Raw))
		case p.View == "":
			errs = append(errs, fmt.Sprintf("placeholder %s has an empty view name", p.Raw))
		case p.Field == "":
			errs = append(errs, fmt.Sprintf("placeholder %s has an empty field name", p.Raw))
		case strings.Contains(p.Field, ".."), strings.HasPrefix(p.Field, "."), strings.HasSuffix(p.Field, "."):
			errs = append(errs, fmt.Sprintf("placeholder %s has an empty path segment", p.Raw))
		}
	}

	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}
