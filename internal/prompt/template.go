// Package prompt fills {{View.field}} placeholders in prompt templates from
// a combination's records.
package prompt

import (
	"regexp"
	"sort"
	"strings"

	"github.com/sells-group/reasoning-cli/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Placeholder is one parsed {{View.field.path}} reference.
type Placeholder struct {
	Raw   string // full match including braces
	View  string
	Field string // dot-separated path, may be empty
}

// Ref returns the placeholder in View.field form.
func (p Placeholder) Ref() string {
	if p.Field == "" {
		return p.View
	}
	return p.View + "." + p.Field
}

func parsePlaceholder(raw, inner string) Placeholder {
	inner = strings.TrimSpace(inner)
	view, field, _ := strings.Cut(inner, ".")
	return Placeholder{Raw: raw, View: strings.TrimSpace(view), Field: strings.TrimSpace(field)}
}

// ExtractPlaceholders returns every placeholder in template order.
func ExtractPlaceholders(template string) []Placeholder {
	matches := placeholderRe.FindAllStringSubmatch(template, -1)
	out := make([]Placeholder, 0, len(matches))
	for _, m := range matches {
		out = append(out, parsePlaceholder(m[0], m[1]))
	}
	return out
}

// ExtractPlaceholderViewNames returns the sorted set of view names referenced.
func ExtractPlaceholderViewNames(template string) []string {
	seen := make(map[string]struct{})
	for _, p := range ExtractPlaceholders(template) {
		if p.View == "" {
			continue
		}
		seen[p.View] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Fill substitutes every placeholder with the referenced record field.
// Missing views and fields render inline markers instead of failing.
func Fill(template string, data map[string]model.Record) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(raw string) string {
		p := parsePlaceholder(raw, raw[2:len(raw)-2])
		rec, ok := data[p.View]
		if !ok {
			return "[view not found: " + p.View + "]"
		}
		v, ok := rec.Lookup(p.Field)
		if !ok {
			return "[field not found: " + p.Ref() + "]"
		}
		return v.String()
	})
}
