package store

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reasoning-cli/internal/model"
)

// ErrInvalidFilter is returned for filter expressions that do not parse.
var ErrInvalidFilter = eris.New("store: invalid filter expression")

// Condition is one `field op value` term of a filter expression.
type Condition struct {
	Field string
	Op    string
	Value string
}

// Filter is a conjunction of conditions. The empty filter matches every record.
type Filter []Condition

var conditionRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\s*(!=|>=|<=|=|>|<|~)\s*(.*)$`)

// ParseFilter parses `field op value [AND field op value ...]`. Supported
// operators are = != > < >= <= and ~ (case-insensitive contains). Values
// may be wrapped in single or double quotes.
func ParseFilter(expr string) (Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}

	var f Filter
	for _, term := range splitAnd(expr) {
		term = strings.TrimSpace(term)
		m := conditionRe.FindStringSubmatch(term)
		if m == nil {
			return nil, eris.Wrapf(ErrInvalidFilter, "term %q", term)
		}
		val := strings.TrimSpace(m[3])
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		} else if val == "" {
			return nil, eris.Wrapf(ErrInvalidFilter, "term %q has no value", term)
		}
		f = append(f, Condition{Field: m[1], Op: m[2], Value: val})
	}
	return f, nil
}

// splitAnd splits on the AND keyword outside quoted values.
func splitAnd(expr string) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case i+5 <= len(expr) && isSpace(c) && strings.EqualFold(expr[i+1:i+4], "and") && isSpace(expr[i+4]):
			parts = append(parts, expr[start:i])
			start = i + 5
			i += 4
		}
	}
	return append(parts, expr[start:])
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' }

// Match reports whether the record satisfies every condition. A missing
// field only satisfies !=.
func (f Filter) Match(r model.Record) bool {
	for _, c := range f {
		if !c.match(r) {
			return false
		}
	}
	return true
}

func (c Condition) match(r model.Record) bool {
	v, ok := r.Lookup(c.Field)
	if !ok || v.IsNull() {
		return c.Op == "!="
	}

	if c.Op == "~" {
		return strings.Contains(strings.ToLower(v.String()), strings.ToLower(c.Value))
	}

	var cmp int
	switch v.Kind() {
	case model.KindNumber:
		want, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return c.Op == "!="
		}
		cmp = model.Compare(v, model.Number(want))
	case model.KindBool:
		want, err := strconv.ParseBool(c.Value)
		if err != nil {
			return c.Op == "!="
		}
		got, _ := v.BoolVal()
		if c.Op != "=" && c.Op != "!=" {
			return false
		}
		return (got == want) == (c.Op == "=")
	default:
		cmp = strings.Compare(v.String(), c.Value)
	}

	switch c.Op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}
