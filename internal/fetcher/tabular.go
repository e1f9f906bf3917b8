package fetcher

import (
	"context"
	"strconv"
	"strings"

	"github.com/sells-group/reasoning-cli/internal/model"
)

const bom = "\ufeff"

// headerMapper turns tabular rows into records keyed by the first row.
type headerMapper struct {
	columns []string
	opts    Options
}

func newHeaderMapper(header []string, opts Options) *headerMapper {
	cols := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, bom)
		}
		cols[i] = strings.TrimSpace(h)
	}
	return &headerMapper{columns: cols, opts: opts}
}

// record maps row onto the header. Short rows leave the missing columns
// out; cells past the last column and unnamed columns are dropped.
func (m *headerMapper) record(row []string) model.Record {
	fields := make(map[string]any, len(m.columns))
	for i, name := range m.columns {
		if name == "" || i >= len(row) {
			continue
		}
		fields[name] = cell(strings.TrimSpace(row[i]), m.opts.InferTypes)
	}
	return model.NewRecord(idOf(fields, m.opts.IDField), fields)
}

func cell(s string, infer bool) any {
	if !infer {
		return s
	}
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	// Single letters such as "t" stay strings.
	if b, err := strconv.ParseBool(s); err == nil && len(s) > 1 {
		return b
	}
	return s
}

func idOf(fields map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := fields[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// emit sends rec unless ctx is done first.
func emit(ctx context.Context, ch chan<- model.Record, rec model.Record) bool {
	select {
	case ch <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}
