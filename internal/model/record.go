package model

import "strings"

// Record is one document from a record collection.
type Record struct {
	ID     string           `json:"id"`
	Fields map[string]Value `json:"fields"`
}

// NewRecord builds a Record from plain Go data.
func NewRecord(id string, fields map[string]any) Record {
	r := Record{ID: id, Fields: make(map[string]Value, len(fields))}
	for k, v := range fields {
		r.Fields[k] = FromAny(v)
	}
	return r
}

// Lookup resolves a dot-separated field path within the record.
func (r Record) Lookup(path string) (Value, bool) {
	if path == "" {
		return Value{}, false
	}
	head, rest, _ := strings.Cut(path, ".")
	v, ok := r.Fields[head]
	if !ok {
		return Value{}, false
	}
	return v.Lookup(rest)
}

// Project keeps only the selected field paths. An empty selection keeps
// every field. Nested paths keep the nested structure leading to the leaf.
func (r Record) Project(paths []string) Record {
	if len(paths) == 0 {
		return r
	}
	out := Record{ID: r.ID, Fields: make(map[string]Value, len(paths))}
	for _, p := range paths {
		v, ok := r.Lookup(p)
		if !ok {
			continue
		}
		setPath(out.Fields, strings.Split(p, "."), v)
	}
	return out
}

func setPath(fields map[string]Value, segs []string, v Value) {
	if len(segs) == 1 {
		fields[segs[0]] = v
		return
	}
	child, ok := fields[segs[0]]
	if !ok || child.kind != KindMap {
		child = Map(nil)
	} else {
		// copy so projections never alias the source map
		cp := make(map[string]Value, len(child.m))
		for k, cv := range child.m {
			cp[k] = cv
		}
		child = Map(cp)
	}
	setPath(child.m, segs[1:], v)
	fields[segs[0]] = child
}
